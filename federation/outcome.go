// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import "github.com/hearth-im/hearth/lib/ref"

// Result classifies what happened to one PDU in a transaction.
type Result int

const (
	// ResultAccepted means the event was verified, authorized, and
	// stored.
	ResultAccepted Result = iota

	// ResultUnchanged means an identical event was already stored.
	ResultUnchanged

	// ResultRejected means the event failed authorization. It is
	// stored and flagged: later events may cite it, but it
	// contributes no state.
	ResultRejected

	// ResultMalformed means the event failed hash or signature
	// verification, or lied about its identity. Never persisted.
	ResultMalformed

	// ResultUnresolvable means the event's ancestry could not be
	// completed within the backfill limits. The event is deferred,
	// not condemned: a later transaction may supply the ancestors.
	ResultUnresolvable
)

// String returns a short identifier for logs and API surfaces.
func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultUnchanged:
		return "unchanged"
	case ResultRejected:
		return "rejected"
	case ResultMalformed:
		return "malformed"
	case ResultUnresolvable:
		return "unresolvable"
	default:
		return "unknown"
	}
}

// EventOutcome is the per-event verdict of a transaction. EventID is
// zero when the input could not even be parsed.
type EventOutcome struct {
	EventID ref.EventID
	Result  Result
	Reason  string
}
