// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth decides whether a PDU is admissible given an
// authorization state snapshot.
//
// Check is a pure function: it consults only the state passed to it,
// which callers build from the event's declared auth_events, never the
// room's latest state. A historical event therefore re-validates
// identically no matter when it is re-checked, which is what lets
// state resolution replay events from years ago and reach the same
// answer every server reached at the time.
//
// Version differences (knocking, restricted rooms, integer power
// levels, the implicit creator) are carried as flags on event.Version
// rather than as per-version rule types. The rules read the flags.
package auth
