// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/hearth-im/hearth/lib/ref"
)

// Builder assembles a locally originated event: content hash computed,
// optional origin signature applied, ID derived. Remote events never
// pass through here — they arrive fully formed and go to Parse.
type Builder struct {
	RoomID         ref.RoomID
	Type           ref.EventType
	StateKey       *string
	Sender         ref.UserID
	Content        any
	PrevEvents     []ref.EventID
	AuthEvents     []ref.EventID
	Depth          int64
	OriginServerTS int64

	// Redacts is the target of an m.room.redaction event. Room version
	// 11 reads the target from content instead; there the caller puts
	// it in Content and leaves this zero.
	Redacts ref.EventID
}

// Build produces an unsigned PDU. Events that will cross the
// federation boundary need BuildSigned; unsigned events are only
// admissible from the engine's own server.
func (b Builder) Build(version Version) (*PDU, error) {
	return b.build(version, nil)
}

// BuildSigned produces a PDU signed by the origin server's key.
func (b Builder) BuildSigned(version Version, server ref.ServerName, keyID string, key ed25519.PrivateKey) (*PDU, error) {
	return b.build(version, func(p *PDU) error {
		return p.Sign(server, keyID, key)
	})
}

func (b Builder) build(version Version, sign func(*PDU) error) (*PDU, error) {
	content := b.Content
	if content == nil {
		content = map[string]any{}
	}

	body := map[string]any{
		"room_id":          b.RoomID,
		"type":             b.Type,
		"sender":           b.Sender,
		"origin_server_ts": b.OriginServerTS,
		"prev_events":      eventIDStrings(b.PrevEvents),
		"auth_events":      eventIDStrings(b.AuthEvents),
		"depth":            b.Depth,
		"content":          content,
	}
	if b.StateKey != nil {
		body["state_key"] = *b.StateKey
	}
	if !b.Redacts.IsZero() {
		body["redacts"] = b.Redacts.String()
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("event: building: %w", err)
	}
	p, err := Parse(raw, version)
	if err != nil {
		return nil, err
	}

	// The content hash is part of the redacted form, so it must be in
	// place before signing and before the ID is derived.
	contentHash, err := p.contentHash()
	if err != nil {
		return nil, err
	}
	p.body["hashes"] = map[string]any{"sha256": contentHash}

	if sign != nil {
		if err := sign(p); err != nil {
			return nil, err
		}
	}

	p.ID, err = p.referenceHash()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// StateKeyRef returns a pointer to s, for Builder.StateKey. The empty
// state key (most structural events) is a valid, distinct value from
// "no state key", which is why the field is a pointer.
func StateKeyRef(s string) *string { return &s }

func eventIDStrings(ids []ref.EventID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
