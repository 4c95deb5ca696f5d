// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hearth-im/hearth/lib/canonical"
	"github.com/hearth-im/hearth/lib/ref"
)

// StateKey identifies one piece of room state: the pair
// (event type, state key). The zero state key is the common case
// (topic, power levels, join rules); member events use the target
// user ID.
type StateKey struct {
	Type ref.EventType
	Key  string
}

// Snapshot maps each piece of state to the event currently holding it.
// Snapshots are values: resolution and store code copy them with
// [Snapshot.Clone] rather than sharing.
type Snapshot map[StateKey]ref.EventID

// Clone returns an independent copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// PDU is a persisted, immutable room event. Fields are extracted from
// the wire JSON at parse time; the full decoded body is retained
// internally because hashing and redaction are defined over the
// original object.
//
// A PDU must not be modified after Parse. Redaction returns new bytes
// (same ID) rather than mutating.
type PDU struct {
	// ID is the recomputed reference hash of the event. It is derived
	// during Parse and never read from the wire.
	ID ref.EventID

	RoomID         ref.RoomID
	Type           ref.EventType
	StateKey       *string
	Sender         ref.UserID
	OriginServerTS int64
	Depth          int64
	PrevEvents     []ref.EventID
	AuthEvents     []ref.EventID

	// Content is the canonicalized content object.
	Content json.RawMessage

	// Redacts is the target of an m.room.redaction event. Read from
	// the top-level "redacts" key, or from content in room version 11.
	Redacts ref.EventID

	version Version
	body    map[string]any
}

// wirePDU mirrors the federation wire shape for typed extraction. The
// canonical attribute list is authoritative; anything else in the body
// is carried opaquely through hashing and storage.
type wirePDU struct {
	RoomID         ref.RoomID      `json:"room_id"`
	Type           ref.EventType   `json:"type"`
	StateKey       *string         `json:"state_key"`
	Sender         ref.UserID      `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Depth          int64           `json:"depth"`
	PrevEvents     []ref.EventID   `json:"prev_events"`
	AuthEvents     []ref.EventID   `json:"auth_events"`
	Content        json.RawMessage `json:"content"`
	Redacts        ref.EventID     `json:"redacts"`
}

// Parse decodes, structurally validates, and identifies a PDU received
// on the wire. The returned PDU's ID is the recomputed reference hash;
// whatever ID the sender claimed elsewhere is ignored.
//
// Parse does not verify the content hash or signatures — those checks
// are separate ([PDU.VerifyContentHash], [VerifySignature]) so that
// callers can distinguish the failure modes.
func Parse(raw []byte, version Version) (*PDU, error) {
	var wire wirePDU
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("event: malformed PDU: %w", err)
	}
	if wire.RoomID.IsZero() {
		return nil, fmt.Errorf("event: PDU missing room_id")
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("event: PDU missing type")
	}
	if wire.Sender.IsZero() {
		return nil, fmt.Errorf("event: PDU missing sender")
	}
	if wire.OriginServerTS < 0 {
		return nil, fmt.Errorf("event: negative origin_server_ts")
	}
	if wire.Type == ref.TypeCreate {
		if len(wire.PrevEvents) != 0 || len(wire.AuthEvents) != 0 {
			return nil, fmt.Errorf("event: m.room.create cites predecessors")
		}
	} else if len(wire.PrevEvents) == 0 {
		return nil, fmt.Errorf("event: PDU has no prev_events")
	}
	// An event citing itself is structurally impossible (the ID is a
	// hash of the citations), but duplicate citations are cheap to
	// reject and simplify the DAG indices.
	if err := rejectDuplicates(wire.PrevEvents); err != nil {
		return nil, fmt.Errorf("event: prev_events: %w", err)
	}
	if err := rejectDuplicates(wire.AuthEvents); err != nil {
		return nil, fmt.Errorf("event: auth_events: %w", err)
	}

	body, err := decodeBody(raw)
	if err != nil {
		return nil, err
	}

	content := wire.Content
	if content == nil {
		content = json.RawMessage("{}")
	}
	canonicalContent, err := canonical.JSON(content)
	if err != nil {
		return nil, fmt.Errorf("event: content: %w", err)
	}

	p := &PDU{
		RoomID:         wire.RoomID,
		Type:           wire.Type,
		StateKey:       wire.StateKey,
		Sender:         wire.Sender,
		OriginServerTS: wire.OriginServerTS,
		Depth:          wire.Depth,
		PrevEvents:     wire.PrevEvents,
		AuthEvents:     wire.AuthEvents,
		Content:        canonicalContent,
		Redacts:        wire.Redacts,
		version:        version,
		body:           body,
	}
	if version.ImplicitRoomCreator && p.Type == ref.TypeRedaction {
		// Version 11 moved the redaction target into content.
		var c struct {
			Redacts ref.EventID `json:"redacts"`
		}
		if err := json.Unmarshal(p.Content, &c); err == nil && !c.Redacts.IsZero() {
			p.Redacts = c.Redacts
		}
	}

	id, err := p.referenceHash()
	if err != nil {
		return nil, err
	}
	p.ID = id
	return p, nil
}

// decodeBody decodes the full wire object, preserving numbers as
// json.Number so that canonicalization sees what was sent rather than
// a float64 round trip.
func decodeBody(raw []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var body map[string]any
	if err := decoder.Decode(&body); err != nil {
		return nil, fmt.Errorf("event: malformed PDU body: %w", err)
	}
	return body, nil
}

func rejectDuplicates(ids []ref.EventID) error {
	seen := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate reference to %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Version returns the room version rule-set the PDU was parsed under.
func (p *PDU) Version() Version { return p.version }

// IsState reports whether the event is a state event (has a state
// key, possibly empty).
func (p *PDU) IsState() bool { return p.StateKey != nil }

// StateKeyValue returns the state key, or "" for non-state events.
func (p *PDU) StateKeyValue() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// Key returns the (type, state key) pair the event occupies in a state
// snapshot. Only meaningful when IsState is true.
func (p *PDU) Key() StateKey {
	return StateKey{Type: p.Type, Key: p.StateKeyValue()}
}

// CanonicalJSON returns the full event body in canonical form,
// including signatures and hashes. This is the storage form: parsing
// it back yields an identical PDU with the identical ID.
func (p *PDU) CanonicalJSON() ([]byte, error) {
	data, err := canonical.Marshal(p.body)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", p.ID, err)
	}
	return data, nil
}

// Membership returns the "membership" content field of an
// m.room.member event, or "" if absent.
func (p *PDU) Membership() string {
	var c struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(p.Content, &c); err != nil {
		return ""
	}
	return c.Membership
}
