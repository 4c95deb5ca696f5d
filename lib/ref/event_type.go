// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package ref

// EventType identifies a Matrix state or timeline event type. The
// engine special-cases the structural room types (m.room.create,
// m.room.member, m.room.power_levels, ...) and passes everything else
// through opaquely.
//
// EventType is a named string type, not a struct wrapper: event types
// are opaque identifiers that need no parsing or validation. The type
// exists purely for compile-time safety — preventing accidental use of
// a state key where an event type is expected (or vice versa).
type EventType string

// Structural room event types the engine dispatches on.
const (
	TypeCreate      EventType = "m.room.create"
	TypeMember      EventType = "m.room.member"
	TypePowerLevels EventType = "m.room.power_levels"
	TypeJoinRules   EventType = "m.room.join_rules"
	TypeHistoryVis  EventType = "m.room.history_visibility"
	TypeAliases     EventType = "m.room.aliases"
	TypeRedaction   EventType = "m.room.redaction"
	TypeTopic       EventType = "m.room.topic"
	TypeName        EventType = "m.room.name"
)

// String returns the event type string (e.g., "m.room.member").
func (t EventType) String() string { return string(t) }
