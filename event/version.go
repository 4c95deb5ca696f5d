// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package event

import "github.com/hearth-im/hearth/lib/ref"

// Version describes one room version's rule-set: the flags the
// authorizer dispatches on and the redaction keep-lists that define
// hashing. Successive versions refine these rules; the engine models
// them as data, not as a type hierarchy, so adding a version is a
// table entry.
type Version struct {
	// ID is the room version string as it appears in the
	// m.room.create content ("6" ... "11").
	ID string

	// AllowKnocking permits the "knock" membership and join rule
	// (version 7+).
	AllowKnocking bool

	// AllowRestrictedJoins permits the "restricted" join rule, where
	// membership in another room authorizes joining (version 8+).
	AllowRestrictedJoins bool

	// AllowKnockRestricted permits the combined "knock_restricted"
	// join rule (version 10+).
	AllowKnockRestricted bool

	// StrictIntegerPowerLevels rejects power-level values that are
	// not canonical-JSON integers (version 10+). Earlier versions
	// tolerate string-encoded levels.
	StrictIntegerPowerLevels bool

	// ImplicitRoomCreator treats the sender of m.room.create as the
	// room creator instead of reading a "creator" content field, and
	// keeps the whole create content through redaction (version 11).
	ImplicitRoomCreator bool

	// redactKeepTopLevel lists the event keys preserved by redaction.
	redactKeepTopLevel []string

	// redactKeepContent lists, per event type, the content keys
	// preserved by redaction. Types not listed lose their whole
	// content. A single "*" entry keeps the content untouched.
	redactKeepContent map[ref.EventType][]string
}

// Top-level keys kept by redaction. Versions before 11 additionally
// preserve several legacy keys that 11 removed.
var (
	keepTopLevelV11 = []string{
		"event_id", "type", "room_id", "sender", "state_key", "content",
		"hashes", "signatures", "depth", "prev_events", "auth_events",
		"origin_server_ts",
	}
	keepTopLevelLegacy = append([]string{
		"origin", "membership", "prev_state",
	}, keepTopLevelV11...)
)

func keepContent(version int) map[ref.EventType][]string {
	keep := map[ref.EventType][]string{
		ref.TypeMember:      {"membership"},
		ref.TypeCreate:      {"creator"},
		ref.TypeJoinRules:   {"join_rule"},
		ref.TypeHistoryVis:  {"history_visibility"},
		ref.TypePowerLevels: {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	}
	if version >= 8 {
		keep[ref.TypeJoinRules] = append(keep[ref.TypeJoinRules], "allow")
		keep[ref.TypeMember] = append(keep[ref.TypeMember], "join_authorised_via_users_server")
	}
	if version >= 11 {
		keep[ref.TypeCreate] = []string{"*"}
		keep[ref.TypePowerLevels] = append(keep[ref.TypePowerLevels], "invite")
		keep[ref.TypeRedaction] = []string{"redacts"}
	}
	return keep
}

// versions is the rule-set lookup table, keyed by room version string.
var versions = map[string]Version{
	"6": {
		ID:                 "6",
		redactKeepTopLevel: keepTopLevelLegacy,
		redactKeepContent:  keepContent(6),
	},
	"7": {
		ID:                 "7",
		AllowKnocking:      true,
		redactKeepTopLevel: keepTopLevelLegacy,
		redactKeepContent:  keepContent(7),
	},
	"8": {
		ID:                   "8",
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		redactKeepTopLevel:   keepTopLevelLegacy,
		redactKeepContent:    keepContent(8),
	},
	"9": {
		ID:                   "9",
		AllowKnocking:        true,
		AllowRestrictedJoins: true,
		redactKeepTopLevel:   keepTopLevelLegacy,
		redactKeepContent:    keepContent(9),
	},
	"10": {
		ID:                       "10",
		AllowKnocking:            true,
		AllowRestrictedJoins:     true,
		AllowKnockRestricted:     true,
		StrictIntegerPowerLevels: true,
		redactKeepTopLevel:       keepTopLevelLegacy,
		redactKeepContent:        keepContent(10),
	},
	"11": {
		ID:                       "11",
		AllowKnocking:            true,
		AllowRestrictedJoins:     true,
		AllowKnockRestricted:     true,
		StrictIntegerPowerLevels: true,
		ImplicitRoomCreator:      true,
		redactKeepTopLevel:       keepTopLevelV11,
		redactKeepContent:        keepContent(11),
	},
}

// VersionByID looks up a room version's rule-set. The second return
// is false for versions this engine does not implement; callers treat
// that as a permanent rejection of the room, not an error to retry.
func VersionByID(id string) (Version, bool) {
	v, ok := versions[id]
	return v, ok
}

// SupportedVersions returns the implemented room version IDs in
// ascending numeric order.
func SupportedVersions() []string {
	return []string{"6", "7", "8", "9", "10", "11"}
}
