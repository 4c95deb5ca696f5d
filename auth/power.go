// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// PowerLevels is the effective power-level table for a room: the
// content of the m.room.power_levels event with Matrix defaults
// applied for absent keys.
type PowerLevels struct {
	UsersDefault  int64
	EventsDefault int64
	StateDefault  int64
	Ban           int64
	Kick          int64
	Redact        int64
	Invite        int64

	// Users maps user IDs to explicit levels; absent users hold
	// UsersDefault.
	Users map[string]int64

	// Events maps event types to explicit send levels; absent types
	// hold StateDefault or EventsDefault depending on whether the
	// event carries a state key.
	Events map[string]int64
}

// UserLevel returns the effective level of a user.
func (pl *PowerLevels) UserLevel(user ref.UserID) int64 {
	if level, ok := pl.Users[user.String()]; ok {
		return level
	}
	return pl.UsersDefault
}

// RequiredLevel returns the level needed to send the given event.
func (pl *PowerLevels) RequiredLevel(p *event.PDU) int64 {
	if level, ok := pl.Events[p.Type.String()]; ok {
		return level
	}
	if p.IsState() {
		return pl.StateDefault
	}
	return pl.EventsDefault
}

// ParsePowerLevels decodes m.room.power_levels content. Version 10+
// requires every level to be a canonical-JSON integer; earlier
// versions additionally accept string-encoded integers, which some
// servers historically emitted.
func ParsePowerLevels(content []byte, version event.Version) (*PowerLevels, error) {
	strict := version.StrictIntegerPowerLevels
	pl := &PowerLevels{
		StateDefault: 50,
		Ban:          50,
		Kick:         50,
		Redact:       50,
	}
	for _, field := range []struct {
		key  string
		dest *int64
	}{
		{"users_default", &pl.UsersDefault},
		{"events_default", &pl.EventsDefault},
		{"state_default", &pl.StateDefault},
		{"ban", &pl.Ban},
		{"kick", &pl.Kick},
		{"redact", &pl.Redact},
		{"invite", &pl.Invite},
	} {
		value, present, err := levelAt(content, field.key, strict)
		if err != nil {
			return nil, err
		}
		if present {
			*field.dest = value
		}
	}

	var err error
	pl.Users, err = levelTable(content, "users", strict, true)
	if err != nil {
		return nil, err
	}
	pl.Events, err = levelTable(content, "events", strict, false)
	if err != nil {
		return nil, err
	}
	return pl, nil
}

// powerLevelsFrom extracts the effective power levels from an auth
// state snapshot. A room with no power_levels event yet gives the
// creator level 100 and everyone else 0, with the send defaults at 0
// so the creator's first events pass.
func powerLevelsFrom(state State, version event.Version) (*PowerLevels, error) {
	if p := state.get(ref.TypePowerLevels, ""); p != nil {
		return ParsePowerLevels(p.Content, version)
	}
	pl := &PowerLevels{Ban: 50, Kick: 50, Redact: 50}
	if creator, ok := RoomCreator(state.get(ref.TypeCreate, "")); ok {
		pl.Users = map[string]int64{creator.String(): 100}
	}
	return pl, nil
}

// RoomCreator reads the creator from the create event: the explicit
// "creator" content field before version 11, the sender from 11 on.
func RoomCreator(create *event.PDU) (ref.UserID, bool) {
	if create == nil {
		return ref.UserID{}, false
	}
	if create.Version().ImplicitRoomCreator {
		return create.Sender, true
	}
	raw := gjson.GetBytes(create.Content, "creator")
	if raw.Type != gjson.String {
		return ref.UserID{}, false
	}
	creator, err := ref.ParseUserID(raw.Str)
	if err != nil {
		return ref.UserID{}, false
	}
	return creator, true
}

// levelAt reads one level from power-levels content. The second
// return reports whether the key was present.
func levelAt(content []byte, path string, strict bool) (int64, bool, error) {
	result := gjson.GetBytes(content, path)
	if !result.Exists() {
		return 0, false, nil
	}
	value, err := levelValue(result, strict)
	if err != nil {
		return 0, false, fmt.Errorf("power level %q: %w", path, err)
	}
	return value, true, nil
}

// levelTable reads one of the users/events maps. When userKeys is set
// every key must be a valid user ID.
func levelTable(content []byte, path string, strict, userKeys bool) (map[string]int64, error) {
	result := gjson.GetBytes(content, path)
	if !result.Exists() {
		return nil, nil
	}
	if !result.IsObject() {
		return nil, fmt.Errorf("power level %q: not an object", path)
	}
	table := make(map[string]int64)
	var parseErr error
	result.ForEach(func(key, value gjson.Result) bool {
		if userKeys {
			if _, err := ref.ParseUserID(key.Str); err != nil {
				parseErr = fmt.Errorf("power level %q: %w", path, err)
				return false
			}
		}
		level, err := levelValue(value, strict)
		if err != nil {
			parseErr = fmt.Errorf("power level %q[%s]: %w", path, key.Str, err)
			return false
		}
		table[key.Str] = level
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return table, nil
}

// levelValue interprets a single level. Strict mode accepts only
// integer JSON numbers; lenient mode also parses quoted integers.
func levelValue(result gjson.Result, strict bool) (int64, error) {
	switch result.Type {
	case gjson.Number:
		// Canonical JSON already excludes fractions and exponents;
		// parsing the raw token enforces it against direct callers.
		value, err := strconv.ParseInt(result.Raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", result.Raw)
		}
		return value, nil
	case gjson.String:
		if strict {
			return 0, fmt.Errorf("string level %q not allowed", result.Str)
		}
		value, err := strconv.ParseInt(strings.TrimSpace(result.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable string level %q", result.Str)
		}
		return value, nil
	default:
		return 0, fmt.Errorf("level has type %s", result.Type)
	}
}
