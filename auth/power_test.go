// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"
	"testing"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

func version(t *testing.T, id string) event.Version {
	t.Helper()
	v, ok := event.VersionByID(id)
	if !ok {
		t.Fatalf("unsupported version %s", id)
	}
	return v
}

func TestParsePowerLevelsDefaults(t *testing.T) {
	pl, err := ParsePowerLevels([]byte(`{}`), version(t, "10"))
	if err != nil {
		t.Fatalf("ParsePowerLevels: %v", err)
	}
	if pl.StateDefault != 50 || pl.Ban != 50 || pl.Kick != 50 || pl.Redact != 50 {
		t.Errorf("moderation defaults = %d/%d/%d/%d, want 50 each",
			pl.StateDefault, pl.Ban, pl.Kick, pl.Redact)
	}
	if pl.UsersDefault != 0 || pl.EventsDefault != 0 || pl.Invite != 0 {
		t.Errorf("send defaults = %d/%d/%d, want 0 each",
			pl.UsersDefault, pl.EventsDefault, pl.Invite)
	}
}

func TestParsePowerLevelsStringLevels(t *testing.T) {
	content := []byte(`{"ban":"75","users":{"@alice:hearth.test":"100"}}`)

	// Pre-10 versions tolerate string-encoded integers.
	pl, err := ParsePowerLevels(content, version(t, "6"))
	if err != nil {
		t.Fatalf("ParsePowerLevels v6: %v", err)
	}
	if pl.Ban != 75 {
		t.Errorf("ban = %d, want 75", pl.Ban)
	}
	if pl.UserLevel(alice) != 100 {
		t.Errorf("alice level = %d, want 100", pl.UserLevel(alice))
	}

	// Version 10 enforces integers.
	if _, err := ParsePowerLevels(content, version(t, "10")); err == nil {
		t.Error("ParsePowerLevels v10 accepted string levels")
	}
}

func TestParsePowerLevelsRejectsBadShapes(t *testing.T) {
	v := version(t, "10")
	for _, content := range []string{
		`{"ban":true}`,
		`{"users":"not an object"}`,
		`{"users":{"not a user id":50}}`,
		`{"events":{"m.room.topic":[50]}}`,
	} {
		if _, err := ParsePowerLevels([]byte(content), v); err == nil {
			t.Errorf("ParsePowerLevels(%s) succeeded, want error", content)
		}
	}
}

func TestPowerLevelMutationConstraints(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addPowerLevels(map[string]any{
		"users": map[string]any{
			alice.String(): 100,
			bob.String():   50,
			carol.String(): 50,
		},
		"state_default": 50,
	})

	change := func(sender ref.UserID, content map[string]any) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypePowerLevels,
			StateKey: event.StateKeyRef(""),
			Sender:   sender,
			Content:  content,
		})
	}
	keepUsers := func(overrides map[string]any) map[string]any {
		users := map[string]any{
			alice.String(): 100,
			bob.String():   50,
			carol.String(): 50,
		}
		for k, v := range overrides {
			users[k] = v
		}
		return map[string]any{"users": users, "state_default": 50}
	}

	// Bob cannot grant a level above his own.
	wantReject(t, change(bob, keepUsers(map[string]any{bob.String(): 80})), f.state, CodePowerLevelMutation)

	// Bob cannot demote carol, an equal.
	wantReject(t, change(bob, keepUsers(map[string]any{carol.String(): 0})), f.state, CodePowerLevelMutation)

	// Bob may demote himself.
	wantAllow(t, change(bob, keepUsers(map[string]any{bob.String(): 0})), f.state)

	// Bob cannot touch a default above his level.
	wantReject(t, change(bob, map[string]any{
		"users":         keepUsers(nil)["users"],
		"state_default": 50,
		"ban":           90,
	}), f.state, CodePowerLevelMutation)

	// Alice, at the top, can reshape freely within her level.
	wantAllow(t, change(alice, keepUsers(map[string]any{bob.String(): 75})), f.state)

	// Removing an entry counts as changing it.
	wantReject(t, change(bob, map[string]any{
		"users": map[string]any{
			alice.String(): 100,
			bob.String():   50,
		},
		"state_default": 50,
	}), f.state, CodePowerLevelMutation)
}

func TestPowerLevelMutationScalarRemoval(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addPowerLevels(map[string]any{
		"users":          map[string]any{alice.String(): 100, bob.String(): 50},
		"events_default": 75,
		"state_default":  50,
	})

	// Dropping events_default reverts it to 0; the old value 75 is
	// above bob's level, so only alice may remove it.
	drop := func(sender ref.UserID) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypePowerLevels,
			StateKey: event.StateKeyRef(""),
			Sender:   sender,
			Content: map[string]any{
				"users":         map[string]any{alice.String(): 100, bob.String(): 50},
				"state_default": 50,
			},
		})
	}
	wantReject(t, drop(bob), f.state, CodePowerLevelMutation)
	wantAllow(t, drop(alice), f.state)
}

func TestRejectionError(t *testing.T) {
	r := reject(CodeInsufficientPower, "sender has %d", 5)
	if !strings.Contains(r.Error(), "insufficient_power") {
		t.Errorf("Error() = %q, want code identifier included", r.Error())
	}
}
