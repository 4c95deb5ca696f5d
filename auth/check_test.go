// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

var (
	alice = ref.MustParseUserID("@alice:hearth.test")
	bob   = ref.MustParseUserID("@bob:hearth.test")
	carol = ref.MustParseUserID("@carol:remote.test")
)

// fixture builds an auth state snapshot event by event. The create
// event is always present; everything else is added per test.
type fixture struct {
	t       *testing.T
	version event.Version
	room    ref.RoomID
	create  *event.PDU
	state   State
	depth   int64
}

func newFixture(t *testing.T, versionID string) *fixture {
	t.Helper()
	version, ok := event.VersionByID(versionID)
	if !ok {
		t.Fatalf("unsupported version %s", versionID)
	}
	content := map[string]any{"room_version": versionID}
	if !version.ImplicitRoomCreator {
		content["creator"] = alice.String()
	}
	f := &fixture{
		t:       t,
		version: version,
		room:    ref.MustParseRoomID("!auth:hearth.test"),
		state:   make(State),
		depth:   1,
	}
	f.create = f.build(event.Builder{
		Type:     ref.TypeCreate,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  content,
	})
	f.state[f.create.Key()] = f.create
	return f
}

// build completes the builder with room, depth, and graph links and
// parses the result.
func (f *fixture) build(b event.Builder) *event.PDU {
	f.t.Helper()
	b.RoomID = f.room
	b.Depth = f.depth
	b.OriginServerTS = f.depth
	f.depth++
	if b.Type != ref.TypeCreate {
		if len(b.PrevEvents) == 0 {
			b.PrevEvents = []ref.EventID{f.create.ID}
		}
		b.AuthEvents = []ref.EventID{f.create.ID}
	}
	p, err := b.Build(f.version)
	if err != nil {
		f.t.Fatalf("building %s: %v", b.Type, err)
	}
	return p
}

// add builds an event and installs it in the snapshot.
func (f *fixture) add(b event.Builder) *event.PDU {
	f.t.Helper()
	p := f.build(b)
	if !p.IsState() {
		f.t.Fatalf("fixture event %s has no state key", b.Type)
	}
	f.state[p.Key()] = p
	return p
}

func (f *fixture) addMember(user ref.UserID, membership string) *event.PDU {
	return f.add(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(user.String()),
		Sender:   user,
		Content:  map[string]any{"membership": membership},
	})
}

func (f *fixture) addJoinRule(rule string) *event.PDU {
	return f.add(event.Builder{
		Type:     ref.TypeJoinRules,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"join_rule": rule},
	})
}

func (f *fixture) addPowerLevels(content map[string]any) *event.PDU {
	return f.add(event.Builder{
		Type:     ref.TypePowerLevels,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  content,
	})
}

// wantAllow and wantReject assert the check outcome.
func wantAllow(t *testing.T, p *event.PDU, state State) {
	t.Helper()
	if r := Check(p, state); r != nil {
		t.Fatalf("Check(%s) = %v, want allow", p.Type, r)
	}
}

func wantReject(t *testing.T, p *event.PDU, state State, code Code) {
	t.Helper()
	r := Check(p, state)
	if r == nil {
		t.Fatalf("Check(%s) allowed, want rejection %s", p.Type, code)
	}
	if r.Code != code {
		t.Fatalf("Check(%s) rejected with %s (%s), want %s", p.Type, r.Code, r.Reason, code)
	}
}

func TestCreateEventChecks(t *testing.T) {
	f := newFixture(t, "10")
	wantAllow(t, f.create, nil)

	// Room on a different server than the creator.
	foreign := f.build(event.Builder{
		Type:     ref.TypeCreate,
		StateKey: event.StateKeyRef(""),
		Sender:   carol,
		Content:  map[string]any{"room_version": "10", "creator": carol.String()},
	})
	wantReject(t, foreign, nil, CodeMalformed)

	// Declared version disagrees with the room's rule-set.
	mismatched := f.build(event.Builder{
		Type:     ref.TypeCreate,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"room_version": "6", "creator": alice.String()},
	})
	wantReject(t, mismatched, nil, CodeMalformed)

	// Pre-11 creates need an explicit creator.
	creatorless := f.build(event.Builder{
		Type:     ref.TypeCreate,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"room_version": "10"},
	})
	wantReject(t, creatorless, nil, CodeMalformed)
}

func TestImplicitCreatorVersion11(t *testing.T) {
	f := newFixture(t, "11")
	wantAllow(t, f.create, nil)
	f.addMember(alice, MembershipJoin)

	// The implicit creator holds level 100 with no power_levels event.
	pl := f.build(event.Builder{
		Type:     ref.TypePowerLevels,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"users": map[string]any{alice.String(): 100}},
	})
	wantAllow(t, pl, f.state)
}

func TestCreatorFirstJoin(t *testing.T) {
	f := newFixture(t, "10")
	firstJoin := f.build(event.Builder{
		Type:       ref.TypeMember,
		StateKey:   event.StateKeyRef(alice.String()),
		Sender:     alice,
		Content:    map[string]any{"membership": MembershipJoin},
		PrevEvents: []ref.EventID{f.create.ID},
	})
	wantAllow(t, firstJoin, f.state)
}

func TestJoinPublicRoom(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addJoinRule(JoinRulePublic)

	join := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantAllow(t, join, f.state)

	// Nobody can join on someone else's behalf.
	proxy := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   alice,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantReject(t, proxy, f.state, CodeMembershipTransition)
}

func TestBannedUserCannotJoin(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addJoinRule(JoinRulePublic)
	f.addMember(bob, MembershipBan)

	join := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantReject(t, join, f.state, CodeMembershipTransition)
}

func TestInviteOnlyRoom(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addJoinRule(JoinRuleInvite)

	uninvited := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantReject(t, uninvited, f.state, CodeMembershipTransition)

	f.addMember(bob, MembershipInvite)
	invited := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantAllow(t, invited, f.state)
}

func TestInviteRules(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)

	invite := func(sender, target ref.UserID) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypeMember,
			StateKey: event.StateKeyRef(target.String()),
			Sender:   sender,
			Content:  map[string]any{"membership": MembershipInvite},
		})
	}

	wantAllow(t, invite(alice, bob), f.state)

	// Inviter must be in the room.
	wantReject(t, invite(carol, bob), f.state, CodeSenderNotJoined)

	// Banned users cannot be invited.
	f.addMember(bob, MembershipBan)
	wantReject(t, invite(alice, bob), f.state, CodeMembershipTransition)
}

func TestInvitePowerThreshold(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addPowerLevels(map[string]any{
		"users":  map[string]any{alice.String(): 100},
		"invite": 50,
	})

	invite := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(carol.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipInvite},
	})
	wantReject(t, invite, f.state, CodeInsufficientPower)
}

func TestKickAndBanThresholds(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addPowerLevels(map[string]any{
		"users": map[string]any{alice.String(): 100, bob.String(): 50},
		"kick":  50,
		"ban":   50,
	})

	member := func(sender, target ref.UserID, membership string) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypeMember,
			StateKey: event.StateKeyRef(target.String()),
			Sender:   sender,
			Content:  map[string]any{"membership": membership},
		})
	}

	// Alice outranks bob: kick and ban allowed.
	wantAllow(t, member(alice, bob, MembershipLeave), f.state)
	wantAllow(t, member(alice, bob, MembershipBan), f.state)

	// Bob cannot act upward or sideways.
	wantReject(t, member(bob, alice, MembershipLeave), f.state, CodeInsufficientPower)
	wantReject(t, member(bob, alice, MembershipBan), f.state, CodeInsufficientPower)

	// Voluntary leave is always fine.
	wantAllow(t, member(bob, bob, MembershipLeave), f.state)
}

func TestUnbanRequiresBanLevel(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addMember(carol, MembershipBan)
	f.addPowerLevels(map[string]any{
		"users": map[string]any{alice.String(): 100, bob.String(): 50},
		"kick":  0,
		"ban":   100,
	})

	unban := func(sender ref.UserID) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypeMember,
			StateKey: event.StateKeyRef(carol.String()),
			Sender:   sender,
			Content:  map[string]any{"membership": MembershipLeave},
		})
	}
	wantReject(t, unban(bob), f.state, CodeInsufficientPower)
	wantAllow(t, unban(alice), f.state)
}

func TestKnockVersionGate(t *testing.T) {
	knock := func(f *fixture) *event.PDU {
		return f.build(event.Builder{
			Type:     ref.TypeMember,
			StateKey: event.StateKeyRef(bob.String()),
			Sender:   bob,
			Content:  map[string]any{"membership": MembershipKnock},
		})
	}

	old := newFixture(t, "6")
	old.addMember(alice, MembershipJoin)
	wantReject(t, knock(old), old.state, CodeMembershipTransition)

	current := newFixture(t, "7")
	current.addMember(alice, MembershipJoin)
	current.addJoinRule(JoinRuleKnock)
	wantAllow(t, knock(current), current.state)

	// Already-invited users have nothing to knock for.
	current.addMember(bob, MembershipInvite)
	wantReject(t, knock(current), current.state, CodeMembershipTransition)
}

func TestRestrictedJoinNeedsVoucher(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addJoinRule(JoinRuleRestricted)
	f.addPowerLevels(map[string]any{
		"users":  map[string]any{alice.String(): 100},
		"invite": 50,
	})

	bare := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantReject(t, bare, f.state, CodeMembershipTransition)

	vouched := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content: map[string]any{
			"membership":                       MembershipJoin,
			"join_authorised_via_users_server": alice.String(),
		},
	})
	wantAllow(t, vouched, f.state)
}

func TestSenderMustBeJoinedToSend(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)

	message := f.build(event.Builder{
		Type:    ref.EventType("m.room.message"),
		Sender:  bob,
		Content: map[string]any{"body": "hello"},
	})
	wantReject(t, message, f.state, CodeSenderNotJoined)

	f.addMember(bob, MembershipJoin)
	wantAllow(t, message, f.state)
}

func TestEventTypePowerOverride(t *testing.T) {
	f := newFixture(t, "10")
	f.addMember(alice, MembershipJoin)
	f.addMember(bob, MembershipJoin)
	f.addPowerLevels(map[string]any{
		"users":  map[string]any{alice.String(): 100},
		"events": map[string]any{"m.room.topic": 75},
	})

	topic := f.build(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   bob,
		Content:  map[string]any{"topic": "takeover"},
	})
	wantReject(t, topic, f.state, CodeInsufficientPower)

	sameTopic := f.build(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"topic": "takeover"},
	})
	wantAllow(t, sameTopic, f.state)
}

func TestFederationFlag(t *testing.T) {
	f := newFixture(t, "10")
	version, _ := event.VersionByID("10")
	create, err := event.Builder{
		RoomID:         f.room,
		Type:           ref.TypeCreate,
		StateKey:       event.StateKeyRef(""),
		Sender:         alice,
		Content:        map[string]any{"room_version": "10", "creator": alice.String(), "m.federate": false},
		Depth:          1,
		OriginServerTS: 1,
	}.Build(version)
	if err != nil {
		t.Fatalf("Build(create): %v", err)
	}
	state := State{create.Key(): create}

	remote := f.build(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(carol.String()),
		Sender:   carol,
		Content:  map[string]any{"membership": MembershipJoin},
	})
	wantReject(t, remote, state, CodeFederationDenied)
}
