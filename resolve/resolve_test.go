// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"fmt"
	"testing"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

var (
	alice = ref.MustParseUserID("@alice:hearth.test")
	bob   = ref.MustParseUserID("@bob:hearth.test")
	carol = ref.MustParseUserID("@carol:remote.test")
	dave  = ref.MustParseUserID("@dave:remote.test")
)

// mapSource serves events from memory and counts lookups.
type mapSource struct {
	events   map[ref.EventID]*event.PDU
	rejected map[ref.EventID]bool
	gets     int
}

func (s *mapSource) Get(_ context.Context, id ref.EventID) (*event.PDU, error) {
	s.gets++
	p, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("no such event %s", id)
	}
	return p, nil
}

func (s *mapSource) IsRejected(_ context.Context, id ref.EventID) (bool, error) {
	return s.rejected[id], nil
}

// room is a test DAG under construction: a source plus the usual
// opening events of a two-member room.
type room struct {
	t       *testing.T
	version event.Version
	id      ref.RoomID
	source  *mapSource
	ts      int64

	create    *event.PDU
	aliceJoin *event.PDU
	power     *event.PDU
	joinRules *event.PDU
	bobJoin   *event.PDU
}

func newRoom(t *testing.T) *room {
	t.Helper()
	version, _ := event.VersionByID("10")
	rm := &room{
		t:       t,
		version: version,
		id:      ref.MustParseRoomID("!resolve:hearth.test"),
		source:  &mapSource{events: make(map[ref.EventID]*event.PDU)},
		ts:      1,
	}
	rm.create = rm.add(event.Builder{
		Type:     ref.TypeCreate,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"room_version": "10", "creator": alice.String()},
	}, nil, nil)
	rm.aliceJoin = rm.add(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(alice.String()),
		Sender:   alice,
		Content:  map[string]any{"membership": "join"},
	}, []*event.PDU{rm.create}, []*event.PDU{rm.create})
	rm.power = rm.add(event.Builder{
		Type:     ref.TypePowerLevels,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content: map[string]any{
			"users": map[string]any{alice.String(): 100, bob.String(): 50},
		},
	}, []*event.PDU{rm.aliceJoin}, []*event.PDU{rm.create, rm.aliceJoin})
	rm.joinRules = rm.add(event.Builder{
		Type:     ref.TypeJoinRules,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"join_rule": "public"},
	}, []*event.PDU{rm.power}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	rm.bobJoin = rm.add(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(bob.String()),
		Sender:   bob,
		Content:  map[string]any{"membership": "join"},
	}, []*event.PDU{rm.joinRules}, []*event.PDU{rm.create, rm.joinRules, rm.power})
	return rm
}

// add builds an event, registers it with the source, and returns it.
func (rm *room) add(b event.Builder, prevs, auths []*event.PDU) *event.PDU {
	rm.t.Helper()
	b.RoomID = rm.id
	if b.OriginServerTS == 0 {
		b.OriginServerTS = rm.ts
	}
	rm.ts++
	b.Depth = rm.ts
	for _, p := range prevs {
		b.PrevEvents = append(b.PrevEvents, p.ID)
	}
	for _, p := range auths {
		b.AuthEvents = append(b.AuthEvents, p.ID)
	}
	p, err := b.Build(rm.version)
	if err != nil {
		rm.t.Fatalf("building %s: %v", b.Type, err)
	}
	rm.source.events[p.ID] = p
	return p
}

// baseState is the snapshot every branch shares before diverging.
func (rm *room) baseState() event.Snapshot {
	return event.Snapshot{
		rm.create.Key():    rm.create.ID,
		rm.aliceJoin.Key(): rm.aliceJoin.ID,
		rm.power.Key():     rm.power.ID,
		rm.joinRules.Key(): rm.joinRules.ID,
		rm.bobJoin.Key():   rm.bobJoin.ID,
	}
}

func (rm *room) branchWith(events ...*event.PDU) event.Snapshot {
	branch := rm.baseState()
	for _, p := range events {
		branch[p.Key()] = p.ID
	}
	return branch
}

func TestResolveSingleBranchPassesThrough(t *testing.T) {
	rm := newRoom(t)
	r := New(rm.source, Options{})
	result, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{rm.baseState()})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(result.State) != len(rm.baseState()) {
		t.Errorf("state has %d entries, want %d", len(result.State), len(rm.baseState()))
	}
	if len(result.Rejected) != 0 {
		t.Errorf("rejected = %v, want none", result.Rejected)
	}
}

func TestResolveTopicTieBreak(t *testing.T) {
	rm := newRoom(t)

	// Two topics with equal sender power, distinguished only by
	// origin_server_ts. Equal mainline depth means the timestamp
	// decides: the later one replays last and wins.
	topicEarly := rm.add(event.Builder{
		Type:           ref.TypeTopic,
		StateKey:       event.StateKeyRef(""),
		Sender:         alice,
		Content:        map[string]any{"topic": "early"},
		OriginServerTS: 100,
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	topicLate := rm.add(event.Builder{
		Type:           ref.TypeTopic,
		StateKey:       event.StateKeyRef(""),
		Sender:         bob,
		Content:        map[string]any{"topic": "late"},
		OriginServerTS: 200,
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	r := New(rm.source, Options{})
	result, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{
		rm.branchWith(topicEarly),
		rm.branchWith(topicLate),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	topicKey := event.StateKey{Type: ref.TypeTopic}
	if got := result.State[topicKey]; got != topicLate.ID {
		t.Errorf("resolved topic = %s, want the later event %s", got, topicLate.ID)
	}
}

func TestResolveIsBranchOrderIndependent(t *testing.T) {
	rm := newRoom(t)
	topicA := rm.add(event.Builder{
		Type:           ref.TypeTopic,
		StateKey:       event.StateKeyRef(""),
		Sender:         alice,
		Content:        map[string]any{"topic": "a"},
		OriginServerTS: 300,
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	topicB := rm.add(event.Builder{
		Type:           ref.TypeTopic,
		StateKey:       event.StateKeyRef(""),
		Sender:         bob,
		Content:        map[string]any{"topic": "b"},
		OriginServerTS: 300,
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	branchA := rm.branchWith(topicA)
	branchB := rm.branchWith(topicB)

	forward := New(rm.source, Options{})
	backward := New(rm.source, Options{})
	ctx := context.Background()
	resultF, err := forward.Resolve(ctx, rm.version, []event.Snapshot{branchA, branchB})
	if err != nil {
		t.Fatalf("Resolve forward: %v", err)
	}
	resultB, err := backward.Resolve(ctx, rm.version, []event.Snapshot{branchB, branchA})
	if err != nil {
		t.Fatalf("Resolve backward: %v", err)
	}

	if len(resultF.State) != len(resultB.State) {
		t.Fatalf("orders disagree: %d vs %d entries", len(resultF.State), len(resultB.State))
	}
	for key, id := range resultF.State {
		if resultB.State[key] != id {
			t.Errorf("orders disagree at %s/%s: %s vs %s", key.Type, key.Key, id, resultB.State[key])
		}
	}
}

func TestResolvePowerStruggle(t *testing.T) {
	rm := newRoom(t)

	// Alice demotes bob; concurrently bob tweaks a default he is
	// allowed to set. Alice outranks bob, so her change replays first
	// and strips bob of the level his own change needs.
	aliceDemotion := rm.add(event.Builder{
		Type:     ref.TypePowerLevels,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content: map[string]any{
			"users": map[string]any{alice.String(): 100, bob.String(): 0},
		},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	bobTweak := rm.add(event.Builder{
		Type:     ref.TypePowerLevels,
		StateKey: event.StateKeyRef(""),
		Sender:   bob,
		Content: map[string]any{
			"users":         map[string]any{alice.String(): 100, bob.String(): 50},
			"users_default": 10,
		},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	r := New(rm.source, Options{})
	result, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{
		rm.branchWith(aliceDemotion),
		rm.branchWith(bobTweak),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	powerKey := event.StateKey{Type: ref.TypePowerLevels}
	if got := result.State[powerKey]; got != aliceDemotion.ID {
		t.Errorf("resolved power levels = %s, want alice's %s", got, aliceDemotion.ID)
	}
	foundBob := false
	for _, id := range result.Rejected {
		if id == bobTweak.ID {
			foundBob = true
		}
	}
	if !foundBob {
		t.Errorf("rejected = %v, want bob's change %s included", result.Rejected, bobTweak.ID)
	}
}

func TestResolveUnconflictedEntriesSurvive(t *testing.T) {
	rm := newRoom(t)
	topicA := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"topic": "a"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	topicB := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   bob,
		Content:  map[string]any{"topic": "b"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	r := New(rm.source, Options{})
	result, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{
		rm.branchWith(topicA),
		rm.branchWith(topicB),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	for _, p := range []*event.PDU{rm.create, rm.aliceJoin, rm.power, rm.joinRules, rm.bobJoin} {
		if result.State[p.Key()] != p.ID {
			t.Errorf("unconflicted %s/%s = %s, want %s", p.Type, p.StateKeyValue(), result.State[p.Key()], p.ID)
		}
	}
}

func TestResolveMemoizesBranchSets(t *testing.T) {
	rm := newRoom(t)
	topicA := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"topic": "a"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	topicB := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   bob,
		Content:  map[string]any{"topic": "b"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	branches := []event.Snapshot{rm.branchWith(topicA), rm.branchWith(topicB)}
	r := New(rm.source, Options{})
	ctx := context.Background()
	first, err := r.Resolve(ctx, rm.version, branches)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	rm.source.gets = 0
	// Branch order reversed: the fingerprint must still match.
	second, err := r.Resolve(ctx, rm.version, []event.Snapshot{branches[1], branches[0]})
	if err != nil {
		t.Fatalf("Resolve (memoized): %v", err)
	}
	if rm.source.gets != 0 {
		t.Errorf("memoized resolution hit the source %d times", rm.source.gets)
	}
	if first.State[event.StateKey{Type: ref.TypeTopic}] != second.State[event.StateKey{Type: ref.TypeTopic}] {
		t.Error("memoized result differs from original")
	}
}

func TestResolveRequiresCompleteHistory(t *testing.T) {
	rm := newRoom(t)
	topicA := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   alice,
		Content:  map[string]any{"topic": "a"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.aliceJoin, rm.power})
	topicB := rm.add(event.Builder{
		Type:     ref.TypeTopic,
		StateKey: event.StateKeyRef(""),
		Sender:   bob,
		Content:  map[string]any{"topic": "b"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.bobJoin, rm.power})

	// An auth ancestor goes missing: resolution must refuse rather
	// than resolve over a hole.
	delete(rm.source.events, rm.power.ID)

	r := New(rm.source, Options{})
	_, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{
		rm.branchWith(topicA),
		rm.branchWith(topicB),
	})
	if err == nil {
		t.Fatal("Resolve succeeded over incomplete history")
	}
}

func TestResolveDropsEventsCitingRejectedAuth(t *testing.T) {
	rm := newRoom(t)

	// Carol's join sits in the DAG but carries the rejection flag from
	// admission. Her invite for dave cites that join as authorization:
	// replay must trust the flag over the join's content and drop both.
	carolJoin := rm.add(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(carol.String()),
		Sender:   carol,
		Content:  map[string]any{"membership": "join"},
	}, []*event.PDU{rm.bobJoin}, []*event.PDU{rm.create, rm.joinRules, rm.power})
	daveInvite := rm.add(event.Builder{
		Type:     ref.TypeMember,
		StateKey: event.StateKeyRef(dave.String()),
		Sender:   carol,
		Content:  map[string]any{"membership": "invite"},
	}, []*event.PDU{carolJoin}, []*event.PDU{rm.create, carolJoin, rm.power})
	rm.source.rejected = map[ref.EventID]bool{carolJoin.ID: true}

	r := New(rm.source, Options{})
	result, err := r.Resolve(context.Background(), rm.version, []event.Snapshot{
		rm.baseState(),
		rm.branchWith(daveInvite),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	inviteKey := event.StateKey{Type: ref.TypeMember, Key: dave.String()}
	if id, ok := result.State[inviteKey]; ok {
		t.Errorf("resolved state contains dave's invite %s, want it dropped", id)
	}
	carolKey := event.StateKey{Type: ref.TypeMember, Key: carol.String()}
	if id, ok := result.State[carolKey]; ok {
		t.Errorf("resolved state contains carol's join %s, want it dropped", id)
	}
	found := false
	for _, id := range result.Rejected {
		if id == daveInvite.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("rejected = %v, want dave's invite %s included", result.Rejected, daveInvite.ID)
	}
}
