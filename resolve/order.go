// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"sort"

	"github.com/hearth-im/hearth/auth"
	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// isControlEvent reports whether an event participates in the first
// resolution phase: power levels, join rules, and membership events
// that act on someone other than the sender with leave or ban (kicks
// and bans reshape who may act, so they sort with the power events).
func isControlEvent(p *event.PDU) bool {
	switch p.Type {
	case ref.TypePowerLevels, ref.TypeJoinRules:
		return p.StateKeyValue() == ""
	case ref.TypeMember:
		membership := p.Membership()
		if membership != auth.MembershipLeave && membership != auth.MembershipBan {
			return false
		}
		return p.Sender.String() != p.StateKeyValue()
	default:
		return false
	}
}

// senderPowerAt returns the sender's power level in force when the
// event was made, read from the power-levels event among its auth
// events. With none, the room creator holds 100 and others 0.
func (r *Resolver) senderPowerAt(ctx context.Context, p *event.PDU) (int64, error) {
	var create *event.PDU
	for _, id := range p.AuthEvents {
		parent, err := r.source.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		switch {
		case parent.Type == ref.TypePowerLevels && parent.StateKeyValue() == "":
			pl, err := auth.ParsePowerLevels(parent.Content, parent.Version())
			if err != nil {
				return 0, nil
			}
			return pl.UserLevel(p.Sender), nil
		case parent.Type == ref.TypeCreate:
			create = parent
		}
	}

	// The create event itself, and events before any power_levels.
	if p.Type == ref.TypeCreate {
		create = p
	}
	if create != nil && creatorOf(create) == p.Sender {
		return 100, nil
	}
	return 0, nil
}

func creatorOf(create *event.PDU) ref.UserID {
	creator, _ := auth.RoomCreator(create)
	return creator
}

// reverseTopologicalPowerOrder sorts the control events and the parts
// of their auth chains inside the conflicted set so that every event
// follows its auth ancestors, breaking ties by sender power
// descending, then origin_server_ts ascending, then event ID. The tie
// break picks which of two concurrent power struggles is replayed
// first, so it must match every other server's choice.
func (r *Resolver) reverseTopologicalPowerOrder(ctx context.Context, graph map[ref.EventID]*event.PDU) ([]*event.PDU, error) {
	type node struct {
		pdu      *event.PDU
		power    int64
		incoming int
	}
	nodes := make(map[ref.EventID]*node, len(graph))
	children := make(map[ref.EventID][]ref.EventID, len(graph))
	for id, p := range graph {
		power, err := r.senderPowerAt(ctx, p)
		if err != nil {
			return nil, err
		}
		nodes[id] = &node{pdu: p, power: power}
	}
	for id, p := range graph {
		for _, parent := range p.AuthEvents {
			if _, inGraph := graph[parent]; inGraph {
				children[parent] = append(children[parent], id)
				nodes[id].incoming++
			}
		}
	}

	ordered := make([]*event.PDU, 0, len(graph))
	for len(ordered) < len(graph) {
		var best *node
		for _, n := range nodes {
			if n.incoming != 0 || n.pdu == nil {
				continue
			}
			if best == nil || powerOrderLess(n.pdu, n.power, best.pdu, best.power) {
				best = n
			}
		}
		if best == nil {
			// Auth edges cannot cycle: IDs are content hashes. Seeing
			// one means the source handed back inconsistent events.
			return nil, errAuthCycle
		}
		ordered = append(ordered, best.pdu)
		for _, child := range children[best.pdu.ID] {
			nodes[child].incoming--
		}
		best.pdu = nil
	}
	return ordered, nil
}

// powerOrderLess reports whether a should be replayed before b.
func powerOrderLess(a *event.PDU, aPower int64, b *event.PDU, bPower int64) bool {
	if aPower != bPower {
		return aPower > bPower
	}
	if a.OriginServerTS != b.OriginServerTS {
		return a.OriginServerTS < b.OriginServerTS
	}
	return a.ID.String() < b.ID.String()
}

// mainlineOf walks backwards from the resolved power-levels event
// through each predecessor power-levels event in its auth list,
// returning positions: the oldest mainline event gets 0.
func (r *Resolver) mainlineOf(ctx context.Context, power *event.PDU) (map[ref.EventID]int, error) {
	var walk []ref.EventID
	for p := power; p != nil; {
		walk = append(walk, p.ID)
		next, err := r.powerAncestor(ctx, p)
		if err != nil {
			return nil, err
		}
		p = next
	}
	positions := make(map[ref.EventID]int, len(walk))
	for i, id := range walk {
		positions[id] = len(walk) - 1 - i
	}
	return positions, nil
}

// powerAncestor returns the power-levels event among p's auth events,
// or nil when there is none.
func (r *Resolver) powerAncestor(ctx context.Context, p *event.PDU) (*event.PDU, error) {
	for _, id := range p.AuthEvents {
		parent, err := r.source.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if parent.Type == ref.TypePowerLevels && parent.StateKeyValue() == "" {
			return parent, nil
		}
	}
	return nil, nil
}

// mainlineDepth ranks an event by the mainline position of the
// nearest power-levels event above it. Events with no power-levels
// ancestry rank 0, alongside the room's beginnings.
func (r *Resolver) mainlineDepth(ctx context.Context, positions map[ref.EventID]int, p *event.PDU) (int, error) {
	for p != nil {
		if position, ok := positions[p.ID]; ok {
			return position, nil
		}
		next, err := r.powerAncestor(ctx, p)
		if err != nil {
			return 0, err
		}
		p = next
	}
	return 0, nil
}

// mainlineOrder sorts the remaining conflicted events by mainline
// depth, then origin_server_ts, then event ID, all ascending. Later
// events in the sort overwrite earlier ones during replay, so the
// greatest key wins each state slot.
func (r *Resolver) mainlineOrder(ctx context.Context, positions map[ref.EventID]int, events []*event.PDU) error {
	depths := make(map[ref.EventID]int, len(events))
	for _, p := range events {
		depth, err := r.mainlineDepth(ctx, positions, p)
		if err != nil {
			return err
		}
		depths[p.ID] = depth
	}
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if depths[a.ID] != depths[b.ID] {
			return depths[a.ID] < depths[b.ID]
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.ID.String() < b.ID.String()
	})
	return nil
}
