// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"fmt"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// EventSource provides the events resolution walks: the extremity
// snapshots' events and their full transitive auth chains, plus the
// rejection flag set at admission time. The store satisfies it
// directly; tests use an in-memory map.
type EventSource interface {
	Get(ctx context.Context, id ref.EventID) (*event.PDU, error)
	IsRejected(ctx context.Context, id ref.EventID) (bool, error)
}

// authChain returns the transitive closure over auth_events of the
// given event, excluding the event itself. Closures are memoized per
// event: an event's auth chain is immutable, so a cached entry never
// goes stale.
func (r *Resolver) authChain(ctx context.Context, id ref.EventID) ([]ref.EventID, error) {
	if chain, ok := r.chains.Get(id); ok {
		return chain, nil
	}
	p, err := r.source.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve: auth chain of %s: %w", id, err)
	}

	closure := make(map[ref.EventID]struct{})
	frontier := append([]ref.EventID(nil), p.AuthEvents...)
	for len(frontier) > 0 {
		parent := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if _, seen := closure[parent]; seen {
			continue
		}
		closure[parent] = struct{}{}

		// A cached ancestor chain covers everything above it.
		if chain, ok := r.chains.Get(parent); ok {
			for _, ancestor := range chain {
				closure[ancestor] = struct{}{}
			}
			continue
		}
		ancestor, err := r.source.Get(ctx, parent)
		if err != nil {
			return nil, fmt.Errorf("resolve: auth chain of %s: %w", id, err)
		}
		frontier = append(frontier, ancestor.AuthEvents...)
	}

	chain := make([]ref.EventID, 0, len(closure))
	for ancestor := range closure {
		chain = append(chain, ancestor)
	}
	ref.SortEventIDs(chain)
	r.chains.Add(id, chain)
	return chain, nil
}

// authDifference computes the events in the union of the branches'
// auth chains but not in their intersection. These participate in
// resolution alongside the directly conflicted events, because a
// branch may rest on authorization history the other branches never
// saw.
func (r *Resolver) authDifference(ctx context.Context, branches []event.Snapshot) (map[ref.EventID]struct{}, error) {
	counts := make(map[ref.EventID]int)
	for _, branch := range branches {
		branchChain := make(map[ref.EventID]struct{})
		for _, id := range branch {
			branchChain[id] = struct{}{}
			chain, err := r.authChain(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, ancestor := range chain {
				branchChain[ancestor] = struct{}{}
			}
		}
		for id := range branchChain {
			counts[id]++
		}
	}

	difference := make(map[ref.EventID]struct{})
	for id, count := range counts {
		if count < len(branches) {
			difference[id] = struct{}{}
		}
	}
	return difference, nil
}
