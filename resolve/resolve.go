// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/hearth-im/hearth/auth"
	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// errAuthCycle reports auth edges that loop, which content-addressed
// IDs make impossible for honestly-derived events.
var errAuthCycle = errors.New("resolve: cycle in auth events")

// Options tunes the resolver's caches.
type Options struct {
	// ChainCacheSize bounds the per-event auth-chain cache. Zero
	// means 4096 entries.
	ChainCacheSize int

	// MemoCacheSize bounds the resolution memo. Zero means 256.
	MemoCacheSize int

	// Logger receives per-resolution summaries. Nil discards.
	Logger *slog.Logger
}

// Result is a resolved state plus the conflicted events the replay
// rejected. Rejected events stay in the DAG but contribute no state.
type Result struct {
	State    event.Snapshot
	Rejected []ref.EventID
}

func (r *Result) clone() *Result {
	return &Result{
		State:    r.State.Clone(),
		Rejected: append([]ref.EventID(nil), r.Rejected...),
	}
}

// Resolver merges diverged branch snapshots. Safe for concurrent use
// across rooms; both caches synchronize internally.
type Resolver struct {
	source EventSource
	logger *slog.Logger
	chains *lru.Cache[ref.EventID, []ref.EventID]
	memo   *lru.Cache[[32]byte, *Result]
}

// New builds a Resolver over the given event source.
func New(source EventSource, opts Options) *Resolver {
	if opts.ChainCacheSize <= 0 {
		opts.ChainCacheSize = 4096
	}
	if opts.MemoCacheSize <= 0 {
		opts.MemoCacheSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	chains, _ := lru.New[ref.EventID, []ref.EventID](opts.ChainCacheSize)
	memo, _ := lru.New[[32]byte, *Result](opts.MemoCacheSize)
	return &Resolver{
		source: source,
		logger: opts.Logger,
		chains: chains,
		memo:   memo,
	}
}

// Resolve merges the branch snapshots of a room's diverged forward
// extremities into one state. The branch list order never affects the
// output. Every event named by a snapshot, and every event in the
// auth chains of the conflicted entries, must be loadable from the
// source; resolution does not run over incomplete history.
func (r *Resolver) Resolve(ctx context.Context, version event.Version, branches []event.Snapshot) (*Result, error) {
	switch len(branches) {
	case 0:
		return &Result{State: event.Snapshot{}}, nil
	case 1:
		return &Result{State: branches[0].Clone()}, nil
	}

	fingerprint := branchFingerprint(version, branches)
	if memoized, ok := r.memo.Get(fingerprint); ok {
		return memoized.clone(), nil
	}

	unconflicted, conflictedIDs := partition(branches)
	difference, err := r.authDifference(ctx, branches)
	if err != nil {
		return nil, err
	}
	for id := range difference {
		conflictedIDs[id] = struct{}{}
	}

	conflicted := make(map[ref.EventID]*event.PDU, len(conflictedIDs))
	for id := range conflictedIDs {
		p, err := r.source.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve: conflicted event %s: %w", id, err)
		}
		conflicted[id] = p
	}

	// Phase one: the control events, plus whatever parts of their auth
	// chains are themselves conflicted, in reverse topological power
	// order.
	controlGraph := make(map[ref.EventID]*event.PDU)
	for id, p := range conflicted {
		if !isControlEvent(p) {
			continue
		}
		controlGraph[id] = p
		chain, err := r.authChain(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, ancestor := range chain {
			if ancestorPDU, ok := conflicted[ancestor]; ok {
				controlGraph[ancestor] = ancestorPDU
			}
		}
	}
	controlOrder, err := r.reverseTopologicalPowerOrder(ctx, controlGraph)
	if err != nil {
		return nil, err
	}

	working := unconflicted.Clone()
	var rejected []ref.EventID
	if err := r.iterativeAuth(ctx, controlOrder, working, &rejected); err != nil {
		return nil, err
	}

	// Phase two: everything else conflicted, ordered against the
	// mainline of the power-levels event phase one settled on.
	positions := map[ref.EventID]int{}
	if powerID, ok := working[event.StateKey{Type: ref.TypePowerLevels}]; ok {
		power, err := r.source.Get(ctx, powerID)
		if err != nil {
			return nil, fmt.Errorf("resolve: resolved power event %s: %w", powerID, err)
		}
		positions, err = r.mainlineOf(ctx, power)
		if err != nil {
			return nil, err
		}
	}
	remaining := make([]*event.PDU, 0, len(conflicted))
	for id, p := range conflicted {
		if _, inControl := controlGraph[id]; !inControl && p.IsState() {
			remaining = append(remaining, p)
		}
	}
	if err := r.mainlineOrder(ctx, positions, remaining); err != nil {
		return nil, err
	}
	if err := r.iterativeAuth(ctx, remaining, working, &rejected); err != nil {
		return nil, err
	}

	// The unconflicted entries were never in dispute; they win over
	// anything the replay produced for the same keys.
	for key, id := range unconflicted {
		working[key] = id
	}

	ref.SortEventIDs(rejected)
	result := &Result{State: working, Rejected: rejected}
	r.memo.Add(fingerprint, result.clone())
	r.logger.Debug("resolved state",
		"branches", len(branches),
		"conflicted", len(conflicted),
		"rejected", len(rejected))
	return result, nil
}

// partition splits the branch snapshots into the entries every branch
// agrees on and the IDs of those they dispute. A key missing from one
// branch but set in another counts as disputed.
func partition(branches []event.Snapshot) (event.Snapshot, map[ref.EventID]struct{}) {
	unconflicted := event.Snapshot{}
	conflicted := make(map[ref.EventID]struct{})
	keys := make(map[event.StateKey]struct{})
	for _, branch := range branches {
		for key := range branch {
			keys[key] = struct{}{}
		}
	}
	for key := range keys {
		first, agreed := branches[0][key], true
		for _, branch := range branches[1:] {
			if branch[key] != first {
				agreed = false
				break
			}
		}
		if agreed && !first.IsZero() {
			unconflicted[key] = first
			continue
		}
		for _, branch := range branches {
			if id, ok := branch[key]; ok {
				conflicted[id] = struct{}{}
			}
		}
	}
	return unconflicted, conflicted
}

// iterativeAuth replays ordered events against the working state.
// Each event is checked against the working state's entries for its
// auth selection, falling back to the event's own declared auth
// events for keys the working state has not settled yet. Allowed
// state events update the working state; rejected ones are recorded.
func (r *Resolver) iterativeAuth(ctx context.Context, ordered []*event.PDU, working event.Snapshot, rejected *[]ref.EventID) error {
	for _, p := range ordered {
		poisoned, err := r.admissionRejected(ctx, p)
		if err != nil {
			return err
		}
		if poisoned {
			r.logger.Debug("replay rejected event",
				"event_id", p.ID, "type", p.Type,
				"reason", "flagged rejected at admission")
			*rejected = append(*rejected, p.ID)
			continue
		}
		authState := auth.State{}
		for _, id := range p.AuthEvents {
			parent, err := r.source.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("resolve: auth event %s of %s: %w", id, p.ID, err)
			}
			if parent.IsState() {
				authState[parent.Key()] = parent
			}
		}
		for _, key := range authSelection(p) {
			id, ok := working[key]
			if !ok {
				continue
			}
			settled, err := r.source.Get(ctx, id)
			if err != nil {
				return fmt.Errorf("resolve: working state event %s: %w", id, err)
			}
			authState[key] = settled
		}

		if rejection := auth.Check(p, authState); rejection != nil {
			r.logger.Debug("replay rejected event",
				"event_id", p.ID, "type", p.Type, "reason", rejection.Reason)
			*rejected = append(*rejected, p.ID)
			continue
		}
		if p.IsState() {
			working[p.Key()] = p.ID
		}
	}
	return nil
}

// admissionRejected reports whether the event, or any of its declared
// auth events, carries the store's rejection flag. A rejected event
// cannot authorize descendants or re-enter state through replay, so a
// hit fails the event without a rule check.
func (r *Resolver) admissionRejected(ctx context.Context, p *event.PDU) (bool, error) {
	flagged, err := r.source.IsRejected(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("resolve: rejection flag of %s: %w", p.ID, err)
	}
	if flagged {
		return true, nil
	}
	for _, id := range p.AuthEvents {
		flagged, err := r.source.IsRejected(ctx, id)
		if err != nil {
			return false, fmt.Errorf("resolve: auth event %s of %s: %w", id, p.ID, err)
		}
		if flagged {
			return true, nil
		}
	}
	return false, nil
}

// authSelection lists the state keys an event's authorization reads.
func authSelection(p *event.PDU) []event.StateKey {
	keys := []event.StateKey{
		{Type: ref.TypeCreate},
		{Type: ref.TypePowerLevels},
		{Type: ref.TypeMember, Key: p.Sender.String()},
	}
	if p.Type == ref.TypeMember {
		keys = append(keys,
			event.StateKey{Type: ref.TypeJoinRules},
			event.StateKey{Type: ref.TypeMember, Key: p.StateKeyValue()},
		)
	}
	return keys
}

// branchFingerprint hashes the branch set, order-independently, for
// the resolution memo.
func branchFingerprint(version event.Version, branches []event.Snapshot) [32]byte {
	digests := make([][32]byte, len(branches))
	for i, branch := range branches {
		keys := make([]event.StateKey, 0, len(branch))
		for key := range branch {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(a, b int) bool {
			if keys[a].Type != keys[b].Type {
				return keys[a].Type < keys[b].Type
			}
			return keys[a].Key < keys[b].Key
		})
		h := blake3.New()
		for _, key := range keys {
			h.Write([]byte(key.Type))
			h.Write([]byte{0})
			h.Write([]byte(key.Key))
			h.Write([]byte{0})
			h.Write([]byte(branch[key].String()))
			h.Write([]byte{0})
		}
		h.Sum(digests[i][:0])
	}
	sort.Slice(digests, func(a, b int) bool {
		for k := range digests[a] {
			if digests[a][k] != digests[b][k] {
				return digests[a][k] < digests[b][k]
			}
		}
		return false
	})

	h := blake3.New()
	h.Write([]byte(version.ID))
	for _, digest := range digests {
		h.Write(digest[:])
	}
	var fingerprint [32]byte
	h.Sum(fingerprint[:0])
	return fingerprint
}
