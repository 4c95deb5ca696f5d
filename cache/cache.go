// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache holds bounded, purely derived caches over the PDU
// store. A cache entry can always be recomputed from the store, so a
// restart with cold caches is safe, and eviction never loses data.
// The LRU bookkeeping synchronizes internally; callers need no locks.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
)

// EventGetter is the store dependency of Events.
type EventGetter interface {
	Get(ctx context.Context, id ref.EventID) (*event.PDU, error)
	IsRejected(ctx context.Context, id ref.EventID) (bool, error)
}

// SnapshotGetter is the store dependency of Snapshots.
type SnapshotGetter interface {
	SnapshotAt(ctx context.Context, roomID ref.RoomID, point ref.EventID) (event.Snapshot, error)
}

// Events caches PDUs by ID. PDUs are immutable except for redaction,
// which the owner signals with Invalidate.
type Events struct {
	store   EventGetter
	entries *lru.Cache[ref.EventID, *event.PDU]
}

// NewEvents builds an event cache holding up to capacity entries.
func NewEvents(store EventGetter, capacity int) *Events {
	if capacity <= 0 {
		capacity = 4096
	}
	entries, _ := lru.New[ref.EventID, *event.PDU](capacity)
	return &Events{store: store, entries: entries}
}

// Get returns the event, from cache or the store. A store miss is the
// caller's problem; only successful loads populate the cache.
func (c *Events) Get(ctx context.Context, id ref.EventID) (*event.PDU, error) {
	if p, ok := c.entries.Get(id); ok {
		return p, nil
	}
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.entries.Add(id, p)
	return p, nil
}

// Add records an event the caller just stored, saving the next reader
// a round trip.
func (c *Events) Add(p *event.PDU) {
	c.entries.Add(p.ID, p)
}

// IsRejected delegates to the store. The flag is a point lookup set
// once at admission, so caching it buys nothing.
func (c *Events) IsRejected(ctx context.Context, id ref.EventID) (bool, error) {
	return c.store.IsRejected(ctx, id)
}

// Invalidate drops an entry whose stored form changed (redaction).
func (c *Events) Invalidate(id ref.EventID) {
	c.entries.Remove(id)
}

// Contains reports whether the event is currently cached, without
// refreshing its recency.
func (c *Events) Contains(id ref.EventID) bool {
	return c.entries.Contains(id)
}

// Len returns the number of cached events.
func (c *Events) Len() int {
	return c.entries.Len()
}

// snapshotKey identifies a state snapshot: a room at a DAG point.
type snapshotKey struct {
	room  ref.RoomID
	point ref.EventID
}

// Snapshots caches resolved state by (room, point).
type Snapshots struct {
	store   SnapshotGetter
	entries *lru.Cache[snapshotKey, event.Snapshot]
}

// NewSnapshots builds a snapshot cache holding up to capacity entries.
func NewSnapshots(store SnapshotGetter, capacity int) *Snapshots {
	if capacity <= 0 {
		capacity = 256
	}
	entries, _ := lru.New[snapshotKey, event.Snapshot](capacity)
	return &Snapshots{store: store, entries: entries}
}

// Get returns the snapshot at a point, from cache or the store.
// Callers must not mutate the result; Clone it first.
func (c *Snapshots) Get(ctx context.Context, roomID ref.RoomID, point ref.EventID) (event.Snapshot, error) {
	key := snapshotKey{room: roomID, point: point}
	if snapshot, ok := c.entries.Get(key); ok {
		return snapshot, nil
	}
	snapshot, err := c.store.SnapshotAt(ctx, roomID, point)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, snapshot)
	return snapshot, nil
}

// Add records a snapshot the caller just persisted.
func (c *Snapshots) Add(roomID ref.RoomID, point ref.EventID, snapshot event.Snapshot) {
	c.entries.Add(snapshotKey{room: roomID, point: point}, snapshot)
}

// Contains reports whether the snapshot is currently cached, without
// refreshing its recency.
func (c *Snapshots) Contains(roomID ref.RoomID, point ref.EventID) bool {
	return c.entries.Contains(snapshotKey{room: roomID, point: point})
}

// Len returns the number of cached snapshots.
func (c *Snapshots) Len() int {
	return c.entries.Len()
}
