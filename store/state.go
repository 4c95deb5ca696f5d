// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/codec"
	"github.com/hearth-im/hearth/lib/ref"
)

// Snapshot blobs are written once and read many times, so encode
// speed matters less than size; the defaults are fine. Package-level
// because zstd encoders are expensive to construct and safe for
// concurrent EncodeAll/DecodeAll use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// stateEntry is the persisted form of one snapshot mapping. Entries
// are sorted by (type, state key) before encoding so identical
// snapshots produce identical blobs.
type stateEntry struct {
	Type     ref.EventType `json:"type"`
	StateKey string        `json:"state_key"`
	EventID  ref.EventID   `json:"event_id"`
}

func encodeSnapshot(snapshot event.Snapshot) ([]byte, error) {
	entries := make([]stateEntry, 0, len(snapshot))
	for key, id := range snapshot {
		entries = append(entries, stateEntry{Type: key.Type, StateKey: key.Key, EventID: id})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].StateKey < entries[j].StateKey
	})
	plain, err := codec.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("store: encoding snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(plain, nil), nil
}

func decodeSnapshot(blob []byte) (event.Snapshot, error) {
	plain, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompressing snapshot: %w", err)
	}
	var entries []stateEntry
	if err := codec.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("store: decoding snapshot: %w", err)
	}
	snapshot := make(event.Snapshot, len(entries))
	for _, e := range entries {
		snapshot[event.StateKey{Type: e.Type, Key: e.StateKey}] = e.EventID
	}
	return snapshot, nil
}

// PutSnapshot persists the room state as of the given event (the
// state after it). Re-putting the same point overwrites, which is
// harmless: resolution is deterministic, so the bytes are identical.
func (s *Store) PutSnapshot(ctx context.Context, roomID ref.RoomID, point ref.EventID, snapshot event.Snapshot) error {
	blob, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO state_groups (room_id, event_id, snapshot) VALUES (?, ?, ?)
		 ON CONFLICT (room_id, event_id) DO UPDATE SET snapshot = excluded.snapshot`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), point.String(), blob},
		})
	if err != nil {
		return fmt.Errorf("store: snapshot at %s: %w", point, err)
	}
	return nil
}

// SnapshotAt loads the state group recorded for the given event, or
// ErrNotFound.
func (s *Store) SnapshotAt(ctx context.Context, roomID ref.RoomID, point ref.EventID) (event.Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT snapshot FROM state_groups WHERE room_id = ? AND event_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), point.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: snapshot at %s: %w", point, err)
	}
	if blob == nil {
		return nil, fmt.Errorf("%w: snapshot at %s", ErrNotFound, point)
	}
	return decodeSnapshot(blob)
}

// SetCurrentState records the room's current resolved state. When
// forward extremities diverge the snapshot is the resolver's merge of
// the per-extremity snapshots, so it belongs to no single event.
func (s *Store) SetCurrentState(ctx context.Context, roomID ref.RoomID, snapshot event.Snapshot) error {
	blob, err := encodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("store: current state of %s: %w", roomID, err)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO room_current_state (room_id, snapshot) VALUES (?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET snapshot = excluded.snapshot`,
		&sqlitex.ExecOptions{
			Args: []any{roomID.String(), blob},
		})
	if err != nil {
		return fmt.Errorf("store: current state of %s: %w", roomID, err)
	}
	return nil
}

// CurrentState loads the room's current resolved state. A room with
// no recorded state yet returns ErrNotFound.
func (s *Store) CurrentState(ctx context.Context, roomID ref.RoomID) (event.Snapshot, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var blob []byte
	err = sqlitex.Execute(conn,
		"SELECT snapshot FROM room_current_state WHERE room_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				blob = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, blob)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: current state of %s: %w", roomID, err)
	}
	if blob == nil {
		return nil, fmt.Errorf("%w: current state of %s", ErrNotFound, roomID)
	}
	return decodeSnapshot(blob)
}

// MissingEvents answers a peer's backfill request: walk backwards from
// the latest events, skipping the earliest set and anything reachable
// only through it, returning at most limit events ordered by depth
// ascending so the peer can admit them as they arrive.
func (s *Store) MissingEvents(ctx context.Context, roomID ref.RoomID, earliest, latest []ref.EventID, limit int) ([]*event.PDU, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := roomVersion(conn, roomID); err != nil {
		return nil, err
	}

	stop := make(map[ref.EventID]struct{}, len(earliest))
	for _, id := range earliest {
		stop[id] = struct{}{}
	}

	// The peer already has the latest events; the answer is their
	// ancestry up to (but excluding) the earliest set.
	seen := make(map[ref.EventID]struct{}, len(latest))
	var queue []ref.EventID
	enqueuePrevs := func(p *event.PDU) {
		for _, prev := range p.PrevEvents {
			if _, stopped := stop[prev]; stopped {
				continue
			}
			if _, visited := seen[prev]; visited {
				continue
			}
			seen[prev] = struct{}{}
			queue = append(queue, prev)
		}
	}

	for _, id := range latest {
		seen[id] = struct{}{}
		p, err := getEvent(conn, id)
		if err != nil {
			// An unknown frontier event is a hole on the peer's side,
			// not ours; skip it.
			continue
		}
		enqueuePrevs(p)
	}

	var result []*event.PDU
	for len(queue) > 0 && len(result) < limit {
		id := queue[0]
		queue = queue[1:]

		p, err := getEvent(conn, id)
		if err != nil {
			continue
		}
		if p.RoomID != roomID {
			continue
		}
		result = append(result, p)
		enqueuePrevs(p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Depth != result[j].Depth {
			return result[i].Depth < result[j].Depth
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}
