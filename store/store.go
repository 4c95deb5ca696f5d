// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/hearth-im/hearth/event"
	"github.com/hearth-im/hearth/lib/ref"
	"github.com/hearth-im/hearth/lib/sqlitepool"
)

// Errors returned by store operations. Callers distinguish them with
// errors.Is; anything else wrapping out of this package is an I/O
// failure of the specific call, with previously committed data intact.
var (
	// ErrUnknownRoom means the event references a room the store has
	// never been told about.
	ErrUnknownRoom = errors.New("store: unknown room")

	// ErrRoomExists is returned by CreateRoom for a duplicate room.
	ErrRoomExists = errors.New("store: room already exists")

	// ErrNotFound means the requested event or snapshot is absent.
	ErrNotFound = errors.New("store: not found")

	// ErrConflictingDuplicate means an event arrived whose ID matches
	// a stored event but whose bytes differ. Since IDs are content
	// hashes this cannot happen honestly; the duplicate is rejected
	// permanently and the stored original kept.
	ErrConflictingDuplicate = errors.New("store: conflicting duplicate event")

	// ErrUnsupportedVersion means the room's version has no rule-set
	// in this build.
	ErrUnsupportedVersion = errors.New("store: unsupported room version")
)

// Outcome reports what Put did.
type Outcome int

const (
	// OutcomeStored means the event was newly persisted.
	OutcomeStored Outcome = iota

	// OutcomeUnchanged means an identical event was already stored
	// and the call was a no-op.
	OutcomeUnchanged
)

// String returns "stored" or "unchanged".
func (o Outcome) String() string {
	if o == OutcomeUnchanged {
		return "unchanged"
	}
	return "stored"
}

// Store is the append-only, content-addressed PDU store. Safe for
// concurrent use; callers that mutate a single room's indices
// (Put, SetCurrentState) must serialize per room — the federation
// intake owns that lock.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	Path string

	// PoolSize is the connection pool size. Zero means the
	// sqlitepool default.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the event store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateRoom registers a room and its version. Returns ErrRoomExists
// if the room is already known (with any version).
func (s *Store) CreateRoom(ctx context.Context, roomID ref.RoomID, version string) error {
	if _, ok := event.VersionByID(version); !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	var exists bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM rooms WHERE room_id = ?", &sqlitex.ExecOptions{
		Args:       []any{roomID.String()},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil {
		return fmt.Errorf("store: checking room %s: %w", roomID, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRoomExists, roomID)
	}

	err = sqlitex.Execute(conn, "INSERT INTO rooms (room_id, room_version) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{roomID.String(), version},
	})
	if err != nil {
		return fmt.Errorf("store: creating room %s: %w", roomID, err)
	}
	s.logger.Info("room created", "room_id", roomID, "room_version", version)
	return nil
}

// RoomVersion returns the rule-set for the room's version, or
// ErrUnknownRoom.
func (s *Store) RoomVersion(ctx context.Context, roomID ref.RoomID) (event.Version, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return event.Version{}, err
	}
	defer s.pool.Put(conn)
	return roomVersion(conn, roomID)
}

func roomVersion(conn *sqlite.Conn, roomID ref.RoomID) (event.Version, error) {
	var versionID string
	err := sqlitex.Execute(conn, "SELECT room_version FROM rooms WHERE room_id = ?", &sqlitex.ExecOptions{
		Args: []any{roomID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			versionID = stmt.ColumnText(0)
			return nil
		},
	})
	if err != nil {
		return event.Version{}, fmt.Errorf("store: room version of %s: %w", roomID, err)
	}
	if versionID == "" {
		return event.Version{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	version, ok := event.VersionByID(versionID)
	if !ok {
		return event.Version{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, versionID)
	}
	return version, nil
}

// Put persists a PDU. The content hash is verified first; an event
// whose bytes do not match its claimed hash is never written. A
// duplicate ID with identical bytes is a no-op; a duplicate ID with
// differing bytes is ErrConflictingDuplicate.
//
// The event row, its DAG edges, and the forward-extremity update
// commit in one transaction: the stored event removes its prev_events
// from the room's extremity set and becomes an extremity itself unless
// a previously stored event already cites it.
func (s *Store) Put(ctx context.Context, p *event.PDU) (outcome Outcome, err error) {
	if err := p.VerifyContentHash(); err != nil {
		return 0, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	if _, err := roomVersion(conn, p.RoomID); err != nil {
		return 0, err
	}

	body, err := p.CanonicalJSON()
	if err != nil {
		return 0, err
	}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("store: begin put %s: %w", p.ID, err)
	}
	defer endTransaction(&err)

	var existing []byte
	err = sqlitex.Execute(conn, "SELECT json FROM events WHERE event_id = ?", &sqlitex.ExecOptions{
		Args: []any{p.ID.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existing = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, existing)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: duplicate check %s: %w", p.ID, err)
	}
	if existing != nil {
		if bytes.Equal(existing, body) {
			return OutcomeUnchanged, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrConflictingDuplicate, p.ID)
	}

	var stateKey any
	if p.StateKey != nil {
		stateKey = *p.StateKey
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO events (event_id, room_id, event_type, state_key, sender, origin_server_ts, depth, json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				p.ID.String(), p.RoomID.String(), p.Type.String(), stateKey,
				p.Sender.String(), p.OriginServerTS, p.Depth, body,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: inserting %s: %w", p.ID, err)
	}

	for _, prev := range p.PrevEvents {
		err = sqlitex.Execute(conn, "INSERT INTO event_edges (event_id, prev_event_id) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{p.ID.String(), prev.String()},
		})
		if err != nil {
			return 0, fmt.Errorf("store: edge %s -> %s: %w", p.ID, prev, err)
		}
	}
	for _, auth := range p.AuthEvents {
		err = sqlitex.Execute(conn, "INSERT INTO event_auth (event_id, auth_event_id) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{p.ID.String(), auth.String()},
		})
		if err != nil {
			return 0, fmt.Errorf("store: auth edge %s -> %s: %w", p.ID, auth, err)
		}
	}

	if err := updateExtremities(conn, p); err != nil {
		return 0, err
	}
	return OutcomeStored, nil
}

// updateExtremities maintains the room's frontier inside Put's
// transaction.
func updateExtremities(conn *sqlite.Conn, p *event.PDU) error {
	for _, prev := range p.PrevEvents {
		err := sqlitex.Execute(conn, "DELETE FROM forward_extremities WHERE room_id = ? AND event_id = ?", &sqlitex.ExecOptions{
			Args: []any{p.RoomID.String(), prev.String()},
		})
		if err != nil {
			return fmt.Errorf("store: retiring extremity %s: %w", prev, err)
		}
	}

	// The new event is an extremity unless some earlier-stored event
	// already cites it (events can arrive out of order).
	var hasChildren bool
	err := sqlitex.Execute(conn, "SELECT 1 FROM event_edges WHERE prev_event_id = ? LIMIT 1", &sqlitex.ExecOptions{
		Args:       []any{p.ID.String()},
		ResultFunc: func(*sqlite.Stmt) error { hasChildren = true; return nil },
	})
	if err != nil {
		return fmt.Errorf("store: children check %s: %w", p.ID, err)
	}
	if !hasChildren {
		err = sqlitex.Execute(conn, "INSERT OR IGNORE INTO forward_extremities (room_id, event_id) VALUES (?, ?)", &sqlitex.ExecOptions{
			Args: []any{p.RoomID.String(), p.ID.String()},
		})
		if err != nil {
			return fmt.Errorf("store: adding extremity %s: %w", p.ID, err)
		}
	}
	return nil
}

// Get loads an event by ID, parsing it under its room's version.
// Returns ErrNotFound for unknown IDs.
func (s *Store) Get(ctx context.Context, id ref.EventID) (*event.PDU, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return getEvent(conn, id)
}

func getEvent(conn *sqlite.Conn, id ref.EventID) (*event.PDU, error) {
	var body []byte
	var versionID string
	err := sqlitex.Execute(conn,
		`SELECT e.json, r.room_version FROM events e
		 JOIN rooms r ON r.room_id = e.room_id
		 WHERE e.event_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				body = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, body)
				versionID = stmt.ColumnText(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: loading %s: %w", id, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	version, ok := event.VersionByID(versionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, versionID)
	}
	p, err := event.Parse(body, version)
	if err != nil {
		return nil, fmt.Errorf("store: stored event %s corrupt: %w", id, err)
	}
	return p, nil
}

// Exists reports whether an event is stored.
func (s *Store) Exists(ctx context.Context, id ref.EventID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	var exists bool
	err = sqlitex.Execute(conn, "SELECT 1 FROM events WHERE event_id = ?", &sqlitex.ExecOptions{
		Args:       []any{id.String()},
		ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
	})
	if err != nil {
		return false, fmt.Errorf("store: exists %s: %w", id, err)
	}
	return exists, nil
}

// MissingFrom returns the subset of ids not present in the store,
// deduplicated and in input order. The intake uses this to decide
// what to backfill.
func (s *Store) MissingFrom(ctx context.Context, ids []ref.EventID) ([]ref.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var missing []ref.EventID
	seen := make(map[ref.EventID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		var exists bool
		err := sqlitex.Execute(conn, "SELECT 1 FROM events WHERE event_id = ?", &sqlitex.ExecOptions{
			Args:       []any{id.String()},
			ResultFunc: func(*sqlite.Stmt) error { exists = true; return nil },
		})
		if err != nil {
			return nil, fmt.Errorf("store: missing check %s: %w", id, err)
		}
		if !exists {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// ChildrenOf returns the stored events citing id in prev_events, in
// lexicographic order.
func (s *Store) ChildrenOf(ctx context.Context, id ref.EventID) ([]ref.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var children []ref.EventID
	err = sqlitex.Execute(conn,
		"SELECT event_id FROM event_edges WHERE prev_event_id = ? ORDER BY event_id",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				child, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				children = append(children, child)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: children of %s: %w", id, err)
	}
	return children, nil
}

// ForwardExtremities returns the room's current frontier in
// lexicographic order. Returns ErrUnknownRoom for unregistered rooms.
func (s *Store) ForwardExtremities(ctx context.Context, roomID ref.RoomID) ([]ref.EventID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if _, err := roomVersion(conn, roomID); err != nil {
		return nil, err
	}

	var extremities []ref.EventID
	err = sqlitex.Execute(conn,
		"SELECT event_id FROM forward_extremities WHERE room_id = ? ORDER BY event_id",
		&sqlitex.ExecOptions{
			Args: []any{roomID.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := ref.ParseEventID(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				extremities = append(extremities, id)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: extremities of %s: %w", roomID, err)
	}
	return extremities, nil
}

// MarkRejected flags an event as auth-rejected. The event stays in the
// DAG (later events may cite it) but contributes no state.
func (s *Store) MarkRejected(ctx context.Context, id ref.EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, "UPDATE events SET rejected = 1 WHERE event_id = ?", &sqlitex.ExecOptions{
		Args: []any{id.String()},
	})
	if err != nil {
		return fmt.Errorf("store: marking %s rejected: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// IsRejected reports the rejection flag. Returns ErrNotFound for
// unknown events.
func (s *Store) IsRejected(ctx context.Context, id ref.EventID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	rejected := -1
	err = sqlitex.Execute(conn, "SELECT rejected FROM events WHERE event_id = ?", &sqlitex.ExecOptions{
		Args: []any{id.String()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rejected = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("store: rejection flag of %s: %w", id, err)
	}
	if rejected < 0 {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rejected != 0, nil
}

// Redact rewrites the stored event to its redacted form. The redacted
// body hashes to the same event ID, so the DAG and all references are
// unaffected. Idempotent.
func (s *Store) Redact(ctx context.Context, id ref.EventID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	p, err := getEvent(conn, id)
	if err != nil {
		return err
	}
	redacted, err := p.RedactedJSON()
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, "UPDATE events SET json = ? WHERE event_id = ?", &sqlitex.ExecOptions{
		Args: []any{redacted, id.String()},
	})
	if err != nil {
		return fmt.Errorf("store: redacting %s: %w", id, err)
	}
	s.logger.Info("event redacted", "event_id", id, "room_id", p.RoomID)
	return nil
}
