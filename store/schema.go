// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schema is applied to every pooled connection via OnConnect. All
// statements are idempotent.
//
// Foreign keys are deliberately absent: events routinely arrive before
// their prev_events exist locally (outliers awaiting backfill), so the
// edge tables must accept dangling references.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
    room_id      TEXT PRIMARY KEY,
    room_version TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    event_id         TEXT PRIMARY KEY,
    room_id          TEXT NOT NULL,
    event_type       TEXT NOT NULL,
    state_key        TEXT,
    sender           TEXT NOT NULL,
    origin_server_ts INTEGER NOT NULL,
    depth            INTEGER NOT NULL,
    rejected         INTEGER NOT NULL DEFAULT 0,
    json             BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS events_by_room_depth
    ON events (room_id, depth);

CREATE TABLE IF NOT EXISTS event_edges (
    event_id      TEXT NOT NULL,
    prev_event_id TEXT NOT NULL,
    PRIMARY KEY (event_id, prev_event_id)
);

CREATE INDEX IF NOT EXISTS event_edges_reverse
    ON event_edges (prev_event_id);

CREATE TABLE IF NOT EXISTS event_auth (
    event_id      TEXT NOT NULL,
    auth_event_id TEXT NOT NULL,
    PRIMARY KEY (event_id, auth_event_id)
);

CREATE TABLE IF NOT EXISTS forward_extremities (
    room_id  TEXT NOT NULL,
    event_id TEXT NOT NULL,
    PRIMARY KEY (room_id, event_id)
);

CREATE TABLE IF NOT EXISTS state_groups (
    group_id INTEGER PRIMARY KEY AUTOINCREMENT,
    room_id  TEXT NOT NULL,
    event_id TEXT NOT NULL,
    snapshot BLOB NOT NULL,
    UNIQUE (room_id, event_id)
);

CREATE TABLE IF NOT EXISTS room_current_state (
    room_id  TEXT PRIMARY KEY,
    snapshot BLOB NOT NULL
);
`
