// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists the room event graph: an append-only,
// content-addressed table of PDUs plus the derived indices the engine
// reads constantly — reverse (child) edges, per-room forward
// extremities, and versioned state groups.
//
// Events are immutable once stored. The single exception is redaction,
// which rewrites an event's body to its redacted form in place; the
// redacted form hashes to the same event ID, so identity and DAG links
// are untouched. Auth-rejected events are stored with a rejection flag
// rather than dropped, because later events may cite them in
// prev_events and the DAG must stay causally complete.
//
// Every Put is one IMMEDIATE transaction covering the event row, its
// edges, and the forward-extremity update, so a crash never leaves the
// extremity set inconsistent with the event table.
//
// State snapshots are persisted as state groups: deterministic-CBOR
// blobs (lib/codec) compressed with zstd, keyed by (room, event). The
// deterministic encoding means identical snapshots produce identical
// blobs regardless of map iteration order.
package store
