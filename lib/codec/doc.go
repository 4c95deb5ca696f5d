// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the engine's standard CBOR encoding
// configuration.
//
// The engine uses two serialization formats with a clear boundary:
//
//   - Canonical JSON (lib/canonical) for everything federation-visible:
//     PDU bodies, hashes, signatures. The Matrix wire format is JSON
//     and the hash inputs must match other implementations bit for bit.
//   - CBOR for internal persistence that never crosses the federation
//     boundary: state-snapshot blobs inside the SQLite store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Deterministic bytes let the store deduplicate identical snapshots by
// comparing blobs, with no semantic JSON diffing.
package codec
