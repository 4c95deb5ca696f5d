// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the PDU — the persisted, immutable room event
// — and the operations whose bytes must match every other federated
// implementation: content hashing, reference hashing (event IDs),
// redaction, and ed25519 signing.
//
// A [PDU] is parsed once from wire JSON with [Parse] and is immutable
// afterwards. Parsing retains the full decoded body alongside the
// typed fields, because hashing and redaction are defined over the
// original wire object, not over whatever subset this implementation
// happens to model.
//
// Event IDs are derived, never trusted: [Parse] recomputes the
// reference hash (SHA-256 over the canonical JSON of the redacted,
// signature-stripped event) and that value IS the event's identity.
// A remote server cannot claim an ID; it can only send bytes that
// hash to one. Hashing the redacted form is what makes redaction
// ID-preserving.
//
// Room-version differences (redaction keep-lists, authorization rule
// flags) are described by the [Version] data table rather than a type
// per version; callers look up a version with [VersionByID] and pass
// it around as a value.
package event
