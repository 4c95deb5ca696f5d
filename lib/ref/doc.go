// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identity references
// for the room engine: event IDs, room IDs, user IDs, server names,
// and event types.
//
// All identifiers arrive over federation as untrusted strings. They are
// validated once at the boundary with the Parse* constructors and passed
// through the engine as typed values, so interior code never re-checks
// sigils or separators and never confuses an event ID with a room ID.
//
// Ref types are immutable value types. The zero value is never valid;
// use IsZero to check. JSON marshaling uses the full Matrix identifier
// string via encoding.TextMarshaler.
package ref
