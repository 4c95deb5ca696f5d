// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonical produces Matrix canonical JSON, the byte form over
// which event hashes and signatures are computed.
//
// Canonical form is defined by the Matrix specification: UTF-8 output,
// object keys sorted by byte order, no insignificant whitespace, no
// HTML escaping, integers in the range [-(2^53)+1, 2^53-1] encoded in
// their shortest form, and no floating-point or exponent-form numbers
// at all (room versions 6 and later reject events containing them).
//
// Two servers that canonicalize the same logical event must produce
// identical bytes — a single divergent byte changes the event ID and
// breaks federation, so this package is deliberately small and has no
// configuration.
package canonical
