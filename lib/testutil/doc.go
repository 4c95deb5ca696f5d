// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for engine packages.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls; everything else in the
// test suite that waits, waits on a fake clock.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation: room localparts, sender localparts, message bodies.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no engine-internal dependencies.
package testutil
