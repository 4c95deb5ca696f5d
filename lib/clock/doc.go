// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the room engine so that retry and
// backoff behavior is testable without real sleeps.
//
// Production code injects [Real]. Tests inject [Fake], park goroutines
// on After or Sleep, and call [FakeClock.Advance] to fire them
// deterministically in deadline order.
package clock
