// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package federation admits batches of PDUs received from remote
// servers.
//
// Every remote input is adversarial until proven otherwise: each PDU
// is re-parsed, re-hashed, and signature-checked before anything else
// looks at it, and each fetched ancestor gets the same treatment. The
// pipeline isolates failures per event — a batch returns one outcome
// per PDU, never an all-or-nothing error — and per room: rooms are
// processed in parallel under per-room locks, with a global semaphore
// capping outbound fetches.
//
// Missing ancestors are backfilled through an explicit work queue
// bounded by configured depth and fan-out limits, so a server
// claiming unbounded history cannot amplify one transaction into
// unbounded work. Events that repeatedly fail are backed off with a
// squared-tries delay before the pipeline will touch them again.
package federation
