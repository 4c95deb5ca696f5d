// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolve merges diverged room state using state resolution
// version 2.
//
// When a room's DAG has more than one forward extremity, each branch
// carries its own state snapshot. Resolve partitions the snapshots
// into unconflicted entries (identical everywhere) and a conflicted
// set, orders the conflicted control events by reverse topological
// power ordering, replays them through the authorizer, then orders
// the remaining conflicted events against the mainline of the
// resolved power-levels event and replays those too. The comparators
// are interoperability-critical: every server must sort identically
// or rooms diverge, so they follow the published algorithm exactly.
//
// Resolution is deterministic in the set of branches — the order the
// caller lists them in never changes the output — which is what lets
// independent servers converge without coordination. Results are
// memoized per branch-set fingerprint, and auth chains are cached per
// event, since the same extremity pairs recur on every federation
// transaction until the room converges.
package resolve
