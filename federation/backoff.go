// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"sync"
	"time"

	"github.com/hearth-im/hearth/lib/clock"
	"github.com/hearth-im/hearth/lib/ref"
)

const (
	badEventBaseDelay = 30 * time.Second
	badEventMaxDelay  = time.Hour
)

// badEventTable remembers events that recently failed verification or
// backfill, so a peer replaying the same broken event in every
// transaction does not make the pipeline redo the work each time. The
// delay grows with the square of the failure count, capped at an
// hour.
type badEventTable struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[ref.EventID]badEntry
}

type badEntry struct {
	tries       int
	lastAttempt time.Time
}

// remaining returns how long until the event may be attempted again,
// zero when it may be attempted now.
func (t *badEventTable) remaining(id ref.EventID) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[id]
	if !ok {
		return 0
	}
	delay := badEventBaseDelay * time.Duration(entry.tries*entry.tries)
	if delay > badEventMaxDelay {
		delay = badEventMaxDelay
	}
	until := entry.lastAttempt.Add(delay)
	if now := t.clk.Now(); now.Before(until) {
		return until.Sub(now)
	}
	return 0
}

// recordFailure bumps the event's failure count.
func (t *badEventTable) recordFailure(id ref.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[ref.EventID]badEntry)
	}
	entry := t.entries[id]
	entry.tries++
	entry.lastAttempt = t.clk.Now()
	t.entries[id] = entry
}

// clear forgets an event that finally succeeded.
func (t *badEventTable) clear(id ref.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}
