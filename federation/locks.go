// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"sync"

	"github.com/hearth-im/hearth/lib/ref"
)

// roomLocks serializes all mutation of a single room. Rooms never
// share a lock, so unrelated rooms proceed fully in parallel. Lock
// entries are never removed; the table grows with the set of rooms
// this server has handled, which is small next to their events.
type roomLocks struct {
	mu    sync.Mutex
	locks map[ref.RoomID]*sync.Mutex
}

// lock acquires the room's lock, creating it on first use, and
// returns the unlock function.
func (l *roomLocks) lock(roomID ref.RoomID) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[ref.RoomID]*sync.Mutex)
	}
	roomMu, ok := l.locks[roomID]
	if !ok {
		roomMu = new(sync.Mutex)
		l.locks[roomID] = roomMu
	}
	l.mu.Unlock()

	roomMu.Lock()
	return roomMu.Unlock
}
