// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := Fake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}
	fake.Advance(90 * time.Second)
	if got := fake.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now() after Advance = %v, want %v", got, start.Add(90*time.Second))
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterImmediateForNonPositive(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeWaitersFireInDeadlineOrder(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	late := fake.After(20 * time.Second)
	early := fake.After(5 * time.Second)

	fake.Advance(30 * time.Second)

	earlyAt := <-early
	lateAt := <-late
	if !earlyAt.Before(lateAt) {
		t.Errorf("fire times out of order: early=%v late=%v", earlyAt, lateAt)
	}
}

func TestFakePendingWaiters(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	_ = fake.After(time.Minute)
	_ = fake.After(time.Hour)

	if got := fake.PendingWaiters(); got != 2 {
		t.Fatalf("PendingWaiters() = %d, want 2", got)
	}
	fake.Advance(time.Minute)
	if got := fake.PendingWaiters(); got != 1 {
		t.Fatalf("PendingWaiters() after Advance = %d, want 1", got)
	}
}
