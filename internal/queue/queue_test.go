// SPDX-License-Identifier: MIT

package queue

import (
	"testing"
	"time"

	"github.com/rivenmedia/riven/internal/media"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ev(item int64, runAt time.Time, priority int) media.Event {
	return media.Event{ItemID: item, RunAt: runAt, Priority: priority, CreatedAt: base}
}

func TestPopOrdering(t *testing.T) {
	q := New()
	q.Push(ev(1, base.Add(2*time.Second), 0))
	q.Push(ev(2, base.Add(1*time.Second), 5))
	q.Push(ev(3, base.Add(1*time.Second), 1))

	now := base.Add(5 * time.Second)

	got := q.PopDue(now, nil)
	if got == nil || got.ItemID != 3 {
		t.Fatalf("first pop = %+v, want item 3 (same run_at, lower priority wins)", got)
	}
	got = q.PopDue(now, nil)
	if got == nil || got.ItemID != 2 {
		t.Fatalf("second pop = %+v, want item 2", got)
	}
	got = q.PopDue(now, nil)
	if got == nil || got.ItemID != 1 {
		t.Fatalf("third pop = %+v, want item 1", got)
	}
	if q.PopDue(now, nil) != nil {
		t.Fatal("queue should be empty")
	}
}

func TestFIFOAtEqualPriority(t *testing.T) {
	q := New()
	q.Push(ev(1, base, 0))
	q.Push(ev(2, base, 0))

	if got := q.PopDue(base, nil); got.ItemID != 1 {
		t.Fatalf("want FIFO by id, got item %d", got.ItemID)
	}
}

func TestNotDue(t *testing.T) {
	q := New()
	q.Push(ev(1, base.Add(time.Hour), 0))

	if got := q.PopDue(base, nil); got != nil {
		t.Fatalf("future event popped: %+v", got)
	}
	next, ok := q.NextRunAt()
	if !ok || !next.Equal(base.Add(time.Hour)) {
		t.Fatalf("NextRunAt = %v %v", next, ok)
	}
}

func TestDedupSoonerReplaces(t *testing.T) {
	q := New()

	if !q.Push(ev(1, base.Add(time.Hour), 0)) {
		t.Fatal("first push rejected")
	}
	// Later push for the same item is a no-op.
	if q.Push(ev(1, base.Add(2*time.Hour), 0)) {
		t.Fatal("later duplicate accepted")
	}
	// Sooner push replaces.
	if !q.Push(ev(1, base.Add(time.Minute), 0)) {
		t.Fatal("sooner push rejected")
	}

	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
	got := q.PopDue(base.Add(time.Hour), nil)
	if got == nil || !got.RunAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("pop = %+v, want the sooner event", got)
	}
	if q.PopDue(base.Add(3*time.Hour), nil) != nil {
		t.Fatal("replaced entry leaked")
	}
}

func TestCancel(t *testing.T) {
	q := New()
	q.Push(ev(1, base, 0))
	q.Push(ev(2, base, 0))

	if !q.Cancel(1) {
		t.Fatal("cancel reported no entry")
	}
	if q.Cancel(1) {
		t.Fatal("double cancel reported an entry")
	}
	if q.Pending(1) {
		t.Fatal("canceled item still pending")
	}

	got := q.PopDue(base, nil)
	if got == nil || got.ItemID != 2 {
		t.Fatalf("pop = %+v, want item 2", got)
	}
}

func TestPopSkipsInFlightItems(t *testing.T) {
	q := New()
	q.Push(ev(1, base, 0))
	q.Push(ev(2, base.Add(time.Second), 0))

	inFlight := map[int64]bool{1: true}
	skip := func(id int64) bool { return inFlight[id] }

	now := base.Add(time.Minute)
	got := q.PopDue(now, skip)
	if got == nil || got.ItemID != 2 {
		t.Fatalf("pop = %+v, want item 2 while 1 is in flight", got)
	}

	// Item 1 stays queued until released.
	if got := q.PopDue(now, skip); got != nil {
		t.Fatalf("unexpected pop %+v", got)
	}
	delete(inFlight, 1)
	got = q.PopDue(now, skip)
	if got == nil || got.ItemID != 1 {
		t.Fatalf("pop = %+v, want item 1 after release", got)
	}
}

func TestWakeSignalsOnPush(t *testing.T) {
	q := New()

	select {
	case <-q.Wake():
		t.Fatal("wake before any push")
	default:
	}

	q.Push(ev(1, base, 0))
	q.Push(ev(2, base, 0)) // coalesces into the same token

	select {
	case <-q.Wake():
	case <-time.After(time.Second):
		t.Fatal("no wake token after push")
	}
}
