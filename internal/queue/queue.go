// SPDX-License-Identifier: MIT

// Package queue implements the in-memory priority event queue: a min-heap on
// (run_at, priority, id) with per-item dedup and cancellation. Events live
// only in memory; pending work is rebuilt from the store on restart.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
)

type entry struct {
	ev       media.Event
	index    int
	canceled bool
}

type eventHeap []*entry

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	a, b := h[i].ev, h[j].ev
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.ID < b.ID
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue is safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	heap   eventHeap
	byItem map[int64]*entry
	nextID int64

	// wake is signalled on every push so a blocked dispatcher loop can
	// re-evaluate without polling.
	wake chan struct{}
}

func New() *Queue {
	return &Queue{
		byItem: make(map[int64]*entry),
		wake:   make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a token whenever the queue gains an
// event. The channel has capacity one; multiple pushes coalesce.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Push schedules an event. An item already holding a pending event keeps the
// sooner of the two run times; pushing a later event for the same item is a
// no-op. Reports whether the event was accepted.
func (q *Queue) Push(ev media.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ev.ID == 0 {
		q.nextID++
		ev.ID = q.nextID
	} else if ev.ID > q.nextID {
		q.nextID = ev.ID
	}

	if existing, ok := q.byItem[ev.ItemID]; ok && !existing.canceled {
		if !ev.RunAt.Before(existing.ev.RunAt) {
			return false
		}
		existing.canceled = true
		delete(q.byItem, ev.ItemID)
	}

	e := &entry{ev: ev}
	heap.Push(&q.heap, e)
	q.byItem[ev.ItemID] = e
	metrics.SetQueueDepth(float64(len(q.byItem)))
	q.signal()
	return true
}

// Kick wakes a blocked consumer without queue changes. Used when external
// state (the in-flight set) changes eligibility of already-queued events.
func (q *Queue) Kick() {
	q.signal()
}

// Cancel invalidates the pending event for an item, if any.
func (q *Queue) Cancel(itemID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.byItem[itemID]
	if !ok {
		return false
	}
	e.canceled = true
	delete(q.byItem, itemID)
	metrics.SetQueueDepth(float64(len(q.byItem)))
	return true
}

// PopDue removes and returns the best due event whose item skip does not
// reject, or nil when nothing qualifies. Canceled entries encountered on the
// way are discarded.
func (q *Queue) PopDue(now time.Time, skip func(itemID int64) bool) *media.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Drop canceled entries off the top so the heap does not rot.
	for len(q.heap) > 0 && q.heap[0].canceled {
		heap.Pop(&q.heap)
	}

	// The best eligible event is not necessarily the heap top: the top item
	// may be in flight. Linear scan preserving heap order.
	best := -1
	for i, e := range q.heap {
		if e.canceled || e.ev.RunAt.After(now) {
			continue
		}
		if skip != nil && skip(e.ev.ItemID) {
			continue
		}
		if best == -1 || q.heap.Less(i, best) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	e := heap.Remove(&q.heap, best).(*entry)
	delete(q.byItem, e.ev.ItemID)
	metrics.SetQueueDepth(float64(len(q.byItem)))
	ev := e.ev
	return &ev
}

// NextRunAt returns the earliest pending run time.
func (q *Queue) NextRunAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)
	for _, e := range q.heap {
		if e.canceled {
			continue
		}
		if !found || e.ev.RunAt.Before(earliest) {
			earliest = e.ev.RunAt
			found = true
		}
	}
	return earliest, found
}

// Pending reports whether the item has a live queued event.
func (q *Queue) Pending(itemID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byItem[itemID]
	return ok
}

// Len counts live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byItem)
}
