// SPDX-License-Identifier: MIT

// Package dispatch pulls due events off the queue, decides the next step for
// each item, runs pipeline handlers on per-service worker pools and commits
// outcomes transactionally. It is the only component that writes transitions.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/queue"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/statemachine"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const (
	// idleWait bounds how long the loop sleeps with nothing due.
	idleWait = time.Second
	// saturatedRequeue is the delay before re-offering an event whose pool
	// had no free worker.
	saturatedRequeue = 250 * time.Millisecond
	// transientBase seeds the exponential retry backoff.
	transientBase = 30 * time.Second

	// PriorityDefault is the normal tier; recently requested items get
	// PriorityBoosted (lower runs first).
	PriorityDefault = 10
	PriorityBoosted = 5
)

// Dispatcher wires the queue, state machine, pipeline and store together.
// All fields are required unless noted.
type Dispatcher struct {
	Store    *store.Store
	Queue    *queue.Queue
	Services *service.Registry
	Pipeline *pipeline.Pipeline
	Bus      *bus.Bus
	Clock    clock.Clock
	Retry    config.Retry
	Cadence  config.Scheduler
	Pools    config.Pools

	// Notify lists the notification events forwarded on the bus
	// (item.completed, item.failed, show.new_season).
	Notify []string

	mu       sync.Mutex
	inFlight map[int64]struct{}
	cancels  map[int64]context.CancelFunc
	busy     map[media.ServiceKind]int

	wg sync.WaitGroup
}

func (d *Dispatcher) init() error {
	switch {
	case d.Store == nil:
		return errors.New("dispatch: Store is required")
	case d.Queue == nil:
		return errors.New("dispatch: Queue is required")
	case d.Services == nil:
		return errors.New("dispatch: Services is required")
	case d.Pipeline == nil:
		return errors.New("dispatch: Pipeline is required")
	case d.Bus == nil:
		return errors.New("dispatch: Bus is required")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	d.inFlight = make(map[int64]struct{})
	d.cancels = make(map[int64]context.CancelFunc)
	d.busy = make(map[media.ServiceKind]int)
	return nil
}

// Run processes events until ctx is done, then waits for in-flight workers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.init(); err != nil {
		return err
	}
	logger := xglog.WithComponent("dispatcher")
	logger.Info().Str("event", "dispatcher.start").Msg("dispatcher running")

	for {
		if ctx.Err() != nil {
			break
		}
		now := d.Clock.Now()
		ev := d.Queue.PopDue(now, d.isInFlight)
		if ev == nil {
			d.idle(ctx, now)
			continue
		}
		d.process(ctx, ev)
	}

	d.wg.Wait()
	logger.Info().Str("event", "dispatcher.stop").Msg("dispatcher drained")
	return ctx.Err()
}

func (d *Dispatcher) idle(ctx context.Context, now time.Time) {
	wait := idleWait
	if next, ok := d.Queue.NextRunAt(); ok {
		if until := next.Sub(now); until < wait {
			wait = until
		}
	}
	if wait <= 0 {
		// Due events exist but their items are in flight; a worker finish
		// will wake us via the queue or the bounded tick below.
		wait = 10 * time.Millisecond
	}
	select {
	case <-ctx.Done():
	case <-d.Queue.Wake():
	case <-d.Clock.After(wait):
	}
}

// InFlight reports how many items are currently assigned to workers.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

func (d *Dispatcher) isInFlight(itemID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[itemID]
	return ok
}

// CancelItem invalidates the item's queued event and interrupts its in-flight
// worker, if any. Used by manual sessions and item deletion.
func (d *Dispatcher) CancelItem(itemID int64) {
	d.Queue.Cancel(itemID)
	d.mu.Lock()
	cancel := d.cancels[itemID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue schedules an event for the item at runAt.
func (d *Dispatcher) Enqueue(itemID int64, emittedBy string, runAt time.Time, priority int) {
	d.Queue.Push(media.Event{
		EmittedBy:     emittedBy,
		ItemID:        itemID,
		RunAt:         runAt,
		Priority:      priority,
		CreatedAt:     d.Clock.Now(),
		CorrelationID: uuid.NewString(),
	})
}

// PriorityFor boosts items requested within the last day.
func PriorityFor(it *media.Item, now time.Time) int {
	if !it.RequestedAt.IsZero() && now.Sub(it.RequestedAt) < 24*time.Hour {
		return PriorityBoosted
	}
	return PriorityDefault
}

// Bootstrap rebuilds the queue from persisted state after a restart: every
// non-terminal item gets an event at its retry time (or now).
func (d *Dispatcher) Bootstrap(ctx context.Context) error {
	if d.inFlight == nil {
		if err := d.init(); err != nil {
			return err
		}
	}
	pending := []media.State{
		media.StateRequested, media.StateIndexed, media.StateScraped,
		media.StateDownloaded, media.StateSymlinked, media.StateUnreleased,
		media.StateOngoing, media.StatePartiallyCompleted,
	}
	items, err := d.Store.ItemsInStates(ctx, pending, 0)
	if err != nil {
		return err
	}
	now := d.Clock.Now()
	for _, it := range items {
		runAt := now
		if it.NextRetryAt.After(now) {
			runAt = it.NextRetryAt
		}
		d.Enqueue(it.ID, "bootstrap", runAt, PriorityFor(it, now))
	}
	xglog.WithComponent("dispatcher").Info().
		Str("event", "dispatcher.bootstrap").
		Int("items", len(items)).
		Msg("queue rebuilt from store")
	return nil
}

func (d *Dispatcher) process(ctx context.Context, ev *media.Event) {
	now := d.Clock.Now()
	logger := xglog.WithComponent("dispatcher")

	depth := 1
	item, err := d.Store.LoadItem(ctx, ev.ItemID, depth)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			// Deleted while queued; drop silently.
			return
		}
		logger.Warn().Err(err).Int64(xglog.FieldItemID, ev.ItemID).
			Str("event", "dispatch.load_failed").Msg("requeueing after load failure")
		d.retryTransient(ev, now)
		return
	}

	hasCandidate := false
	if item.State == media.StateScraped {
		live, err := d.Store.ListStreams(ctx, item.ID)
		if err != nil {
			d.retryTransient(ev, now)
			return
		}
		hasCandidate = len(live) > 0
	}

	step := statemachine.Decide(statemachine.Input{
		Item:         item,
		Now:          now,
		HasCandidate: hasCandidate,
		Services:     d.Services,
		Retry:        d.Retry,
		Cadence:      d.Cadence,
	})

	switch step.Kind {
	case statemachine.StepTerminal:
		if step.Transition != "" {
			d.commitBareTransition(ctx, item, step.Transition, now)
		}

	case statemachine.StepWaitUntil:
		if step.Transition != "" {
			d.commitBareTransition(ctx, item, step.Transition, now)
		}
		d.Queue.Push(media.Event{
			EmittedBy:     "dispatcher",
			ItemID:        item.ID,
			RunAt:         step.Until,
			Priority:      ev.Priority,
			CreatedAt:     now,
			CorrelationID: ev.CorrelationID,
		})

	case statemachine.StepFanOut:
		for _, childID := range step.Children {
			d.Enqueue(childID, "dispatcher", now, ev.Priority)
		}
		// Containers re-aggregate when children commit; nothing to run here.

	case statemachine.StepNextService:
		d.launch(ctx, ev, item, step.Service)
	}
}

// launch claims a pool slot and the item, then hands off to a worker.
func (d *Dispatcher) launch(ctx context.Context, ev *media.Event, item *media.Item, kind media.ServiceKind) {
	size := d.Pools.PoolSize(string(kind))

	d.mu.Lock()
	if d.busy[kind] >= size {
		d.mu.Unlock()
		// Pool saturated: the event goes back and the queue accumulates.
		requeue := *ev
		requeue.RunAt = d.Clock.Now().Add(saturatedRequeue)
		d.Queue.Push(requeue)
		return
	}
	d.busy[kind]++
	d.inFlight[item.ID] = struct{}{}
	workCtx, cancel := context.WithCancel(ctx)
	d.cancels[item.ID] = cancel
	metrics.SetPoolBusy(string(kind), float64(d.busy[kind]))
	metrics.IncInFlight()
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			cancel()
			d.mu.Lock()
			d.busy[kind]--
			delete(d.inFlight, item.ID)
			delete(d.cancels, item.ID)
			metrics.SetPoolBusy(string(kind), float64(d.busy[kind]))
			d.mu.Unlock()
			metrics.DecInFlight()
			// A freed slot may unblock an already-due event.
			d.Queue.Kick()
		}()
		d.work(workCtx, ev, item, kind)
	}()
}

func (d *Dispatcher) work(ctx context.Context, ev *media.Event, item *media.Item, kind media.ServiceKind) {
	ctx = xglog.ContextWithEventID(ctx, ev.CorrelationID)
	ctx = xglog.ContextWithItemID(ctx, item.ID)
	logger := xglog.WithComponentFromContext(ctx, "dispatcher")

	out, runErr := d.runGuarded(ctx, kind, item)
	if runErr != nil {
		d.handleFailure(ev, item, kind, out, runErr)
		return
	}
	if err := d.commitOutcome(ev, item, kind, out); err != nil {
		logger.Error().Err(err).
			Str(xglog.FieldService, string(kind)).
			Str("event", "dispatch.commit_failed").
			Msg("outcome commit failed, retrying event")
		d.retryTransient(ev, d.Clock.Now())
		metrics.RecordEvent(string(kind), "retry")
		return
	}
	metrics.RecordEvent(string(kind), "committed")
}

// runGuarded converts handler panics into Internal errors so one bad backend
// cannot take down the dispatcher.
func (d *Dispatcher) runGuarded(ctx context.Context, kind media.ServiceKind, item *media.Item) (out pipeline.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordInvariantViolation("handler_panic")
			err = media.Internal(errors.New("handler panic"))
			xglog.WithComponent("dispatcher").Error().
				Any("panic", r).
				Int64(xglog.FieldItemID, item.ID).
				Str(xglog.FieldService, string(kind)).
				Str("event", "dispatch.panic").
				Msg("pipeline handler panicked")
		}
	}()
	return d.Pipeline.Run(ctx, kind, item)
}
