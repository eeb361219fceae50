// SPDX-License-Identifier: MIT

// Package scheduler runs the periodic jobs that feed the event queue: content
// polling, retry sweeps, show rechecks and the library rescan. Jobs enqueue
// events and never run pipeline services themselves.
package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/config"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const (
	// sweepLimit bounds how many rows one tick pulls from the store.
	sweepLimit = 500
	// rescanWorkers bounds concurrent symlink checks during the rescan.
	rescanWorkers = 8
)

// Sink is the slice of the dispatcher the jobs need.
type Sink interface {
	Enqueue(itemID int64, emittedBy string, runAt time.Time, priority int)
	Request(ctx context.Context, req service.Request, emittedBy string) (*media.Item, bool, error)
}

// Scheduler owns the periodic job loops. All fields are required; a nil Clock
// falls back to the system clock.
type Scheduler struct {
	Store    *store.Store
	Services *service.Registry
	Bus      *bus.Bus
	Sink     Sink
	Clock    clock.Clock
	Cadence  config.Scheduler
	Library  config.Library
}

// Run starts one loop per job and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Clock == nil {
		s.Clock = clock.System{}
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, "content_poll", s.Cadence.ContentPoll, true, s.contentPoll) })
	g.Go(func() error { return s.loop(ctx, "retry_sweep", s.Cadence.RetrySweep, true, s.retrySweep) })
	g.Go(func() error { return s.loop(ctx, "library_rescan", s.Cadence.LibraryRescan, false, s.libraryRescan) })
	g.Go(func() error { return s.loop(ctx, "ongoing_recheck", s.Cadence.OngoingRecheck, true, s.ongoingRecheck) })
	g.Go(func() error { return s.loop(ctx, "unreleased_recheck", s.Cadence.RetrySweep, true, s.unreleasedRecheck) })
	g.Go(func() error { return s.loop(ctx, "ended_recheck", s.Cadence.EndedRecheck, false, s.endedRecheck) })
	return g.Wait()
}

// loop ticks fn every interval. A non-positive interval disables the job.
func (s *Scheduler) loop(ctx context.Context, name string, every time.Duration, immediate bool, fn func(context.Context) error) error {
	if every <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	if immediate {
		s.tick(ctx, name, fn)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(every):
			s.tick(ctx, name, fn)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, name string, fn func(context.Context) error) {
	metrics.RecordSchedulerTick(name)
	s.Bus.Publish(bus.TopicSchedulerTick, bus.Message{
		Type: "scheduler.tick",
		Job:  name,
		At:   s.Clock.Now(),
	})
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		xglog.WithComponent("scheduler").Warn().Err(err).
			Str("event", "scheduler.job_failed").
			Str("job", name).
			Msg("job tick failed")
	}
}

// contentPoll asks every usable content source for wanted items and requests
// the ones not present yet. Known ids are skipped, so polling is idempotent.
func (s *Scheduler) contentPoll(ctx context.Context) error {
	logger := xglog.WithComponent("scheduler")
	for _, src := range s.Services.Sources() {
		callCtx, cancel, err := src.Begin(ctx)
		if err != nil {
			return err
		}
		wanted, err := src.Source.Wanted(callCtx)
		cancel()
		if err != nil {
			s.Services.ReportError(src.Name(), err)
			logger.Warn().Err(err).
				Str("event", "content.poll_failed").
				Str(xglog.FieldBackend, src.Name()).
				Msg("content source poll failed")
			continue
		}

		added := 0
		for _, req := range wanted {
			if req.RequestedBy == "" {
				req.RequestedBy = src.Name()
			}
			_, created, err := s.Sink.Request(ctx, req, "scheduler")
			if err != nil {
				logger.Warn().Err(err).
					Str("event", "content.request_failed").
					Str("external_id", req.ExternalID).
					Msg("request rejected")
				continue
			}
			if created {
				added++
			}
		}
		if added > 0 {
			logger.Info().
				Str("event", "content.polled").
				Str(xglog.FieldBackend, src.Name()).
				Int("added", added).
				Msg("new items from content source")
		}
	}
	return nil
}

// retrySweep re-enqueues items whose retry time has passed. Failed items whose
// cooldown has elapsed are sent back to Requested for a fresh pass.
func (s *Scheduler) retrySweep(ctx context.Context) error {
	now := s.Clock.Now()

	due, err := s.Store.DueForRetry(ctx, now, sweepLimit)
	if err != nil {
		return err
	}
	for _, it := range due {
		s.Sink.Enqueue(it.ID, "scheduler", now, dispatch.PriorityFor(it, now))
	}

	failed, err := s.Store.ItemsInStates(ctx, []media.State{media.StateFailed}, sweepLimit)
	if err != nil {
		return err
	}
	for _, it := range failed {
		if it.NextRetryAt.IsZero() || it.NextRetryAt.After(now) {
			continue
		}
		err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
			it.NextRetryAt = time.Time{}
			if err := tx.RecordTransition(ctx, it, media.StateRequested, now); err != nil {
				return err
			}
			_, err := tx.RecomputeAncestors(ctx, it.ID, now)
			return err
		})
		if err != nil {
			return err
		}
		s.Bus.Publish(bus.TopicStateChanged, bus.Message{
			Type:   "item.state_changed",
			ItemID: it.ID,
			From:   string(media.StateFailed),
			To:     string(media.StateRequested),
			At:     now,
		})
		s.Sink.Enqueue(it.ID, "scheduler", now, dispatch.PriorityDefault)
		xglog.WithComponent("scheduler").Info().
			Str("event", "retry.resurrected").
			Int64(xglog.FieldItemID, it.ID).
			Int(xglog.FieldAttempt, it.FailedAttempts).
			Msg("failed item retried after cooldown")
	}
	return nil
}

// unreleasedRecheck wakes items whose air date has now passed. The queue
// normally covers this; the sweep catches events lost to a restart.
func (s *Scheduler) unreleasedRecheck(ctx context.Context) error {
	now := s.Clock.Now()
	due, err := s.Store.UnreleasedDue(ctx, now, sweepLimit)
	if err != nil {
		return err
	}
	for _, it := range due {
		s.Sink.Enqueue(it.ID, "scheduler", now, dispatch.PriorityFor(it, now))
	}
	return nil
}

// ongoingRecheck nudges ongoing shows; the state machine decides whether the
// next air date warrants a reindex or another wait.
func (s *Scheduler) ongoingRecheck(ctx context.Context) error {
	return s.recheckShows(ctx, media.ShowOngoing)
}

// endedRecheck reindexes ended shows on the slow cadence, catching revivals
// and late specials.
func (s *Scheduler) endedRecheck(ctx context.Context) error {
	return s.recheckShows(ctx, media.ShowEnded)
}

func (s *Scheduler) recheckShows(ctx context.Context, status media.ShowStatus) error {
	now := s.Clock.Now()
	shows, err := s.Store.ShowsWithStatus(ctx, status, sweepLimit)
	if err != nil {
		return err
	}
	for _, show := range shows {
		s.Sink.Enqueue(show.ID, "scheduler", now, dispatch.PriorityDefault)
	}
	return nil
}

// libraryRescan reconciles the on-disk library with the store: leaves whose
// symlink vanished or points at a missing target go back to Downloaded so the
// symlinker recreates them.
func (s *Scheduler) libraryRescan(ctx context.Context) error {
	now := s.Clock.Now()
	items, err := s.Store.ItemsInStates(ctx, []media.State{media.StateSymlinked, media.StateCompleted}, 0)
	if err != nil {
		return err
	}

	var broken []*media.Item
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rescanWorkers)
	results := make(chan *media.Item, len(items))
	for _, it := range items {
		if !it.IsLeaf() || it.SymlinkPath == "" {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := os.Lstat(it.SymlinkPath); err != nil {
				results <- it
				return nil
			}
			if _, err := os.Stat(it.SymlinkPath); err != nil {
				// Link exists but the mount target is gone.
				results <- it
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	close(results)
	for it := range results {
		broken = append(broken, it)
	}

	for _, it := range broken {
		from := it.State
		err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
			it.SymlinkPath = ""
			if err := tx.RecordTransition(ctx, it, media.StateDownloaded, now); err != nil {
				return err
			}
			_, err := tx.RecomputeAncestors(ctx, it.ID, now)
			return err
		})
		if err != nil {
			return err
		}
		s.Bus.Publish(bus.TopicStateChanged, bus.Message{
			Type:   "item.state_changed",
			ItemID: it.ID,
			From:   string(from),
			To:     string(media.StateDownloaded),
			At:     now,
		})
		s.Sink.Enqueue(it.ID, "scheduler", now, dispatch.PriorityDefault)
	}
	if len(broken) > 0 {
		xglog.WithComponent("scheduler").Info().
			Str("event", "library.rescan").
			Int("broken", len(broken)).
			Msg("relinking items with missing symlinks")
	}

	// Walk the library root the other way: symlinks on disk that no item
	// claims are left in place but counted, so operators can spot drift.
	known := make(map[string]bool, len(items))
	for _, it := range items {
		if it.SymlinkPath != "" {
			known[it.SymlinkPath] = true
		}
	}
	orphans := 0
	_ = filepath.WalkDir(s.Library.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 && !known[path] {
			orphans++
		}
		return nil
	})
	if orphans > 0 {
		xglog.WithComponent("scheduler").Warn().
			Str("event", "library.orphans").
			Int("orphans", orphans).
			Str(xglog.FieldPath, s.Library.Root).
			Msg("symlinks on disk without a matching item")
	}
	return nil
}
