// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// commitTimeout bounds outcome transactions; commits run detached from the
// worker context so a shutdown or session cancel never aborts mid-write.
const commitTimeout = 10 * time.Second

func commitCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), commitTimeout)
}

// commitBareTransition records a decision-layer transition (parking an item
// Unreleased, completing a Symlinked item with no updater).
func (d *Dispatcher) commitBareTransition(_ context.Context, item *media.Item, to media.State, now time.Time) {
	ctx, cancel := commitCtx()
	defer cancel()

	from := item.State
	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.RecordTransition(ctx, item, to, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, item.ID, now)
		return err
	})
	if err != nil {
		xglog.WithComponent("dispatcher").Warn().Err(err).
			Int64(xglog.FieldItemID, item.ID).
			Str("event", "dispatch.transition_failed").
			Msg("bare transition failed")
		return
	}
	d.publishTransition(item.ID, from, to, now)
}

// commitOutcome applies everything a handler produced in one transaction,
// then publishes and schedules follow-up work.
func (d *Dispatcher) commitOutcome(ev *media.Event, item *media.Item, kind media.ServiceKind, out pipeline.Outcome) error {
	now := d.Clock.Now()
	from := item.State

	if out.Redispatch {
		d.Enqueue(item.ID, string(kind), now, ev.Priority)
		return nil
	}

	if out.Transition != "" && !from.Forward(out.Transition) {
		metrics.RecordInvariantViolation("backward_transition")
		return media.Internal(fmt.Errorf("backward transition %s -> %s", from, out.Transition))
	}

	ctx, cancel := commitCtx()
	defer cancel()

	var (
		newSeasons int
		ancestors  []int64
	)
	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		if out.Index != nil {
			n, err := d.applyIndex(ctx, tx, item, out.Index, now)
			if err != nil {
				return err
			}
			newSeasons = n
		}
		if len(out.Streams) > 0 {
			if _, err := tx.UpsertStreams(ctx, item.ID, out.Streams, now); err != nil {
				return err
			}
		}
		for _, rej := range out.Rejected {
			if err := tx.AddBlacklistEntry(ctx, item.ID, rej.Stream.Infohash, rej.Reason, now); err != nil {
				return err
			}
		}
		if out.ScrapeEmpty {
			item.ScrapedTimes++
			item.NextRetryAt = now.Add(d.Retry.ScrapeDelay(item.ScrapedTimes))
			if err := tx.UpdateItem(ctx, item); err != nil {
				return err
			}
		}
		if out.File != nil {
			item.FileName = out.File.FileName
			item.Folder = out.File.Folder
			item.FileSize = out.File.SizeBytes
			item.ActiveStreamID = out.AttemptedStreamID
		}
		if out.SymlinkPath != "" {
			item.SymlinkPath = out.SymlinkPath
			item.ActiveStreamID = 0
		}
		if out.PostProcessed {
			item.PostProcessed = true
			for _, sub := range out.Subtitles {
				if err := tx.AddSubtitle(ctx, item.ID, sub.Language, sub.Path, now); err != nil {
					return err
				}
			}
		}

		if out.Transition != "" {
			if err := tx.RecordTransition(ctx, item, out.Transition, now); err != nil {
				return err
			}
			changed, err := tx.RecomputeAncestors(ctx, item.ID, now)
			if err != nil {
				return err
			}
			ancestors = changed
			return nil
		}
		// No transition but mutated fields (empty scrape, post-process).
		return tx.UpdateItem(ctx, item)
	})
	if err != nil {
		return err
	}

	// Post-commit: bus, notifications, follow-up events.
	for _, rej := range out.Rejected {
		metrics.RecordBlacklist(string(rej.Reason))
		d.Bus.Publish(bus.TopicBlacklisted, bus.Message{
			Type:     "stream.blacklisted",
			ItemID:   item.ID,
			Infohash: rej.Stream.Infohash,
			Reason:   string(rej.Reason),
			At:       now,
		})
	}
	if out.Transition != "" {
		d.publishTransition(item.ID, from, out.Transition, now)
		for _, id := range ancestors {
			d.publishTransition(id, "", "", now)
		}
	}
	if out.Transition == media.StateCompleted {
		d.notify("item.completed", item.ID, now)
	}
	if newSeasons > 0 && !item.IndexedAt.IsZero() {
		d.notify("show.new_season", item.ID, now)
	}

	switch {
	case out.ScrapeEmpty:
		d.Enqueue(item.ID, string(kind), item.NextRetryAt, ev.Priority)
	case out.Transition != "" && !out.Transition.IsTerminal():
		d.Enqueue(item.ID, string(kind), now, ev.Priority)
	case out.Transition == media.StateCompleted && !item.PostProcessed:
		d.Enqueue(item.ID, string(kind), now, ev.Priority)
	}
	return nil
}

// applyIndex merges resolved metadata and creates missing children. Returns
// how many new seasons appeared (feeds the show.new_season notification).
func (d *Dispatcher) applyIndex(ctx context.Context, tx *store.Tx, item *media.Item, res *service.IndexResult, now time.Time) (int, error) {
	if res.Title != "" {
		item.Title = res.Title
	}
	if res.Year != 0 {
		item.Year = res.Year
	}
	if !res.AiredAt.IsZero() {
		item.AiredAt = res.AiredAt
	}
	if res.Network != "" {
		item.Network = res.Network
	}
	if res.Country != "" {
		item.Country = res.Country
	}
	if len(res.Genres) > 0 {
		item.Genres = res.Genres
	}
	item.IsAnime = item.IsAnime || res.IsAnime
	if res.ShowStatus != "" {
		item.ShowStatus = res.ShowStatus
	}
	if !res.NextAirDate.IsZero() {
		item.NextAirDate = res.NextAirDate
	}

	if len(res.Children) == 0 {
		return 0, nil
	}

	existing, err := tx.Children(ctx, item.ID)
	if err != nil {
		return 0, err
	}
	byNumber := make(map[int]*media.Item, len(existing))
	for _, c := range existing {
		byNumber[c.Number] = c
	}

	newSeasons := 0
	for _, season := range res.Children {
		current, ok := byNumber[season.Number]
		if !ok {
			create := &media.Item{
				Kind:        season.Kind,
				ParentID:    item.ID,
				Number:      season.Number,
				Title:       season.Title,
				AiredAt:     season.AiredAt,
				IsAnime:     item.IsAnime,
				State:       media.StateRequested,
				RequestedAt: now,
				RequestedBy: item.RequestedBy,
				LastStateAt: now,
				ShowStatus:  media.ShowUnknown,
			}
			if err := tx.CreateItem(ctx, create); err != nil {
				return newSeasons, err
			}
			current = create
			if season.Kind == media.KindSeason {
				newSeasons++
			}
		}
		if err := d.applyChildTree(ctx, tx, current, season.Children, now); err != nil {
			return newSeasons, err
		}
	}
	return newSeasons, nil
}

func (d *Dispatcher) applyChildTree(ctx context.Context, tx *store.Tx, parent *media.Item, children []*media.Item, now time.Time) error {
	if len(children) == 0 {
		return nil
	}
	existing, err := tx.Children(ctx, parent.ID)
	if err != nil {
		return err
	}
	seen := make(map[int]bool, len(existing))
	for _, c := range existing {
		seen[c.Number] = true
	}
	for _, child := range children {
		if seen[child.Number] {
			continue
		}
		create := &media.Item{
			Kind:        child.Kind,
			ParentID:    parent.ID,
			Number:      child.Number,
			Title:       child.Title,
			AiredAt:     child.AiredAt,
			IsAnime:     parent.IsAnime,
			State:       media.StateRequested,
			RequestedAt: now,
			RequestedBy: parent.RequestedBy,
			LastStateAt: now,
			ShowStatus:  media.ShowUnknown,
		}
		if err := tx.CreateItem(ctx, create); err != nil {
			return err
		}
	}
	return nil
}

// handleFailure is the single place that turns handler errors into retries,
// blacklists, health changes or terminal failure. The partial outcome carries
// the attempted stream id for blacklist-class failures.
func (d *Dispatcher) handleFailure(ev *media.Event, item *media.Item, kind media.ServiceKind, out pipeline.Outcome, runErr error) {
	now := d.Clock.Now()
	logger := xglog.WithComponent("dispatcher")

	if errors.Is(runErr, context.Canceled) {
		metrics.RecordEvent(string(kind), "cancelled")
		logger.Debug().Int64(xglog.FieldItemID, item.ID).
			Str("event", "dispatch.cancelled").Msg("event cancelled")
		return
	}

	class := media.ClassOf(runErr)
	switch class {
	case media.ClassContentRejected, media.ClassNotAvailableYet:
		reason := media.ReasonOf(runErr)
		if reason == "" {
			if class == media.ClassNotAvailableYet {
				reason = media.ReasonNotCached
			} else {
				reason = media.ReasonDownloadDenied
			}
		}
		if out.AttemptedStreamID != 0 &&
			d.blacklistStream(item, out.AttemptedStreamID, reason, ev) {
			metrics.RecordEvent(string(kind), "blacklisted")
			return
		}
		fallthrough

	case media.ClassTransient:
		attempt := ev.Attempt + 1
		if attempt >= d.Retry.MaxAttempts {
			d.failItem(item, now, runErr)
			metrics.RecordEvent(string(kind), "failed")
			return
		}
		retry := *ev
		retry.Attempt = attempt
		retry.RunAt = now.Add(transientBackoff(attempt))
		d.Queue.Push(retry)
		metrics.RecordEvent(string(kind), "retry")
		logger.Debug().Err(runErr).
			Int64(xglog.FieldItemID, item.ID).
			Int(xglog.FieldAttempt, attempt).
			Str("event", "dispatch.retry").Msg("transient failure, backing off")

	case media.ClassPermanent:
		d.failItem(item, now, runErr)
		metrics.RecordEvent(string(kind), "failed")

	case media.ClassConfig:
		// Health already flipped by the registry; re-decide soon so another
		// backend (or a wait step) takes over.
		retry := *ev
		retry.RunAt = now.Add(5 * time.Second)
		d.Queue.Push(retry)
		metrics.RecordEvent(string(kind), "retry")

	case media.ClassInternal:
		metrics.RecordInvariantViolation("handler_error")
		logger.Error().Err(runErr).
			Int64(xglog.FieldItemID, item.ID).
			Str(xglog.FieldService, string(kind)).
			Str("event", "dispatch.internal_error").
			Msg("internal error in pipeline handler")
		if ev.Attempt == 0 {
			retry := *ev
			retry.Attempt = 1
			retry.RunAt = now
			d.Queue.Push(retry)
			metrics.RecordEvent(string(kind), "retry")
			return
		}
		d.failItem(item, now, runErr)
		metrics.RecordEvent(string(kind), "failed")
	}
}

// blacklistStream moves the attempted stream to the blacklist and re-runs
// the item immediately so the next candidate is tried (or a re-scrape is
// scheduled). Reports whether a stream was actually blacklisted.
func (d *Dispatcher) blacklistStream(item *media.Item, streamID int64, reason media.BlacklistReason, ev *media.Event) bool {
	now := d.Clock.Now()
	ctx, cancel := commitCtx()
	defer cancel()

	var infohash string
	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		st, err := tx.GetStream(ctx, streamID)
		if err != nil {
			return err
		}
		infohash = st.Infohash
		return tx.BlacklistStream(ctx, streamID, reason, now)
	})
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			// Already gone; nothing to do.
			return false
		}
		xglog.WithComponent("dispatcher").Warn().Err(err).
			Int64(xglog.FieldItemID, item.ID).
			Str("event", "dispatch.blacklist_failed").Msg("blacklist write failed")
		return false
	}

	metrics.RecordBlacklist(string(reason))
	d.Bus.Publish(bus.TopicBlacklisted, bus.Message{
		Type:     "stream.blacklisted",
		ItemID:   item.ID,
		Infohash: infohash,
		Reason:   string(reason),
		At:       now,
	})
	// Reselect immediately with the remaining candidates.
	next := *ev
	next.Attempt = 0
	next.RunAt = now
	d.Queue.Push(next)
	return true
}

func (d *Dispatcher) failItem(item *media.Item, now time.Time, cause error) {
	ctx, cancel := commitCtx()
	defer cancel()

	from := item.State
	err := d.Store.WithTx(ctx, func(tx *store.Tx) error {
		item.FailedAttempts++
		item.NextRetryAt = now.Add(d.Retry.Cooldown)
		if err := tx.RecordTransition(ctx, item, media.StateFailed, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, item.ID, now)
		return err
	})
	if err != nil {
		xglog.WithComponent("dispatcher").Error().Err(err).
			Int64(xglog.FieldItemID, item.ID).
			Str("event", "dispatch.fail_write_failed").Msg("failed-state write failed")
		return
	}

	xglog.WithComponent("dispatcher").Warn().
		Int64(xglog.FieldItemID, item.ID).
		Str(xglog.FieldOldState, string(from)).
		Err(cause).
		Str("event", "item.failed").Msg("item failed")
	d.publishTransition(item.ID, from, media.StateFailed, now)
	d.notify("item.failed", item.ID, now)
}

func (d *Dispatcher) retryTransient(ev *media.Event, now time.Time) {
	retry := *ev
	retry.Attempt = ev.Attempt + 1
	retry.RunAt = now.Add(transientBackoff(retry.Attempt))
	d.Queue.Push(retry)
}

func transientBackoff(attempt int) time.Duration {
	d := transientBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 10*time.Minute {
			return 10 * time.Minute
		}
	}
	return d
}

func (d *Dispatcher) publishTransition(itemID int64, from, to media.State, at time.Time) {
	if from != "" || to != "" {
		metrics.RecordTransition(string(from), string(to))
	}
	d.Bus.Publish(bus.TopicStateChanged, bus.Message{
		Type:   "item.state_changed",
		ItemID: itemID,
		From:   string(from),
		To:     string(to),
		At:     at,
	})
}

func (d *Dispatcher) notify(event string, itemID int64, at time.Time) {
	if !slices.Contains(d.Notify, event) {
		return
	}
	d.Bus.Publish(bus.TopicNotification, bus.Message{
		Type:   event,
		ItemID: itemID,
		At:     at,
	})
}
