// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

// sweepInterval is how often the expiry sweeper scans open sessions.
const sweepInterval = time.Minute

// Dispatcher is the slice of the dispatcher the manager needs: withholding an
// item from autonomous flow and handing it back.
type Dispatcher interface {
	CancelItem(itemID int64)
	Enqueue(itemID int64, emittedBy string, runAt time.Time, priority int)
}

// Manager drives manual sessions end to end.
type Manager struct {
	Sessions   *Store
	Items      *store.Store
	Services   *service.Registry
	Pipeline   *pipeline.Pipeline
	Dispatcher Dispatcher
	Bus        *bus.Bus
	Clock      clock.Clock
	TTL        time.Duration
}

// Open starts a session on an item and cancels its autonomous events. One
// open session per item; a second Open conflicts.
func (m *Manager) Open(ctx context.Context, itemID int64) (*Session, error) {
	item, err := m.Items.LoadItem(ctx, itemID, 2)
	if err != nil {
		return nil, err
	}

	live, err := m.Sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range live {
		if s.ItemID == itemID && s.State != StateClosed {
			return nil, fmt.Errorf("item %d already has session %s: %w", itemID, s.ID, media.ErrConflict)
		}
	}

	// Withhold the whole subtree from the autonomous flow.
	m.Dispatcher.CancelItem(item.ID)
	walkTree(item, func(child *media.Item) {
		m.Dispatcher.CancelItem(child.ID)
	})

	now := m.Clock.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		State:     StateOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(m.TTL),
	}
	if err := m.Sessions.Put(sess, now); err != nil {
		return nil, err
	}
	xglog.WithComponent("session").Info().
		Str("event", "session.opened").
		Str(xglog.FieldSessionID, sess.ID).
		Int64(xglog.FieldItemID, itemID).
		Time("expires_at", sess.ExpiresAt).
		Msg("manual session opened")
	return sess, nil
}

// Get returns the session record.
func (m *Manager) Get(id string) (*Session, error) {
	return m.Sessions.Get(id)
}

// Scrape runs a one-off scrape for the session item and returns the live
// candidates, freshest first.
func (m *Manager) Scrape(ctx context.Context, id string) ([]*media.Stream, error) {
	sess, err := m.open(id)
	if err != nil {
		return nil, err
	}
	item, err := m.Items.GetItem(ctx, sess.ItemID)
	if err != nil {
		return nil, err
	}

	out, err := m.Pipeline.Run(ctx, media.ServiceScraping, item)
	if err != nil {
		return nil, err
	}
	if len(out.Streams) > 0 {
		now := m.Clock.Now()
		err = m.Items.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.UpsertStreams(ctx, item.ID, out.Streams, now)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return m.Items.ListStreams(ctx, item.ID)
}

// SelectStream records the user's stream choice and claims it on the item.
func (m *Manager) SelectStream(ctx context.Context, id string, streamID int64) (*Session, error) {
	sess, err := m.open(id)
	if err != nil {
		return nil, err
	}
	err = m.Items.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetActiveStream(ctx, sess.ItemID, streamID)
	})
	if err != nil {
		return nil, err
	}
	return m.Sessions.Update(id, m.Clock.Now(), func(s *Session) error {
		s.SelectedStreamID = streamID
		s.SelectedFiles = nil
		return nil
	})
}

// Files resolves the selected stream through the first usable downloader and
// returns its file set for the user to pick from.
func (m *Manager) Files(ctx context.Context, id string) (*service.FileSet, error) {
	sess, err := m.open(id)
	if err != nil {
		return nil, err
	}
	if sess.SelectedStreamID == 0 {
		return nil, fmt.Errorf("no stream selected: %w", media.ErrConflict)
	}

	var infohash string
	err = m.Items.WithTx(ctx, func(tx *store.Tx) error {
		st, err := tx.GetStream(ctx, sess.SelectedStreamID)
		if err != nil {
			return err
		}
		infohash = st.Infohash
		return nil
	})
	if err != nil {
		return nil, err
	}

	item, err := m.Items.GetItem(ctx, sess.ItemID)
	if err != nil {
		return nil, err
	}
	handles := m.Services.UsableFor(media.ServiceDownloader, item)
	if len(handles) == 0 {
		return nil, media.ConfigError(errors.New("no usable downloader"))
	}
	var lastErr error
	for _, h := range handles {
		callCtx, cancel, err := h.Begin(ctx)
		if err != nil {
			return nil, err
		}
		set, err := h.Downloader.Download(callCtx, infohash)
		cancel()
		if err != nil {
			m.Services.ReportError(h.Name(), err)
			lastErr = err
			continue
		}
		return set, nil
	}
	return nil, lastErr
}

// SelectFiles records the user's file picks.
func (m *Manager) SelectFiles(ctx context.Context, id string, files []FileSelection) (*Session, error) {
	if _, err := m.open(id); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, media.Permanent(errors.New("no files selected"))
	}
	for _, f := range files {
		if f.Path == "" {
			return nil, media.Permanent(errors.New("file selection without a path"))
		}
	}
	return m.Sessions.Update(id, m.Clock.Now(), func(s *Session) error {
		s.SelectedFiles = files
		return nil
	})
}

// Commit applies the user's selections, bypassing the ranker: each mapped
// leaf gets the chosen file and transitions to Downloaded in one transaction.
// The session closes and the item resumes autonomous scheduling.
func (m *Manager) Commit(ctx context.Context, id string) (int, error) {
	sess, err := m.Sessions.Update(id, m.Clock.Now(), func(s *Session) error {
		if s.State != StateOpen {
			return fmt.Errorf("session is %s: %w", s.State, media.ErrConflict)
		}
		if s.SelectedStreamID == 0 || len(s.SelectedFiles) == 0 {
			return fmt.Errorf("stream and files must be selected before commit: %w", media.ErrConflict)
		}
		s.State = StateCommitting
		return nil
	})
	if err != nil {
		return 0, err
	}

	item, err := m.Items.LoadItem(ctx, sess.ItemID, 2)
	if err != nil {
		return 0, err
	}

	now := m.Clock.Now()
	var committed []*media.Item
	err = m.Items.WithTx(ctx, func(tx *store.Tx) error {
		committed = committed[:0]
		for _, sel := range sess.SelectedFiles {
			leaf := matchLeaf(item, sel)
			if leaf == nil {
				return media.Permanent(fmt.Errorf("selection %q matches no item under %d", sel.Path, item.ID))
			}
			leaf.FileName = filepath.Base(sel.Path)
			leaf.Folder = filepath.Dir(sel.Path)
			leaf.FileSize = sel.SizeBytes
			leaf.ActiveStreamID = sess.SelectedStreamID
			if err := tx.RecordTransition(ctx, leaf, media.StateDownloaded, now); err != nil {
				return err
			}
			if _, err := tx.RecomputeAncestors(ctx, leaf.ID, now); err != nil {
				return err
			}
			committed = append(committed, leaf)
		}
		return nil
	})
	if err != nil {
		// Back to open so the user can fix the selection.
		_, _ = m.Sessions.Update(id, now, func(s *Session) error {
			s.State = StateOpen
			return nil
		})
		return 0, err
	}

	if err := m.Sessions.Delete(id); err != nil {
		return len(committed), err
	}
	for _, leaf := range committed {
		m.Bus.Publish(bus.TopicStateChanged, bus.Message{
			Type:   "item.state_changed",
			ItemID: leaf.ID,
			To:     string(media.StateDownloaded),
			At:     now,
		})
		m.Dispatcher.Enqueue(leaf.ID, "session", now, dispatch.PriorityBoosted)
	}
	m.Dispatcher.Enqueue(item.ID, "session", now, dispatch.PriorityBoosted)

	xglog.WithComponent("session").Info().
		Str("event", "session.committed").
		Str(xglog.FieldSessionID, id).
		Int64(xglog.FieldItemID, item.ID).
		Int("leaves", len(committed)).
		Msg("manual selections committed")
	return len(committed), nil
}

// Close ends the session without committing and resumes scheduling.
func (m *Manager) Close(ctx context.Context, id string) error {
	sess, err := m.Sessions.Get(id)
	if err != nil {
		return err
	}
	if err := m.Sessions.Delete(id); err != nil {
		return err
	}
	m.Dispatcher.Enqueue(sess.ItemID, "session", m.Clock.Now(), dispatch.PriorityDefault)
	xglog.WithComponent("session").Info().
		Str("event", "session.closed").
		Str(xglog.FieldSessionID, id).
		Int64(xglog.FieldItemID, sess.ItemID).
		Msg("manual session closed")
	return nil
}

// Sweep closes sessions past their expiry and hands their items back to the
// queue. Returns how many sessions were closed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.Clock.Now()
	live, err := m.Sessions.List(ctx)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, sess := range live {
		if !sess.Expired(now) || sess.State == StateCommitting {
			continue
		}
		if err := m.Sessions.Delete(sess.ID); err != nil {
			return closed, err
		}
		m.Dispatcher.Enqueue(sess.ItemID, "session", now, dispatch.PriorityDefault)
		closed++
		xglog.WithComponent("session").Info().
			Str("event", "session.expired").
			Str(xglog.FieldSessionID, sess.ID).
			Int64(xglog.FieldItemID, sess.ItemID).
			Msg("expired session closed")
	}
	return closed, nil
}

// Run drives the expiry sweeper until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.Clock == nil {
		m.Clock = clock.System{}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.Clock.After(sweepInterval):
			if _, err := m.Sweep(ctx); err != nil {
				xglog.WithComponent("session").Warn().Err(err).
					Str("event", "session.sweep_failed").
					Msg("expiry sweep failed")
			}
		}
	}
}

func (m *Manager) open(id string) (*Session, error) {
	sess, err := m.Sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.State != StateOpen {
		return nil, fmt.Errorf("session is %s: %w", sess.State, media.ErrConflict)
	}
	return sess, nil
}

// matchLeaf resolves a file selection to the leaf it binds. For a movie or
// episode session the selection maps to the item itself; for seasons and
// shows it maps through the numbered tree.
func matchLeaf(root *media.Item, sel FileSelection) *media.Item {
	switch root.Kind {
	case media.KindMovie, media.KindEpisode:
		return root
	case media.KindSeason:
		if sel.Season != 0 && sel.Season != root.Number {
			return nil
		}
		for _, ep := range root.Children {
			if ep.Number == sel.Episode {
				return ep
			}
		}
	case media.KindShow:
		for _, season := range root.Children {
			if season.Number != sel.Season {
				continue
			}
			for _, ep := range season.Children {
				if ep.Number == sel.Episode {
					return ep
				}
			}
		}
	}
	return nil
}

func walkTree(it *media.Item, fn func(*media.Item)) {
	for _, child := range it.Children {
		fn(child)
		walkTree(child, fn)
	}
}
