// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/service"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const defaultListLimit = 100

// itemJSON is the wire shape of a media item.
type itemJSON struct {
	ID       int64      `json:"id"`
	Kind     media.Kind `json:"kind"`
	ParentID int64      `json:"parent_id,omitempty"`

	IMDBID  string `json:"imdb_id,omitempty"`
	TVDBID  string `json:"tvdb_id,omitempty"`
	TMDBID  string `json:"tmdb_id,omitempty"`
	TraktID string `json:"trakt_id,omitempty"`

	Title   string   `json:"title,omitempty"`
	Year    int      `json:"year,omitempty"`
	Number  int      `json:"number,omitempty"`
	Genres  []string `json:"genres,omitempty"`
	IsAnime bool     `json:"is_anime,omitempty"`

	State          media.State      `json:"state"`
	ShowStatus     media.ShowStatus `json:"show_status,omitempty"`
	RequestedAt    time.Time        `json:"requested_at"`
	RequestedBy    string           `json:"requested_by,omitempty"`
	LastStateAt    time.Time        `json:"last_state_at"`
	ScrapedTimes   int              `json:"scraped_times,omitempty"`
	FailedAttempts int              `json:"failed_attempts,omitempty"`
	NextRetryAt    *time.Time       `json:"next_retry_at,omitempty"`

	FileName    string `json:"file_name,omitempty"`
	FileSize    int64  `json:"file_size,omitempty"`
	SymlinkPath string `json:"symlink_path,omitempty"`

	PostProcessed bool `json:"post_processed,omitempty"`

	Children []itemJSON `json:"children,omitempty"`
}

func toItemJSON(it *media.Item) itemJSON {
	out := itemJSON{
		ID:             it.ID,
		Kind:           it.Kind,
		ParentID:       it.ParentID,
		IMDBID:         it.IMDBID,
		TVDBID:         it.TVDBID,
		TMDBID:         it.TMDBID,
		TraktID:        it.TraktID,
		Title:          it.Title,
		Year:           it.Year,
		Number:         it.Number,
		Genres:         it.Genres,
		IsAnime:        it.IsAnime,
		State:          it.State,
		RequestedAt:    it.RequestedAt,
		RequestedBy:    it.RequestedBy,
		LastStateAt:    it.LastStateAt,
		ScrapedTimes:   it.ScrapedTimes,
		FailedAttempts: it.FailedAttempts,
		FileName:       it.FileName,
		FileSize:       it.FileSize,
		SymlinkPath:    it.SymlinkPath,
		PostProcessed:  it.PostProcessed,
	}
	if it.Kind == media.KindShow {
		out.ShowStatus = it.ShowStatus
	}
	if !it.NextRetryAt.IsZero() {
		t := it.NextRetryAt
		out.NextRetryAt = &t
	}
	for _, child := range it.Children {
		out.Children = append(out.Children, toItemJSON(child))
	}
	return out
}

func itemID(r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ListFilter{
		Kind:   media.Kind(q.Get("kind")),
		Search: q.Get("search"),
		Limit:  defaultListLimit,
	}
	if raw := q.Get("state"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.States = append(f.States, media.State(st))
		}
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}

	items, err := s.Store.ListItems(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]itemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, toItemJSON(it))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	it, err := s.Store.LoadItem(r.Context(), id, 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemJSON(it))
}

type addItemRequest struct {
	ExternalID  string `json:"external_id"`
	Kind        string `json:"kind"`
	RequestedBy string `json:"requested_by"`
}

// handleAddItem requests an item by external id. Re-adding an existing id
// returns the existing item instead of creating a duplicate.
func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "api"
	}
	if req.Kind != string(media.KindMovie) && req.Kind != string(media.KindShow) {
		writeBadRequest(w, "kind must be movie or show")
		return
	}
	it, created, err := s.Dispatcher.Request(r.Context(), service.Request{
		ExternalID:  req.ExternalID,
		Kind:        media.Kind(req.Kind),
		RequestedBy: req.RequestedBy,
	}, "API")
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, map[string]any{"id": it.ID, "created": created})
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	it, err := s.Store.LoadItem(ctx, id, 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.cancelTree(it)

	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.DeleteItem(ctx, id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	xglog.WithComponentFromContext(ctx, "api").Info().
		Str("event", "item.deleted").
		Int64(xglog.FieldItemID, id).
		Msg("item deleted")
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryItem clears the retry cooldown and puts the item back in the
// queue. Works on Failed items; a no-op state-wise for others.
func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	now := s.Clock.Now()
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		it.NextRetryAt = time.Time{}
		if it.State == media.StateFailed {
			if err := tx.RecordTransition(ctx, it, media.StateRequested, now); err != nil {
				return err
			}
			_, err = tx.RecomputeAncestors(ctx, id, now)
			return err
		}
		return tx.UpdateItem(ctx, it)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Dispatcher.Enqueue(id, "API", now, dispatch.PriorityBoosted)
	w.WriteHeader(http.StatusAccepted)
}

// handleResetItem wipes the subtree back to Requested, dropping file
// bindings and live streams. The blacklist survives.
func (s *Server) handleResetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	it, err := s.Store.LoadItem(ctx, id, 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.cancelTree(it)

	now := s.Clock.Now()
	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.ResetItem(ctx, id, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, id, now)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Dispatcher.Enqueue(id, "API", now, dispatch.PriorityBoosted)
	w.WriteHeader(http.StatusAccepted)
}

// handleReindexItem schedules a fresh metadata pass: clearing indexed_at
// makes the decision layer route the item to the indexer again.
func (s *Server) handleReindexItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		it.IndexedAt = time.Time{}
		return tx.UpdateItem(ctx, it)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Dispatcher.Enqueue(id, "API", s.Clock.Now(), dispatch.PriorityBoosted)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	it, err := s.Store.LoadItem(ctx, id, 2)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.cancelTree(it)

	now := s.Clock.Now()
	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := pauseTree(ctx, tx, it, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, id, now)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	xglog.WithComponentFromContext(ctx, "api").Info().
		Str("event", "item.paused").
		Int64(xglog.FieldItemID, id).
		Msg("item paused")
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleUnpauseItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "id")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	it, err := s.Store.LoadItem(ctx, id, 2)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := s.Clock.Now()
	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := resumeTree(ctx, tx, it, now); err != nil {
			return err
		}
		_, err := tx.RecomputeAncestors(ctx, id, now)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Dispatcher.Enqueue(id, "API", now, dispatch.PriorityDefault)
	w.WriteHeader(http.StatusAccepted)
}

// cancelTree invalidates queued events and in-flight workers for the item
// and every descendant.
func (s *Server) cancelTree(it *media.Item) {
	s.Dispatcher.CancelItem(it.ID)
	for _, child := range it.Children {
		s.cancelTree(child)
	}
}

func pauseTree(ctx context.Context, tx *store.Tx, it *media.Item, now time.Time) error {
	for _, child := range it.Children {
		if err := pauseTree(ctx, tx, child, now); err != nil {
			return err
		}
	}
	switch it.State {
	case media.StatePaused, media.StateCompleted, media.StateFailed:
		return nil
	}
	return tx.RecordTransition(ctx, it, media.StatePaused, now)
}

// resumeTree lifts Paused items back to the state their on-disk facts imply,
// children before parents so containers re-aggregate correctly.
func resumeTree(ctx context.Context, tx *store.Tx, it *media.Item, now time.Time) (media.State, error) {
	var childStates []media.State
	for _, child := range it.Children {
		st, err := resumeTree(ctx, tx, child, now)
		if err != nil {
			return "", err
		}
		childStates = append(childStates, st)
	}
	if it.State != media.StatePaused {
		return it.State, nil
	}

	var to media.State
	if it.IsLeaf() {
		to = resumedLeafState(it)
	} else {
		to = media.Aggregate(childStates)
	}
	if err := tx.RecordTransition(ctx, it, to, now); err != nil {
		return "", err
	}
	return to, nil
}

// resumedLeafState derives the pipeline position from the item's facts.
func resumedLeafState(it *media.Item) media.State {
	switch {
	case it.SymlinkPath != "" && !it.UpdatedAt.IsZero():
		return media.StateCompleted
	case it.SymlinkPath != "":
		return media.StateSymlinked
	case it.FileName != "":
		return media.StateDownloaded
	case !it.ScrapedAt.IsZero():
		return media.StateScraped
	case !it.IndexedAt.IsZero():
		return media.StateIndexed
	default:
		return media.StateRequested
	}
}
