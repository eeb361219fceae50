// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/media"
	"github.com/rivenmedia/riven/internal/metrics"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

type streamJSON struct {
	ID         int64  `json:"id"`
	Infohash   string `json:"infohash"`
	RawTitle   string `json:"raw_title"`
	Rank       int    `json:"rank"`
	Resolution string `json:"resolution,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	Seeders    int    `json:"seeders"`
	Source     string `json:"source,omitempty"`
}

type blacklistJSON struct {
	Infohash string    `json:"infohash"`
	Reason   string    `json:"reason"`
	AddedAt  time.Time `json:"added_at"`
}

func toStreamJSON(st *media.Stream) streamJSON {
	return streamJSON{
		ID:         st.ID,
		Infohash:   st.Infohash,
		RawTitle:   st.RawTitle,
		Rank:       st.Rank,
		Resolution: st.Resolution,
		SizeBytes:  st.SizeBytes,
		Seeders:    st.Seeders,
		Source:     st.Source,
	}
}

// handleListStreams returns the item's live candidates and its blacklist.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "itemID")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	if _, err := s.Store.GetItem(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}

	live, err := s.Store.ListStreams(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	entries, err := s.Store.Blacklist(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	streams := make([]streamJSON, 0, len(live))
	for _, st := range live {
		streams = append(streams, toStreamJSON(st))
	}
	blacklist := make([]blacklistJSON, 0, len(entries))
	for _, e := range entries {
		blacklist = append(blacklist, blacklistJSON{Infohash: e.Infohash, Reason: string(e.Reason), AddedAt: e.AddedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams, "blacklist": blacklist})
}

// handleBlacklistStream bans an infohash for the item. A matching live
// stream is removed in the same transaction; the item re-enters the queue so
// the registry reselects.
func (s *Server) handleBlacklistStream(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "itemID")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	hash, ok := media.NormalizeInfohash(chi.URLParam(r, "infohash"))
	if !ok {
		writeBadRequest(w, "malformed infohash")
		return
	}

	ctx := r.Context()
	now := s.Clock.Now()
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		it, err := tx.GetItem(ctx, id)
		if err != nil {
			return err
		}
		clearActive := false
		if it.ActiveStreamID != 0 {
			live, err := tx.ListStreams(ctx, id)
			if err != nil {
				return err
			}
			for _, st := range live {
				if st.ID == it.ActiveStreamID && st.Infohash == hash {
					clearActive = true
					break
				}
			}
		}
		if err := tx.AddBlacklistEntry(ctx, id, hash, media.ReasonManual, now); err != nil {
			return err
		}
		if clearActive {
			return tx.SetActiveStream(ctx, id, 0)
		}
		return nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	metrics.RecordBlacklist(string(media.ReasonManual))
	s.Bus.Publish(bus.TopicBlacklisted, bus.Message{
		Type:     string(bus.TopicBlacklisted),
		ItemID:   id,
		Infohash: hash,
		Reason:   string(media.ReasonManual),
		At:       now,
	})
	s.Dispatcher.Enqueue(id, "API", now, dispatch.PriorityBoosted)

	xglog.WithComponentFromContext(ctx, "api").Info().
		Str("event", "stream.blacklisted_manually").
		Int64(xglog.FieldItemID, id).
		Str(xglog.FieldInfohash, hash).
		Msg("stream blacklisted by user")
	w.WriteHeader(http.StatusAccepted)
}

// handleResetStreams clears the item's streams and blacklist for a fresh
// scrape.
func (s *Server) handleResetStreams(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r, "itemID")
	if !ok {
		writeBadRequest(w, "invalid item id")
		return
	}
	ctx := r.Context()
	err := s.Store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.GetItem(ctx, id); err != nil {
			return err
		}
		return tx.ResetStreams(ctx, id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.Dispatcher.Enqueue(id, "API", s.Clock.Now(), dispatch.PriorityDefault)
	w.WriteHeader(http.StatusAccepted)
}

type scrapeRequest struct {
	ItemID int64 `json:"item_id"`
}

// handleManualScrape runs a one-off scrape for the item and returns the live
// candidate set, without touching the item's state.
func (s *Server) handleManualScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decodeBody(r, &req); err != nil || req.ItemID <= 0 {
		writeBadRequest(w, "item_id required")
		return
	}

	ctx := r.Context()
	it, err := s.Store.GetItem(ctx, req.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	out, err := s.Pipeline.Run(ctx, media.ServiceScraping, it)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(out.Streams) > 0 {
		now := s.Clock.Now()
		err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
			_, err := tx.UpsertStreams(ctx, it.ID, out.Streams, now)
			return err
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	live, err := s.Store.ListStreams(ctx, it.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	streams := make([]streamJSON, 0, len(live))
	for _, st := range live {
		streams = append(streams, toStreamJSON(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}
