// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

type showUpdateRequest struct {
	ExternalID string `json:"external_id"`
}

// handleShowUpdateWebhook lets an upstream (indexer push, media manager)
// signal that a show changed. The matching root item gets a fresh index
// pass.
func (s *Server) handleShowUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	var req showUpdateRequest
	if err := decodeBody(r, &req); err != nil || req.ExternalID == "" {
		writeBadRequest(w, "external_id required")
		return
	}

	ctx := r.Context()
	it, err := s.Store.FindByExternalID(ctx, req.ExternalID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	err = s.Store.WithTx(ctx, func(tx *store.Tx) error {
		fresh, err := tx.GetItem(ctx, it.ID)
		if err != nil {
			return err
		}
		fresh.IndexedAt = time.Time{}
		return tx.UpdateItem(ctx, fresh)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.Dispatcher.Enqueue(it.ID, "Webhook", s.Clock.Now(), dispatch.PriorityBoosted)
	xglog.WithComponentFromContext(ctx, "api").Info().
		Str("event", "webhook.show_update").
		Int64(xglog.FieldItemID, it.ID).
		Str("external_id", req.ExternalID).
		Msg("show update webhook accepted")
	writeJSON(w, http.StatusAccepted, map[string]any{"id": it.ID})
}
