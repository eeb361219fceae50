// SPDX-License-Identifier: MIT

// Package api exposes the HTTP surface: item CRUD and lifecycle actions,
// stream inspection and blacklisting, manual sessions, the SSE transition
// feed, stats and Prometheus metrics. Mutating endpoints require the bearer
// API key.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rivenmedia/riven/internal/bus"
	"github.com/rivenmedia/riven/internal/clock"
	"github.com/rivenmedia/riven/internal/dispatch"
	"github.com/rivenmedia/riven/internal/pipeline"
	"github.com/rivenmedia/riven/internal/queue"
	"github.com/rivenmedia/riven/internal/session"
	"github.com/rivenmedia/riven/internal/store"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const (
	rateLimitPerMinute = 600
	shutdownGrace      = 5 * time.Second
)

// Server bundles the handlers' collaborators.
type Server struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Pipeline   *pipeline.Pipeline
	Sessions   *session.Manager
	Bus        *bus.Bus
	Queue      *queue.Queue
	Clock      clock.Clock
	APIKey     string

	started time.Time
}

// Router builds the chi router with the full endpoint surface.
func (s *Server) Router() *chi.Mux {
	if s.started.IsZero() {
		s.started = s.Clock.Now()
	}

	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(httprate.LimitByIP(rateLimitPerMinute, time.Minute))

	r.Get("/items", s.handleListItems)
	r.Get("/items/{id}", s.handleGetItem)
	r.Get("/streams/{itemID}", s.handleListStreams)
	r.Get("/stats", s.handleStats)
	r.Get("/stream", s.handleSSE)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(pr chi.Router) {
		pr.Use(s.requireKey)

		pr.Post("/items", s.handleAddItem)
		pr.Delete("/items/{id}", s.handleDeleteItem)
		pr.Post("/items/{id}/retry", s.handleRetryItem)
		pr.Post("/items/{id}/reset", s.handleResetItem)
		pr.Post("/items/{id}/reindex", s.handleReindexItem)
		pr.Post("/items/{id}/pause", s.handlePauseItem)
		pr.Post("/items/{id}/unpause", s.handleUnpauseItem)

		pr.Post("/scrape", s.handleManualScrape)
		pr.Post("/streams/{itemID}/blacklist/{infohash}", s.handleBlacklistStream)
		pr.Post("/streams/{itemID}/reset", s.handleResetStreams)

		pr.Post("/webhook/show-update", s.handleShowUpdateWebhook)

		if s.Sessions != nil {
			pr.Post("/sessions", s.handleOpenSession)
			pr.Get("/sessions/{id}", s.handleGetSession)
			pr.Post("/sessions/{id}/scrape", s.handleSessionScrape)
			pr.Post("/sessions/{id}/select-stream", s.handleSessionSelectStream)
			pr.Get("/sessions/{id}/files", s.handleSessionFiles)
			pr.Post("/sessions/{id}/select-files", s.handleSessionSelectFiles)
			pr.Post("/sessions/{id}/commit", s.handleSessionCommit)
			pr.Delete("/sessions/{id}", s.handleCloseSession)
		}
	})

	return r
}

// Serve runs the HTTP server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		xglog.WithComponent("api").Info().
			Str("event", "api.listening").
			Str("addr", addr).
			Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
