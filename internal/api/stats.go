// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/rivenmedia/riven/internal/store"
)

type statsResponse struct {
	store.Stats
	QueueDepth    int    `json:"queue_depth"`
	InFlight      int    `json:"in_flight"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Uptime        string `json:"uptime"`
}

// handleStats aggregates library counters with runtime state.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	libStats, err := s.Store.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	uptime := s.Clock.Now().Sub(s.started).Truncate(time.Second)
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         libStats,
		QueueDepth:    s.Queue.Len(),
		InFlight:      s.Dispatcher.InFlight(),
		UptimeSeconds: int64(uptime.Seconds()),
		Uptime:        uptime.String(),
	})
}
