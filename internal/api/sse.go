// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xglog "github.com/rivenmedia/riven/internal/log"
)

const sseHeartbeat = 15 * time.Second

// handleSSE streams bus messages to the client as server-sent events, one
// JSON document per event, with comment heartbeats to keep proxies from
// closing idle connections.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := s.Bus.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case msg, open := <-sub.C():
			if !open {
				return
			}
			buf, err := json.Marshal(msg)
			if err != nil {
				xglog.WithComponentFromContext(ctx, "api").Warn().
					Str("event", "sse.encode_failed").
					Err(err).
					Msg("dropping unencodable bus message")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", buf)
			flusher.Flush()
		}
	}
}
