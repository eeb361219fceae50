// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rivenmedia/riven/internal/session"
)

type openSessionRequest struct {
	ItemID int64 `json:"item_id"`
}

// handleOpenSession starts a manual override session for the item and stops
// its autonomous scheduling.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeBody(r, &req); err != nil || req.ItemID <= 0 {
		writeBadRequest(w, "item_id required")
		return
	}
	sess, err := s.Sessions.Open(r.Context(), req.ItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionScrape(w http.ResponseWriter, r *http.Request) {
	live, err := s.Sessions.Scrape(r.Context(), chi.URLParam(r, "id"))
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

type selectStreamRequest struct {
	StreamID int64 `json:"stream_id"`
}

func (s *Server) handleSessionSelectStream(w http.ResponseWriter, r *http.Request) {
	var req selectStreamRequest
	if err := decodeBody(r, &req); err != nil || req.StreamID <= 0 {
		writeBadRequest(w, "stream_id required")
		return
	}
	sess, err := s.Sessions.SelectStream(r.Context(), chi.URLParam(r, "id"), req.StreamID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	set, err := s.Sessions.Files(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	type fileJSON struct {
		Path      string `json:"path"`
		SizeBytes int64  `json:"size_bytes"`
	}
	files := make([]fileJSON, 0, len(set.Files))
	for _, f := range set.Files {
		files = append(files, fileJSON{Path: f.Path, SizeBytes: f.SizeBytes})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

type selectFilesRequest struct {
	Files []session.FileSelection `json:"files"`
}

func (s *Server) handleSessionSelectFiles(w http.ResponseWriter, r *http.Request) {
	var req selectFilesRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	sess, err := s.Sessions.SelectFiles(r.Context(), chi.URLParam(r, "id"), req.Files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionCommit(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sessions.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files_bound": n})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
