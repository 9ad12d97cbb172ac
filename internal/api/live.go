package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/livetv"
	"github.com/hdhub/hdhub/internal/transcode"
)

func (s *Server) handleLiveWatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Channel  string `json:"channel"`
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	// Clients that do not manage their own identity get one issued; they
	// must echo it in heartbeats and stop.
	if body.ClientID == "" {
		body.ClientID = uuid.NewString()
	}

	res, err := s.allocator.Watch(r.Context(), body.Channel, body.ClientID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tuner_id":     res.TunerID,
		"client_id":    body.ClientID,
		"channel":      res.Channel,
		"shared":       res.Shared,
		"playlist_url": fmt.Sprintf("/live/%s/%s", res.TunerID, livetv.LivePlaylistName),
	})
}

func (s *Server) handleLiveHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if !s.allocator.Heartbeat(body.ClientID) {
		writeErr(w, apperr.E(apperr.NotFound, "unknown client %s", body.ClientID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLiveStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientID string `json:"client_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if !s.allocator.Release(body.ClientID) {
		writeErr(w, apperr.E(apperr.NotFound, "unknown client %s", body.ClientID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLiveTuners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.allocator.Tuners())
}

func (s *Server) handleLiveFile(w http.ResponseWriter, r *http.Request) {
	tunerID := chi.URLParam(r, "tunerID")
	filename := chi.URLParam(r, "filename")

	path, err := s.worker.FilePath(r.Context(), tunerID, filename)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", transcode.ContentTypeFor(filename))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}
