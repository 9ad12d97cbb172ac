package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/store"
	"github.com/hdhub/hdhub/internal/transcode"
)

// handleStreamFile serves recorded HLS files. A playlist request is the
// entry point of playback: it starts (or joins) the transcode before
// resolving the file, so clients need no separate start call.
func (s *Server) handleStreamFile(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	filename := chi.URLParam(r, "filename")

	if filename == transcode.PlaylistName {
		if err := s.startPlayback(r, episodeID); err != nil {
			writeErr(w, err)
			return
		}
	}

	path, err := s.engine.FilePath(r.Context(), episodeID, filename)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", transcode.ContentTypeFor(filename))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, path)
}

func (s *Server) startPlayback(r *http.Request, episodeID int64) error {
	ep, err := s.store.GetEpisode(r.Context(), episodeID)
	if err != nil {
		return mapStoreErr(err)
	}
	if ep.PlayURL == "" {
		return apperr.E(apperr.NotFound, "episode %d has no upstream play URL", episodeID)
	}

	meta := transcode.Metadata{
		EpisodeName: ep.EpisodeTitle,
		Duration:    ep.Duration,
	}
	if ep.OriginalAirdate > 0 {
		meta.AirDate = time.Unix(ep.OriginalAirdate, 0).UTC().Format("2006-01-02")
	}
	if sr, err := s.store.GetSeries(r.Context(), ep.SeriesRowID); err == nil {
		meta.ShowName = sr.Title
	} else {
		meta.ShowName = ep.Title
	}

	_, err = s.engine.StartTranscode(r.Context(), episodeID, ep.PlayURL, transcode.ModeInteractive, meta)
	return err
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	status, err := s.engine.Status(episodeID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListTranscodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Jobs())
}

func (s *Server) handleDeleteTranscode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.engine.DeleteTranscode(episodeID, "api"); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStartBackfill queues every episode with an upstream URL for bulk
// transcoding. Already cached episodes are counted as skipped by the run.
func (s *Server) handleStartBackfill(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.ListSeries(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	var items []transcode.BackfillItem
	for _, sr := range series {
		episodes, err := s.store.ListEpisodes(r.Context(), sr.ID)
		if err != nil {
			writeErr(w, err)
			return
		}
		for _, ep := range episodes {
			if ep.PlayURL == "" {
				continue
			}
			items = append(items, backfillItem(sr, ep))
		}
	}

	if err := s.engine.StartBackfill(r.Context(), items); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(items)})
}

func backfillItem(sr store.Series, ep store.Episode) transcode.BackfillItem {
	meta := transcode.Metadata{
		ShowName:    sr.Title,
		EpisodeName: ep.EpisodeTitle,
		Duration:    ep.Duration,
	}
	if ep.OriginalAirdate > 0 {
		meta.AirDate = time.Unix(ep.OriginalAirdate, 0).UTC().Format("2006-01-02")
	}
	return transcode.BackfillItem{
		EpisodeID:   ep.ID,
		UpstreamURL: ep.PlayURL,
		Meta:        meta,
	}
}

func (s *Server) handleBackfillStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.BackfillStatus())
}
