package api

import (
	"fmt"
	"net/http"

	"github.com/hdhub/hdhub/internal/store"
	"github.com/hdhub/hdhub/internal/transcode"
)

// episodeJSON is the outbound episode shape. play_url points at the local
// HLS proxy; the appliance URL stays available as source_url.
type episodeJSON struct {
	ID              int64  `json:"id"`
	SeriesRowID     int64  `json:"series_row_id"`
	ProgramID       string `json:"program_id"`
	Title           string `json:"title"`
	EpisodeTitle    string `json:"episode_title,omitempty"`
	EpisodeNumber   string `json:"episode_number,omitempty"`
	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	Synopsis        string `json:"synopsis,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	ChannelName     string `json:"channel_name,omitempty"`
	ChannelNumber   string `json:"channel_number,omitempty"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Duration        int64  `json:"duration"`
	OriginalAirdate int64  `json:"original_airdate,omitempty"`
	RecordSuccess   bool   `json:"record_success"`
	ResumePosition  int64  `json:"resume_position"`
	ResumeMinutes   int64  `json:"resume_minutes"`
	Watched         bool   `json:"watched"`
	PlayURL         string `json:"play_url"`
	SourceURL       string `json:"source_url,omitempty"`
}

func toEpisodeJSON(ep store.Episode) episodeJSON {
	// Watched rows store position 0; readers see the full runtime instead.
	resume := ep.ResumePosition
	if ep.Watched {
		resume = ep.Duration
	}
	return episodeJSON{
		ID:              ep.ID,
		SeriesRowID:     ep.SeriesRowID,
		ProgramID:       ep.ProgramID,
		Title:           ep.Title,
		EpisodeTitle:    ep.EpisodeTitle,
		EpisodeNumber:   ep.EpisodeNumber,
		Season:          ep.Season,
		Episode:         ep.Episode,
		Synopsis:        ep.Synopsis,
		ImageURL:        ep.ImageURL,
		ChannelName:     ep.ChannelName,
		ChannelNumber:   ep.ChannelNumber,
		StartTime:       ep.StartTime,
		EndTime:         ep.EndTime,
		Duration:        ep.Duration,
		OriginalAirdate: ep.OriginalAirdate,
		RecordSuccess:   ep.RecordSuccess,
		ResumePosition:  resume,
		ResumeMinutes:   resume / 60,
		Watched:         ep.Watched,
		PlayURL:         fmt.Sprintf("/stream/%d/%s", ep.ID, transcode.PlaylistName),
		SourceURL:       ep.PlayURL,
	}
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	series, err := s.store.ListSeries(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *Server) handleListEpisodes(w http.ResponseWriter, r *http.Request) {
	seriesID, err := pathID(r, "seriesID")
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := s.store.GetSeries(r.Context(), seriesID); err != nil {
		writeErr(w, mapStoreErr(err))
		return
	}
	episodes, err := s.store.ListEpisodes(r.Context(), seriesID)
	if err != nil {
		writeErr(w, err)
		return
	}

	out := make([]episodeJSON, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, toEpisodeJSON(ep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	ep, err := s.store.GetEpisode(r.Context(), episodeID)
	if err != nil {
		writeErr(w, mapStoreErr(err))
		return
	}
	writeJSON(w, http.StatusOK, toEpisodeJSON(ep))
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	var body struct {
		Position int64 `json:"position"`
		Watched  bool  `json:"watched"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.syncer.UpdateProgress(r.Context(), episodeID, body.Position, body.Watched); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"episode_id": episodeID,
		"position":   body.Position,
		"watched":    body.Watched,
	})
}

func (s *Server) handleDeleteEpisode(w http.ResponseWriter, r *http.Request) {
	episodeID, err := pathID(r, "episodeID")
	if err != nil {
		writeErr(w, err)
		return
	}
	rerecord := r.URL.Query().Get("rerecord") == "true"
	if err := s.syncer.DeleteEpisode(r.Context(), episodeID, rerecord); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
