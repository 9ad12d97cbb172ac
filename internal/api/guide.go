package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hdhub/hdhub/internal/guide"
)

func (s *Server) handleGuide(w http.ResponseWriter, r *http.Request) {
	out, err := s.plane.Guide(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuideNow(w http.ResponseWriter, r *http.Request) {
	out, err := s.plane.Now(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGuideSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	out, err := s.plane.Search(r.Context(), q.Get("q"), q.Get("channel"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.plane.Rules(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

// ruleBody is the inbound rule mutation shape shared by add and change.
type ruleBody struct {
	SeriesID                 string `json:"series_id"`
	AfterRecordingRuleID     string `json:"after_recording_rule_id,omitempty"`
	ChannelOnly              string `json:"channel_only,omitempty"`
	TeamOnly                 string `json:"team_only,omitempty"`
	RecentOnly               int    `json:"recent_only,omitempty"`
	AfterOriginalAirdateOnly int64  `json:"after_original_airdate_only,omitempty"`
	DateTimeOnly             int64  `json:"date_time_only,omitempty"`
	Priority                 int    `json:"priority,omitempty"`
	StartPadding             int    `json:"start_padding,omitempty"`
	EndPadding               int    `json:"end_padding,omitempty"`
}

func (b ruleBody) toCommand() guide.RuleCommand {
	return guide.RuleCommand{
		SeriesID:                 b.SeriesID,
		AfterRecordingRuleID:     b.AfterRecordingRuleID,
		ChannelOnly:              b.ChannelOnly,
		TeamOnly:                 b.TeamOnly,
		RecentOnly:               b.RecentOnly,
		AfterOriginalAirdateOnly: b.AfterOriginalAirdateOnly,
		DateTimeOnly:             b.DateTimeOnly,
		Priority:                 b.Priority,
		StartPadding:             b.StartPadding,
		EndPadding:               b.EndPadding,
	}
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.plane.AddRule(r.Context(), body.toCommand()); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleChangeRule(w http.ResponseWriter, r *http.Request) {
	var body ruleBody
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	cmd := body.toCommand()
	cmd.RecordingRuleID = chi.URLParam(r, "ruleID")
	if err := s.plane.ChangeRule(r.Context(), cmd); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.plane.DeleteRule(r.Context(), chi.URLParam(r, "ruleID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
