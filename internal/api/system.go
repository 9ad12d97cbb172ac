package api

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/transcode"
	"github.com/hdhub/hdhub/internal/version"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.Jobs()
	var transcoding int
	for _, j := range jobs {
		if j.State == transcode.StateTranscoding {
			transcoding++
		}
	}

	tuners := s.allocator.Tuners()
	tunerStates := map[string]int{}
	var viewers int
	for _, t := range tuners {
		tunerStates[string(t.State)]++
		viewers += t.ViewerCount
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"version":           version.Version,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"appliances":        len(s.disc.Snapshot()),
		"transcode_jobs":    len(jobs),
		"active_transcodes": transcoding,
		"tuners":            len(tuners),
		"tuner_states":      tunerStates,
		"live_viewers":      viewers,
		"backfill":          s.engine.BackfillStatus(),
	})
}

// handleDiscover triggers one synchronous discovery pass. A pass already
// in flight answers Busy.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.disc.Run(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appliances": len(s.disc.Snapshot()),
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

// lineupEntry is one channel of the merged lineup, annotated with the
// device that carries it and the local watch endpoint.
type lineupEntry struct {
	appliance.LineupEntry
	DeviceID string `json:"DeviceID"`
	WatchURL string `json:"WatchURL"`
}

// handleLineup merges /lineup.json across every discovered appliance.
// Duplicate guide numbers keep the first appliance's entry.
func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	apps := s.disc.Snapshot()

	var mu sync.Mutex
	merged := map[string]lineupEntry{}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(4)
	for _, app := range apps {
		g.Go(func() error {
			entries, err := s.lineupFn(ctx, app.BaseURL)
			if err != nil {
				s.logger.Warn().Err(err).Str("device_id", app.DeviceID).Msg("lineup fetch")
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				if _, ok := merged[e.GuideNumber]; ok {
					continue
				}
				merged[e.GuideNumber] = lineupEntry{
					LineupEntry: e,
					DeviceID:    app.DeviceID,
					WatchURL:    "/live/watch",
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]lineupEntry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return lineupLess(out[i].GuideNumber, out[j].GuideNumber)
	})
	writeJSON(w, http.StatusOK, out)
}

// lineupLess orders guide numbers numerically ("2.1" before "10.1"),
// falling back to string order for non-numeric values.
func lineupLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		if fa != fb {
			return fa < fb
		}
	}
	return a < b
}
