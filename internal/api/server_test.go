package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/config"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/guide"
	"github.com/hdhub/hdhub/internal/livetv"
	"github.com/hdhub/hdhub/internal/store"
	"github.com/hdhub/hdhub/internal/transcode"
)

type fakeEngine struct {
	dir      string
	starts   []int64
	jobs     map[int64]transcode.JobStatus
	startErr error
	backfill transcode.BackfillStatus
}

func (f *fakeEngine) StartTranscode(ctx context.Context, id int64, url string, mode transcode.Mode, meta transcode.Metadata) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, id)
	return f.dir, nil
}

func (f *fakeEngine) FilePath(ctx context.Context, id int64, filename string) (string, error) {
	path := filepath.Join(f.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", apperr.E(apperr.NotFound, "no such file %s", filename)
	}
	return path, nil
}

func (f *fakeEngine) Status(id int64) (transcode.JobStatus, error) {
	j, ok := f.jobs[id]
	if !ok {
		return transcode.JobStatus{}, apperr.E(apperr.NotFound, "no transcode for episode %d", id)
	}
	return j, nil
}

func (f *fakeEngine) Jobs() []transcode.JobStatus {
	var out []transcode.JobStatus
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeEngine) DeleteTranscode(id int64, cause string) error {
	if _, ok := f.jobs[id]; !ok {
		return apperr.E(apperr.NotFound, "no transcode for episode %d", id)
	}
	delete(f.jobs, id)
	return nil
}

func (f *fakeEngine) StartBackfill(ctx context.Context, items []transcode.BackfillItem) error {
	f.backfill = transcode.BackfillStatus{Running: true, Total: len(items)}
	return nil
}

func (f *fakeEngine) BackfillStatus() transcode.BackfillStatus { return f.backfill }

type fakeAllocator struct {
	watchErr error
	clients  map[string]bool
	tuners   []livetv.Tuner
}

func (f *fakeAllocator) Watch(ctx context.Context, channel, clientID string) (livetv.WatchResult, error) {
	if f.watchErr != nil {
		return livetv.WatchResult{}, f.watchErr
	}
	f.clients[clientID] = true
	return livetv.WatchResult{TunerID: "AAAA1111-tuner-0", Channel: channel}, nil
}

func (f *fakeAllocator) Heartbeat(clientID string) bool { return f.clients[clientID] }

func (f *fakeAllocator) Release(clientID string) bool {
	if !f.clients[clientID] {
		return false
	}
	delete(f.clients, clientID)
	return true
}

func (f *fakeAllocator) Tuners() []livetv.Tuner { return f.tuners }

type fakeLiveWorker struct {
	dir string
}

func (f *fakeLiveWorker) FilePath(ctx context.Context, tunerID, filename string) (string, error) {
	path := filepath.Join(f.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", apperr.E(apperr.NotFound, "no such file %s", filename)
	}
	return path, nil
}

type fakeSyncer struct {
	progress map[int64]int64
	deleted  []int64
}

func (f *fakeSyncer) UpdateProgress(ctx context.Context, id, position int64, watched bool) error {
	if position < 0 {
		return apperr.E(apperr.InvalidArgument, "negative position")
	}
	if _, ok := f.progress[id]; !ok {
		return apperr.E(apperr.NotFound, "episode %d", id)
	}
	f.progress[id] = position
	return nil
}

func (f *fakeSyncer) DeleteEpisode(ctx context.Context, id int64, allowRerecord bool) error {
	if _, ok := f.progress[id]; !ok {
		return apperr.E(apperr.NotFound, "episode %d", id)
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakePlane struct {
	rules []store.RecordingRule
	added []guide.RuleCommand
}

func (f *fakePlane) Guide(ctx context.Context) ([]guide.ChannelGuide, error) { return nil, nil }
func (f *fakePlane) Now(ctx context.Context) ([]guide.NowPlaying, error)     { return nil, nil }
func (f *fakePlane) Search(ctx context.Context, q, ch string, limit int) ([]store.GuideProgram, error) {
	if q == "" {
		return nil, apperr.E(apperr.InvalidArgument, "empty search query")
	}
	return nil, nil
}
func (f *fakePlane) Rules(ctx context.Context) ([]store.RecordingRule, error) { return f.rules, nil }
func (f *fakePlane) AddRule(ctx context.Context, cmd guide.RuleCommand) error {
	if cmd.SeriesID == "" {
		return apperr.E(apperr.InvalidArgument, "missing series id")
	}
	f.added = append(f.added, cmd)
	return nil
}
func (f *fakePlane) ChangeRule(ctx context.Context, cmd guide.RuleCommand) error { return nil }
func (f *fakePlane) DeleteRule(ctx context.Context, ruleID string) error         { return nil }

type fakeDisc struct {
	busy bool
	apps []discovery.Appliance
}

func (f *fakeDisc) Run(ctx context.Context) error {
	if f.busy {
		return apperr.E(apperr.Busy, "discovery pass already running")
	}
	return nil
}

func (f *fakeDisc) Snapshot() []discovery.Appliance { return f.apps }

type testEnv struct {
	srv    *httptest.Server
	store  *store.Store
	engine *fakeEngine
	alloc  *fakeAllocator
	syncer *fakeSyncer
	plane  *fakePlane
	disc   *fakeDisc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:  st,
		engine: &fakeEngine{dir: t.TempDir(), jobs: map[int64]transcode.JobStatus{}},
		alloc:  &fakeAllocator{clients: map[string]bool{}},
		syncer: &fakeSyncer{progress: map[int64]int64{}},
		plane:  &fakePlane{},
		disc:   &fakeDisc{},
	}
	s := New(config.Snapshot{ListenAddr: ":0"}, Deps{
		Store:     st,
		Engine:    env.engine,
		Allocator: env.alloc,
		Worker:    &fakeLiveWorker{dir: env.engine.dir},
		Syncer:    env.syncer,
		Plane:     env.plane,
		Discovery: env.disc,
	})
	env.srv = httptest.NewServer(s.routes())
	t.Cleanup(env.srv.Close)
	return env
}

// seedEpisode creates one device, series and episode, returning the
// episode row id.
func (env *testEnv) seedEpisode(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	devID, err := env.store.UpsertDevice(ctx, store.Device{DeviceID: "AAAA1111", BaseURL: "http://10.0.0.5"})
	require.NoError(t, err)
	seriesID, err := env.store.UpsertSeries(ctx, store.Series{DeviceID: devID, SeriesID: "S1", Title: "Nature Hour"})
	require.NoError(t, err)
	epID, err := env.store.UpsertEpisode(ctx, store.Episode{
		SeriesRowID:    seriesID,
		ProgramID:      "EP100",
		Title:          "Nature Hour",
		EpisodeTitle:   "Glacier Bay",
		StartTime:      1000,
		EndTime:        4600,
		Duration:       3600,
		ResumePosition: 600,
		PlayURL:        "http://10.0.0.5:8080/play?id=EP100",
		CmdURL:         "http://10.0.0.5:8080/cmd?id=EP100",
	})
	require.NoError(t, err)
	env.syncer.progress[epID] = 600
	return epID
}

func (env *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(env.srv.URL + path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, body
}

func (env *testEnv) send(t *testing.T, method, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, out
}

func TestEpisodeResponseRewritesPlayURL(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)

	resp, body := env.get(t, fmt.Sprintf("/api/episodes/%d", epID))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ep episodeJSON
	require.NoError(t, json.Unmarshal(body, &ep))
	assert.Equal(t, fmt.Sprintf("/stream/%d/stream.m3u8", epID), ep.PlayURL)
	assert.Equal(t, "http://10.0.0.5:8080/play?id=EP100", ep.SourceURL)
	assert.Equal(t, int64(10), ep.ResumeMinutes)
}

func TestEpisodeResponsePresentsWatchedAsFullRuntime(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)

	ctx := context.Background()
	require.NoError(t, env.store.UpdateProgress(ctx, epID, 0, true))

	resp, body := env.get(t, fmt.Sprintf("/api/episodes/%d", epID))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The store keeps watched rows at position 0; the response reports the
	// full runtime so clients render them fully played.
	var ep episodeJSON
	require.NoError(t, json.Unmarshal(body, &ep))
	assert.True(t, ep.Watched)
	assert.Equal(t, int64(3600), ep.ResumePosition)
	assert.Equal(t, int64(60), ep.ResumeMinutes)
}

func TestEpisodeNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.get(t, "/api/episodes/9999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.get(t, "/api/episodes/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEpisodes(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)
	ep, err := env.store.GetEpisode(context.Background(), epID)
	require.NoError(t, err)

	resp, body := env.get(t, fmt.Sprintf("/api/series/%d/episodes", ep.SeriesRowID))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []episodeJSON
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Glacier Bay", list[0].EpisodeTitle)
}

func TestPlaylistRequestStartsTranscode(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.engine.dir, "stream.m3u8"), []byte("#EXTM3U\n"), 0o644))

	resp, body := env.get(t, fmt.Sprintf("/stream/%d/stream.m3u8", epID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.apple.mpegurl", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "#EXTM3U")
	assert.Equal(t, []int64{epID}, env.engine.starts)
}

func TestSegmentRequestDoesNotStartTranscode(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.engine.dir, "segment0000.ts"), []byte("tsdata"), 0o644))

	resp, _ := env.get(t, fmt.Sprintf("/stream/%d/segment0000.ts", epID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Empty(t, env.engine.starts)
}

func TestStreamErrorTranslation(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)

	env.engine.startErr = apperr.E(apperr.TranscodeStartupTimeout, "no playlist within 15s")
	resp, _ := env.get(t, fmt.Sprintf("/stream/%d/stream.m3u8", epID))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = env.get(t, "/stream/9999/stream.m3u8")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProgressUpdate(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)

	resp, _ := env.send(t, http.MethodPut, fmt.Sprintf("/api/episodes/%d/progress", epID),
		map[string]any{"position": 900, "watched": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(900), env.syncer.progress[epID])

	resp, _ = env.send(t, http.MethodPut, fmt.Sprintf("/api/episodes/%d/progress", epID),
		map[string]any{"position": -5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.send(t, http.MethodPut, "/api/episodes/9999/progress",
		map[string]any{"position": 10})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteEpisode(t *testing.T) {
	env := newTestEnv(t)
	epID := env.seedEpisode(t)

	resp, _ := env.send(t, http.MethodDelete, fmt.Sprintf("/api/episodes/%d", epID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []int64{epID}, env.syncer.deleted)
}

func TestLiveWatchFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.send(t, http.MethodPost, "/live/watch",
		map[string]string{"channel": "8.1", "client_id": "c1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "AAAA1111-tuner-0", out["tuner_id"])
	assert.Equal(t, "/live/AAAA1111-tuner-0/playlist.m3u8", out["playlist_url"])

	resp, _ = env.send(t, http.MethodPost, "/live/heartbeat", map[string]string{"client_id": "c1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.send(t, http.MethodPost, "/live/stop", map[string]string{"client_id": "c1"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.send(t, http.MethodPost, "/live/heartbeat", map[string]string{"client_id": "c1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveWatchNoTuners(t *testing.T) {
	env := newTestEnv(t)
	env.alloc.watchErr = apperr.E(apperr.NoTunersAvailable, "no tuner can serve channel 8.1")

	resp, _ := env.send(t, http.MethodPost, "/live/watch",
		map[string]string{"channel": "8.1", "client_id": "c1"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLiveFileServing(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(env.engine.dir, "playlist.m3u8"), []byte("#EXTM3U\n"), 0o644))

	resp, _ := env.get(t, "/live/AAAA1111-tuner-0/playlist.m3u8")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.get(t, "/live/AAAA1111-tuner-0/missing.ts")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiscoverBusy(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.send(t, http.MethodPost, "/api/discover", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.disc.busy = true
	resp, _ = env.send(t, http.MethodPost, "/api/discover", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.engine.jobs[7] = transcode.JobStatus{EpisodeID: 7, State: transcode.StateTranscoding}
	env.alloc.tuners = []livetv.Tuner{
		{ID: "AAAA1111-tuner-0", State: livetv.StateActive, ViewerCount: 2},
		{ID: "AAAA1111-tuner-1", State: livetv.StateIdle},
	}

	resp, body := env.get(t, "/api/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, float64(1), out["active_transcodes"])
	assert.Equal(t, float64(2), out["live_viewers"])
}

func TestLineupMergesAppliances(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	disc := &fakeDisc{apps: []discovery.Appliance{
		{DeviceID: "AAAA1111", BaseURL: "http://10.0.0.5"},
		{DeviceID: "BBBB2222", BaseURL: "http://10.0.0.6"},
	}}
	s := New(config.Snapshot{}, Deps{
		Store:     st,
		Engine:    &fakeEngine{jobs: map[int64]transcode.JobStatus{}},
		Allocator: &fakeAllocator{clients: map[string]bool{}},
		Worker:    &fakeLiveWorker{},
		Syncer:    &fakeSyncer{progress: map[int64]int64{}},
		Plane:     &fakePlane{},
		Discovery: disc,
	})
	s.lineupFn = func(ctx context.Context, baseURL string) ([]appliance.LineupEntry, error) {
		if baseURL == "http://10.0.0.5" {
			return []appliance.LineupEntry{
				{GuideNumber: "8.1", GuideName: "WGAL"},
				{GuideNumber: "11.1", GuideName: "WPMT"},
			}, nil
		}
		return []appliance.LineupEntry{
			{GuideNumber: "8.1", GuideName: "WGAL-dup"},
			{GuideNumber: "2.1", GuideName: "WBAL"},
		}, nil
	}
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/lineup.json")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []lineupEntry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "2.1", entries[0].GuideNumber)
	assert.Equal(t, "8.1", entries[1].GuideNumber)
	assert.Equal(t, "11.1", entries[2].GuideNumber)
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.plane.rules = []store.RecordingRule{{RecordingRuleID: "r1", SeriesID: "C111"}}

	resp, body := env.get(t, "/api/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rules []store.RecordingRule
	require.NoError(t, json.Unmarshal(body, &rules))
	assert.Len(t, rules, 1)

	resp, _ = env.send(t, http.MethodPost, "/api/rules", map[string]any{"series_id": "C999", "priority": 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, env.plane.added, 1)
	assert.Equal(t, "C999", env.plane.added[0].SeriesID)

	resp, _ = env.send(t, http.MethodPost, "/api/rules", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.send(t, http.MethodDelete, "/api/rules/r1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.get(t, "/api/guide/search?q=")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackfillEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seedEpisode(t)

	resp, body := env.send(t, http.MethodPost, "/api/transcodes/backfill", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var out map[string]int
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out["queued"])

	resp, body = env.get(t, "/api/transcodes/backfill")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status transcode.BackfillStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Running)
	assert.Equal(t, 1, status.Total)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
