package catalog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/store"
)

type fakeDVR struct {
	mu         sync.Mutex
	series     []appliance.SeriesRecord
	episodes   map[string][]appliance.EpisodeRecord
	resumes    map[string]uint32
	deletes    []string
	deleteErr  error
	setResumes int
}

func (f *fakeDVR) Series(ctx context.Context, storageURL string) ([]appliance.SeriesRecord, error) {
	return f.series, nil
}

func (f *fakeDVR) Episodes(ctx context.Context, episodesURL string) ([]appliance.EpisodeRecord, error) {
	return f.episodes[episodesURL], nil
}

func (f *fakeDVR) SetResume(ctx context.Context, cmdURL string, resume uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumes == nil {
		f.resumes = make(map[string]uint32)
	}
	f.resumes[cmdURL] = resume
	f.setResumes++
	return nil
}

func (f *fakeDVR) DeleteRecording(ctx context.Context, cmdURL string, allowRerecord bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, cmdURL)
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	deleted []int64
}

func (f *fakeCache) DeleteTranscode(episodeID int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, episodeID)
	return nil
}

func testSyncer(t *testing.T, dvr *fakeDVR) (*Syncer, *store.Store, *fakeCache) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cache := &fakeCache{}
	s := NewSyncer(st, cache)
	s.clientFn = func(baseURL string) dvrClient { return dvr }
	return s, st, cache
}

func dvrAppliance() discovery.Appliance {
	return discovery.Appliance{
		DeviceID:   "1075A2C4",
		IP:         "10.0.0.5",
		BaseURL:    "http://10.0.0.5",
		StorageURL: "http://10.0.0.5/recorded_files.json",
		TunerCount: 4,
	}
}

func TestSync_UpsertsCatalog(t *testing.T) {
	dvr := &fakeDVR{
		series: []appliance.SeriesRecord{
			{SeriesID: "C100", Title: "Nature Hour", EpisodesURL: "http://10.0.0.5/eps/C100"},
		},
		episodes: map[string][]appliance.EpisodeRecord{
			"http://10.0.0.5/eps/C100": {
				{ProgramID: "EP1", Title: "Nature Hour", EpisodeTitle: "Tundra", EpisodeNumber: "S01E04",
					StartTime: 1000, EndTime: 2800, RecordSuccess: 1, Resume: 120,
					PlayURL: "http://10.0.0.5/play/EP1", CmdURL: "http://10.0.0.5/recorded/cmd?id=EP1"},
				{ProgramID: "EP2", EpisodeNumber: "S01E05", StartTime: 5000, EndTime: 6800,
					RecordSuccess: 1, Resume: appliance.ResumeSentinel},
			},
		},
	}
	s, st, _ := testSyncer(t, dvr)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx, []discovery.Appliance{dvrAppliance()}))

	series, err := st.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, 2, series[0].EpisodeCount)
	assert.Equal(t, int64(3600), series[0].TotalDuration)

	eps, err := st.ListEpisodes(ctx, series[0].ID)
	require.NoError(t, err)
	require.Len(t, eps, 2)

	assert.Equal(t, 1, eps[0].Season)
	assert.Equal(t, 4, eps[0].Episode)
	assert.Equal(t, int64(120), eps[0].ResumePosition)
	assert.False(t, eps[0].Watched)

	// The sentinel canonicalizes to position 0 with watched set.
	assert.Equal(t, int64(0), eps[1].ResumePosition)
	assert.True(t, eps[1].Watched)
}

func TestSync_PrunesVanishedEpisodes(t *testing.T) {
	dvr := &fakeDVR{
		series: []appliance.SeriesRecord{
			{SeriesID: "C100", Title: "Nature Hour", EpisodesURL: "http://10.0.0.5/eps/C100"},
		},
		episodes: map[string][]appliance.EpisodeRecord{
			"http://10.0.0.5/eps/C100": {
				{ProgramID: "EP1", StartTime: 1000, EndTime: 2000},
				{ProgramID: "EP2", StartTime: 3000, EndTime: 4000},
			},
		},
	}
	s, st, _ := testSyncer(t, dvr)
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, []discovery.Appliance{dvrAppliance()}))

	// The appliance dropped EP1.
	dvr.episodes["http://10.0.0.5/eps/C100"] = dvr.episodes["http://10.0.0.5/eps/C100"][1:]
	require.NoError(t, s.Sync(ctx, []discovery.Appliance{dvrAppliance()}))

	series, err := st.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, series, 1)
	eps, err := st.ListEpisodes(ctx, series[0].ID)
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "EP2", eps[0].ProgramID)
}

func TestParseEpisodeNumber(t *testing.T) {
	for _, tc := range []struct {
		in      string
		season  int
		episode int
	}{
		{"S01E04", 1, 4},
		{"s2e10", 2, 10},
		{"S10E100", 10, 100},
		{"Episode 4", 0, 0},
		{"", 0, 0},
	} {
		season, episode := ParseEpisodeNumber(tc.in)
		assert.Equal(t, tc.season, season, tc.in)
		assert.Equal(t, tc.episode, episode, tc.in)
	}
}

func seedSyncedEpisode(t *testing.T, s *Syncer, dvr *fakeDVR) int64 {
	t.Helper()
	dvr.series = []appliance.SeriesRecord{
		{SeriesID: "C100", Title: "Nature Hour", EpisodesURL: "http://10.0.0.5/eps/C100"},
	}
	dvr.episodes = map[string][]appliance.EpisodeRecord{
		"http://10.0.0.5/eps/C100": {
			{ProgramID: "EP1", StartTime: 1000, EndTime: 2800, RecordSuccess: 1,
				CmdURL: "http://10.0.0.5/recorded/cmd?id=EP1"},
		},
	}
	ctx := context.Background()
	require.NoError(t, s.Sync(ctx, []discovery.Appliance{dvrAppliance()}))

	series, err := s.store.ListSeries(ctx)
	require.NoError(t, err)
	eps, err := s.store.ListEpisodes(ctx, series[0].ID)
	require.NoError(t, err)
	return eps[0].ID
}

func TestUpdateProgress_MirrorsToAppliance(t *testing.T) {
	dvr := &fakeDVR{}
	s, st, _ := testSyncer(t, dvr)
	epID := seedSyncedEpisode(t, s, dvr)
	ctx := context.Background()

	require.NoError(t, s.UpdateProgress(ctx, epID, 900, false))
	ep, err := st.GetEpisode(ctx, epID)
	require.NoError(t, err)
	assert.Equal(t, int64(900), ep.ResumePosition)
	assert.Equal(t, uint32(900), dvr.resumes["http://10.0.0.5/recorded/cmd?id=EP1"])

	// Watched mirrors the sentinel.
	require.NoError(t, s.UpdateProgress(ctx, epID, 0, true))
	assert.Equal(t, appliance.ResumeSentinel, dvr.resumes["http://10.0.0.5/recorded/cmd?id=EP1"])
}

func TestUpdateProgress_Validation(t *testing.T) {
	dvr := &fakeDVR{}
	s, _, _ := testSyncer(t, dvr)

	err := s.UpdateProgress(context.Background(), 1, -5, false)
	assert.True(t, apperr.Is(err, apperr.InvalidArgument))

	err = s.UpdateProgress(context.Background(), 999, 10, false)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestDeleteEpisode_ApplianceFirst(t *testing.T) {
	dvr := &fakeDVR{}
	s, st, cache := testSyncer(t, dvr)
	epID := seedSyncedEpisode(t, s, dvr)
	ctx := context.Background()

	require.NoError(t, s.DeleteEpisode(ctx, epID, true))
	assert.Equal(t, []string{"http://10.0.0.5/recorded/cmd?id=EP1"}, dvr.deletes)
	assert.Equal(t, []int64{epID}, cache.deleted)

	_, err := st.GetEpisode(ctx, epID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteEpisode_ApplianceFailureAborts(t *testing.T) {
	dvr := &fakeDVR{}
	s, st, cache := testSyncer(t, dvr)
	epID := seedSyncedEpisode(t, s, dvr)
	dvr.deleteErr = apperr.E(apperr.UpstreamUnavailable, "dvr down")
	ctx := context.Background()

	err := s.DeleteEpisode(ctx, epID, false)
	assert.True(t, apperr.Is(err, apperr.UpstreamUnavailable))

	// Nothing local was touched.
	_, gerr := st.GetEpisode(ctx, epID)
	assert.NoError(t, gerr)
	assert.Empty(t, cache.deleted)
}
