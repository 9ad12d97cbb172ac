package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	snap, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 4, snap.SegmentDuration)
	assert.Equal(t, 2, snap.MaxConcurrentTranscodes)
	assert.Equal(t, 6, snap.LiveSegmentDuration)
	assert.Equal(t, 10, snap.MaxViewersPerTuner)
	assert.Equal(t, time.Hour, snap.CleanupInterval)
	assert.Equal(t, 30*24*time.Hour, snap.MaxCacheAge)
	assert.Equal(t, 30*time.Second, snap.ClientHeartbeat)
	assert.Equal(t, 2, snap.MissedHeartbeats)
	assert.Equal(t, 5*time.Minute, snap.TunerCooldown)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HDHUB_SEGMENT_DURATION", "6")
	t.Setenv("HDHUB_TUNER_COOLDOWN", "90s")
	t.Setenv("HDHUB_MAX_CONCURRENT_TRANSCODES", "4")

	snap, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 6, snap.SegmentDuration)
	assert.Equal(t, 90*time.Second, snap.TunerCooldown)
	assert.Equal(t, 4, snap.MaxConcurrentTranscodes)
}

func TestFromEnv_InvalidFallsBack(t *testing.T) {
	t.Setenv("HDHUB_SEGMENT_DURATION", "banana")
	snap, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 4, snap.SegmentDuration)
}

func TestFromEnv_FileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segment_duration: 8\ncleanup_interval: 30m\n"), 0o600))
	t.Setenv("HDHUB_CONFIG", path)

	snap, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 8, snap.SegmentDuration)
	assert.Equal(t, 30*time.Minute, snap.CleanupInterval)
}

func TestValidate_RejectsNonPositive(t *testing.T) {
	snap, err := FromEnv()
	require.NoError(t, err)
	snap.MaxConcurrentTranscodes = 0
	assert.Error(t, snap.Validate())
}

func TestManager_ReloadAppliesSweepKnobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cleanup_interval: 1h\n"), 0o600))

	snap, err := FromEnv()
	require.NoError(t, err)

	m := NewManager(snap, path)
	defer m.Close()
	require.NoError(t, m.Watch())

	require.NoError(t, os.WriteFile(path, []byte("cleanup_interval: 10m\nmax_cache_age: 24h\n"), 0o600))

	assert.Eventually(t, func() bool {
		cur := m.Current()
		return cur.CleanupInterval == 10*time.Minute && cur.MaxCacheAge == 24*time.Hour
	}, 3*time.Second, 50*time.Millisecond)
}
