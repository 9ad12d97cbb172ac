// Package config assembles runtime options from environment variables and
// an optional YAML file. The file overlays the environment; a Snapshot is
// immutable and handed to components at construction.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the resolved configuration for one process lifetime. Fields
// marked reloadable may be updated by the Manager on file change.
type Snapshot struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	DBPath     string `yaml:"db_path"`
	FFmpegPath string `yaml:"ffmpeg_path"`

	// Recorded transcode cache.
	CacheDir                string        `yaml:"cache_dir"`
	SegmentDuration         int           `yaml:"segment_duration"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"` // reloadable
	MaxCacheAge             time.Duration `yaml:"max_cache_age"`    // reloadable
	MaxConcurrentTranscodes int           `yaml:"max_concurrent_transcodes"`
	PlaylistTimeout         time.Duration `yaml:"playlist_timeout"`
	SegmentWaitTimeout      time.Duration `yaml:"segment_wait_timeout"`

	// Live streaming.
	LiveCacheDir        string        `yaml:"live_cache_dir"`
	LiveSegmentDuration int           `yaml:"live_segment_duration"`
	LiveBufferMinutes   int           `yaml:"live_buffer_minutes"`
	ClientHeartbeat     time.Duration `yaml:"client_heartbeat"`
	MissedHeartbeats    int           `yaml:"missed_heartbeats"`
	TunerCooldown       time.Duration `yaml:"tuner_cooldown"`
	MaxViewersPerTuner  int           `yaml:"max_viewers_per_tuner"`

	// Discovery and cloud plane.
	DiscoveryInterval    time.Duration `yaml:"discovery_interval"` // reloadable
	CloudBaseURL         string        `yaml:"cloud_base_url"`
	GuideRefreshInterval time.Duration `yaml:"guide_refresh_interval"` // reloadable

	LogLevel string `yaml:"log_level"`
}

// FromEnv builds a Snapshot from HDHUB_* environment variables, then applies
// the YAML file named by HDHUB_CONFIG when present.
func FromEnv() (Snapshot, error) {
	dataDir := ParseString("HDHUB_DATA_DIR", "./data")

	snap := Snapshot{
		ListenAddr: ParseString("HDHUB_LISTEN", ":8080"),
		DataDir:    dataDir,
		DBPath:     ParseString("HDHUB_DB_PATH", dataDir+"/hdhub.db"),
		FFmpegPath: ParseString("HDHUB_FFMPEG_PATH", "ffmpeg"),

		CacheDir:                ParseString("HDHUB_CACHE_DIR", dataDir+"/transcode"),
		SegmentDuration:         ParseInt("HDHUB_SEGMENT_DURATION", 4),
		CleanupInterval:         ParseDuration("HDHUB_CLEANUP_INTERVAL", time.Hour),
		MaxCacheAge:             ParseDuration("HDHUB_MAX_CACHE_AGE", 30*24*time.Hour),
		MaxConcurrentTranscodes: ParseInt("HDHUB_MAX_CONCURRENT_TRANSCODES", 2),
		PlaylistTimeout:         ParseDuration("HDHUB_PLAYLIST_TIMEOUT", 15*time.Second),
		SegmentWaitTimeout:      ParseDuration("HDHUB_SEGMENT_WAIT_TIMEOUT", 5*time.Second),

		LiveCacheDir:        ParseString("HDHUB_LIVE_CACHE_DIR", dataDir+"/live"),
		LiveSegmentDuration: ParseInt("HDHUB_LIVE_SEGMENT_DURATION", 6),
		LiveBufferMinutes:   ParseInt("HDHUB_LIVE_BUFFER_MINUTES", 60),
		ClientHeartbeat:     ParseDuration("HDHUB_CLIENT_HEARTBEAT", 30*time.Second),
		MissedHeartbeats:    ParseInt("HDHUB_MISSED_HEARTBEATS", 2),
		TunerCooldown:       ParseDuration("HDHUB_TUNER_COOLDOWN", 5*time.Minute),
		MaxViewersPerTuner:  ParseInt("HDHUB_MAX_VIEWERS_PER_TUNER", 10),

		DiscoveryInterval:    ParseDuration("HDHUB_DISCOVERY_INTERVAL", 10*time.Minute),
		CloudBaseURL:         ParseString("HDHUB_CLOUD_BASE_URL", "https://api.hdhomerun.com"),
		GuideRefreshInterval: ParseDuration("HDHUB_GUIDE_REFRESH_INTERVAL", 12*time.Hour),

		LogLevel: ParseString("HDHUB_LOG_LEVEL", "info"),
	}

	if path := os.Getenv("HDHUB_CONFIG"); path != "" {
		if err := snap.applyFile(path); err != nil {
			return Snapshot{}, err
		}
	}

	if err := snap.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *Snapshot) applyFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values that would break component invariants.
func (s *Snapshot) Validate() error {
	if s.SegmentDuration <= 0 {
		return fmt.Errorf("segment_duration must be positive, got %d", s.SegmentDuration)
	}
	if s.MaxConcurrentTranscodes <= 0 {
		return fmt.Errorf("max_concurrent_transcodes must be positive, got %d", s.MaxConcurrentTranscodes)
	}
	if s.MaxViewersPerTuner <= 0 {
		return fmt.Errorf("max_viewers_per_tuner must be positive, got %d", s.MaxViewersPerTuner)
	}
	if s.MissedHeartbeats <= 0 {
		return fmt.Errorf("missed_heartbeats must be positive, got %d", s.MissedHeartbeats)
	}
	if s.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	return nil
}
