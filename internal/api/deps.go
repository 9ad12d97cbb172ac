package api

import (
	"context"

	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/guide"
	"github.com/hdhub/hdhub/internal/livetv"
	"github.com/hdhub/hdhub/internal/store"
	"github.com/hdhub/hdhub/internal/transcode"
)

// The server depends on component behavior, not concrete types, so tests
// can substitute fakes for everything that spawns processes or touches
// the network. The store is concrete; tests run it on a temp file.

type Store = *store.Store

// TranscodeEngine is the recorded-playback cache.
type TranscodeEngine interface {
	StartTranscode(ctx context.Context, episodeID int64, upstreamURL string, mode transcode.Mode, meta transcode.Metadata) (string, error)
	FilePath(ctx context.Context, episodeID int64, filename string) (string, error)
	Status(episodeID int64) (transcode.JobStatus, error)
	Jobs() []transcode.JobStatus
	DeleteTranscode(episodeID int64, cause string) error
	StartBackfill(ctx context.Context, items []transcode.BackfillItem) error
	BackfillStatus() transcode.BackfillStatus
}

// LiveAllocator binds viewers to tuners.
type LiveAllocator interface {
	Watch(ctx context.Context, channel, clientID string) (livetv.WatchResult, error)
	Heartbeat(clientID string) bool
	Release(clientID string) bool
	Tuners() []livetv.Tuner
}

// LiveWorker serves live HLS files.
type LiveWorker interface {
	FilePath(ctx context.Context, tunerID, filename string) (string, error)
}

// CatalogSyncer handles progress and deletion write paths.
type CatalogSyncer interface {
	UpdateProgress(ctx context.Context, episodeID int64, position int64, watched bool) error
	DeleteEpisode(ctx context.Context, episodeID int64, allowRerecord bool) error
}

// GuidePlane fronts the cloud guide and rule cache.
type GuidePlane interface {
	Guide(ctx context.Context) ([]guide.ChannelGuide, error)
	Now(ctx context.Context) ([]guide.NowPlaying, error)
	Search(ctx context.Context, q, guideNumber string, limit int) ([]store.GuideProgram, error)
	Rules(ctx context.Context) ([]store.RecordingRule, error)
	AddRule(ctx context.Context, cmd guide.RuleCommand) error
	ChangeRule(ctx context.Context, cmd guide.RuleCommand) error
	DeleteRule(ctx context.Context, ruleID string) error
}

// DiscoveryRunner triggers passes and exposes the appliance set.
type DiscoveryRunner interface {
	Run(ctx context.Context) error
	Snapshot() []discovery.Appliance
}
