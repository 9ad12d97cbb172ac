package guide

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/metrics"
	"github.com/hdhub/hdhub/internal/store"
)

const (
	freshnessWindow = 15 * time.Minute
	guideWindow     = 24 * time.Hour
	searchWindow    = 7 * 24 * time.Hour
)

// cloud is the slice of the cloud client the plane uses.
type cloud interface {
	ListRules(ctx context.Context, deviceAuth string) ([]CloudRule, error)
	PostRule(ctx context.Context, deviceAuth string, cmd RuleCommand) error
	FetchGuide(ctx context.Context, deviceAuth string, start time.Time, duration time.Duration, channel string) ([]CloudChannel, error)
}

// Plane maintains the local guide cache and brokers rule mutations.
type Plane struct {
	store    *store.Store
	cloud    cloud
	snapshot func() []discovery.Appliance
	log      zerolog.Logger

	authMu sync.Mutex
	auth   string

	sf singleflight.Group

	// Swappable for tests.
	refreshAuthFn func(ctx context.Context) (string, error)
	ruleSyncFn    func(ctx context.Context, baseURL string) error
}

// NewPlane builds the plane. snapshot provides the current appliance set
// for credential refresh and rule fan-out.
func NewPlane(st *store.Store, cl *CloudClient, snapshot func() []discovery.Appliance) *Plane {
	p := &Plane{
		store:    st,
		cloud:    cl,
		snapshot: snapshot,
		log:      log.WithComponent("guide"),
	}
	p.refreshAuthFn = p.fetchAuthFromAppliances
	p.ruleSyncFn = func(ctx context.Context, baseURL string) error {
		return appliance.New(baseURL).TriggerRuleSync(ctx)
	}
	return p
}

// fetchAuthFromAppliances re-reads discover.json until a DeviceAuth token
// turns up, persisting it on the owning device row.
func (p *Plane) fetchAuthFromAppliances(ctx context.Context) (string, error) {
	for _, app := range p.snapshot() {
		info, err := appliance.New(app.BaseURL).Discover(ctx)
		if err != nil || info.DeviceAuth == "" {
			continue
		}
		if err := p.store.UpdateDeviceAuth(ctx, info.DeviceID, info.DeviceAuth); err != nil {
			p.log.Warn().Err(err).Str("device_id", info.DeviceID).Msg("persist refreshed auth")
		}
		return info.DeviceAuth, nil
	}
	return "", apperr.E(apperr.AuthExpired, "no appliance yielded a DeviceAuth token")
}

func (p *Plane) deviceAuth(ctx context.Context, force bool) (string, error) {
	p.authMu.Lock()
	cached := p.auth
	p.authMu.Unlock()
	if cached != "" && !force {
		return cached, nil
	}

	token, err := p.refreshAuthFn(ctx)
	if err != nil {
		return "", err
	}
	p.authMu.Lock()
	p.auth = token
	p.authMu.Unlock()
	return token, nil
}

// withAuth runs fn with a DeviceAuth token, refreshing and retrying
// exactly once when the cloud rejects it.
func (p *Plane) withAuth(ctx context.Context, fn func(auth string) error) error {
	token, err := p.deviceAuth(ctx, false)
	if err != nil {
		return err
	}
	err = fn(token)
	if !apperr.Is(err, apperr.AuthExpired) {
		return err
	}

	metrics.CloudRetryTotal.Inc()
	p.log.Info().Msg("cloud rejected DeviceAuth, refreshing and retrying")
	token, err = p.deviceAuth(ctx, true)
	if err != nil {
		return err
	}
	return fn(token)
}

// Refresh pulls the next 24 hours for the whole lineup into the cache.
// Concurrent callers share one fetch.
func (p *Plane) Refresh(ctx context.Context) error {
	_, err, _ := p.sf.Do("refresh", func() (any, error) {
		return nil, p.refresh(ctx)
	})
	return err
}

func (p *Plane) refresh(ctx context.Context) error {
	var channels []CloudChannel
	err := p.withAuth(ctx, func(auth string) error {
		var ferr error
		channels, ferr = p.cloud.FetchGuide(ctx, auth, time.Now(), guideWindow, "")
		return ferr
	})
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	var programs int
	for _, ch := range channels {
		channelID, err := p.store.UpsertGuideChannel(ctx, store.GuideChannel{
			GuideNumber: ch.GuideNumber,
			GuideName:   ch.GuideName,
			ImageURL:    ch.ImageURL,
			LastUpdated: now,
		})
		if err != nil {
			return err
		}

		batch := make([]store.GuideProgram, 0, len(ch.Guide))
		for _, prog := range ch.Guide {
			batch = append(batch, store.GuideProgram{
				SeriesID:     prog.SeriesID,
				ProgramID:    prog.ProgramID,
				Title:        prog.Title,
				EpisodeTitle: prog.EpisodeTitle,
				Synopsis:     prog.Synopsis,
				ImageURL:     prog.ImageURL,
				StartTime:    prog.StartTime,
				EndTime:      prog.EndTime,
			})
		}
		if err := p.store.InsertGuidePrograms(ctx, channelID, batch); err != nil {
			return err
		}
		programs += len(batch)
	}

	// Airings that ended more than a week ago only cost space.
	if _, err := p.store.PruneGuidePrograms(ctx, time.Now().Add(-searchWindow).Unix()); err != nil {
		p.log.Warn().Err(err).Msg("prune stale guide programs")
	}

	p.log.Info().Int("channels", len(channels)).Int("programs", programs).Msg("guide refreshed")
	return nil
}

// EnsureFresh refreshes the cache when the newest channel data is stale.
func (p *Plane) EnsureFresh(ctx context.Context) error {
	latest, err := p.store.LatestChannelUpdate(ctx)
	if err != nil {
		return err
	}
	if time.Unix(latest, 0).After(time.Now().Add(-freshnessWindow)) {
		return nil
	}
	return p.Refresh(ctx)
}

// ChannelGuide is a channel with its programs in a window.
type ChannelGuide struct {
	Channel  store.GuideChannel   `json:"channel"`
	Programs []store.GuideProgram `json:"programs"`
}

// Guide returns the next 24 hours grouped by channel, refreshing first if
// the cache is stale.
func (p *Plane) Guide(ctx context.Context) ([]ChannelGuide, error) {
	if err := p.EnsureFresh(ctx); err != nil {
		p.log.Warn().Err(err).Msg("guide refresh failed, serving cached data")
	}

	channels, err := p.store.ListGuideChannels(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	horizon := time.Now().Add(guideWindow).Unix()

	out := make([]ChannelGuide, 0, len(channels))
	for _, ch := range channels {
		programs, err := p.store.GuideProgramsInWindow(ctx, ch.ID, now, horizon)
		if err != nil {
			return nil, err
		}
		out = append(out, ChannelGuide{Channel: ch, Programs: programs})
	}
	return out, nil
}

// Search matches q case-insensitively against title, episode title and
// synopsis within a 7-day forward window, optionally on one channel.
func (p *Plane) Search(ctx context.Context, q, guideNumber string, limit int) ([]store.GuideProgram, error) {
	if q == "" {
		return nil, apperr.E(apperr.InvalidArgument, "empty search query")
	}
	if limit <= 0 {
		limit = 50
	}
	if err := p.EnsureFresh(ctx); err != nil {
		p.log.Warn().Err(err).Msg("guide refresh failed, searching cached data")
	}

	var channelID int64
	if guideNumber != "" {
		channels, err := p.store.ListGuideChannels(ctx)
		if err != nil {
			return nil, err
		}
		for _, ch := range channels {
			if ch.GuideNumber == guideNumber {
				channelID = ch.ID
				break
			}
		}
		if channelID == 0 {
			return nil, apperr.E(apperr.NotFound, "unknown channel %s", guideNumber)
		}
	}

	now := time.Now().Unix()
	horizon := time.Now().Add(searchWindow).Unix()
	programs, err := p.store.AllGuideProgramsInWindow(ctx, channelID, now, horizon)
	if err != nil {
		return nil, err
	}

	fold := cases.Fold()
	needle := fold.String(q)
	matches := make([]store.GuideProgram, 0, limit)
	for _, prog := range programs {
		haystack := fold.String(prog.Title + " " + prog.EpisodeTitle + " " + prog.Synopsis)
		if strings.Contains(haystack, needle) {
			matches = append(matches, prog)
			if len(matches) == limit {
				break
			}
		}
	}
	return matches, nil
}

// NowPlaying pairs each channel with its current airing.
type NowPlaying struct {
	Channel store.GuideChannel  `json:"channel"`
	Program *store.GuideProgram `json:"program,omitempty"`
}

// Now returns the airing in progress on every channel.
func (p *Plane) Now(ctx context.Context) ([]NowPlaying, error) {
	if err := p.EnsureFresh(ctx); err != nil {
		p.log.Warn().Err(err).Msg("guide refresh failed, serving cached data")
	}

	channels, err := p.store.ListGuideChannels(ctx)
	if err != nil {
		return nil, err
	}
	current, err := p.store.GuideNow(ctx, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	out := make([]NowPlaying, 0, len(channels))
	for _, ch := range channels {
		entry := NowPlaying{Channel: ch}
		if prog, ok := current[ch.ID]; ok {
			entry.Program = &prog
		}
		out = append(out, entry)
	}
	return out, nil
}

// RunPeriodic refreshes the guide until ctx ends. interval is consulted
// before every wait so a reloaded cadence applies without a restart.
func (p *Plane) RunPeriodic(ctx context.Context, interval func() time.Duration) {
	for {
		d := interval()
		if d <= 0 {
			d = 12 * time.Hour
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := p.Refresh(ctx); err != nil {
				p.log.Error().Err(err).Msg("periodic guide refresh")
			}
		}
	}
}
