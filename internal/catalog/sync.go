// Package catalog synchronizes recording metadata from DVR appliances into
// the relational store and owns the progress and delete write paths.
package catalog

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hdhub/hdhub/internal/appliance"
	"github.com/hdhub/hdhub/internal/apperr"
	"github.com/hdhub/hdhub/internal/discovery"
	"github.com/hdhub/hdhub/internal/log"
	"github.com/hdhub/hdhub/internal/metrics"
	"github.com/hdhub/hdhub/internal/store"
)

// dvrClient is the slice of the appliance client the syncer needs.
type dvrClient interface {
	Series(ctx context.Context, storageURL string) ([]appliance.SeriesRecord, error)
	Episodes(ctx context.Context, episodesURL string) ([]appliance.EpisodeRecord, error)
	SetResume(ctx context.Context, cmdURL string, resume uint32) error
	DeleteRecording(ctx context.Context, cmdURL string, allowRerecord bool) error
}

// CacheInvalidator removes an episode's transcode cache entry.
type CacheInvalidator interface {
	DeleteTranscode(episodeID int64, cause string) error
}

// Syncer pulls the recording catalog from every DVR appliance.
type Syncer struct {
	store *store.Store
	cache CacheInvalidator
	log   zerolog.Logger

	clientFn func(baseURL string) dvrClient
}

// NewSyncer builds a syncer over the given store and transcode cache.
func NewSyncer(st *store.Store, cache CacheInvalidator) *Syncer {
	return &Syncer{
		store: st,
		cache: cache,
		log:   log.WithComponent("catalog"),
		clientFn: func(baseURL string) dvrClient {
			return appliance.New(baseURL)
		},
	}
}

// Sync refreshes devices, series and episodes from a discovery snapshot.
// Per-appliance failures are logged and skipped so one dead DVR does not
// starve the rest of the catalog.
func (s *Syncer) Sync(ctx context.Context, set []discovery.Appliance) error {
	online := make([]string, 0, len(set))
	for _, app := range set {
		online = append(online, app.DeviceID)
	}
	if err := s.store.MarkDevicesOffline(ctx, online); err != nil {
		return err
	}

	for _, app := range set {
		deviceRowID, err := s.store.UpsertDevice(ctx, store.Device{
			DeviceID:     app.DeviceID,
			IP:           app.IP,
			BaseURL:      app.BaseURL,
			FriendlyName: app.FriendlyName,
			ModelNumber:  app.ModelNumber,
			DeviceAuth:   app.DeviceAuth,
			StorageURL:   app.StorageURL,
			TunerCount:   app.TunerCount,
			TotalSpace:   app.TotalSpace,
			FreeSpace:    app.FreeSpace,
		})
		if err != nil {
			return err
		}
		if app.StorageURL == "" {
			continue
		}
		if err := s.syncDevice(ctx, deviceRowID, app); err != nil {
			s.log.Warn().Err(err).Str("device_id", app.DeviceID).Msg("catalog sync skipped appliance")
		}
	}
	return nil
}

func (s *Syncer) syncDevice(ctx context.Context, deviceRowID int64, app discovery.Appliance) error {
	client := s.clientFn(app.BaseURL)

	series, err := client.Series(ctx, app.StorageURL)
	if err != nil {
		return err
	}

	var upserted int64
	for _, sr := range series {
		seriesRowID, err := s.store.UpsertSeries(ctx, store.Series{
			DeviceID:    deviceRowID,
			SeriesID:    sr.SeriesID,
			Title:       sr.Title,
			Category:    sr.Category,
			ImageURL:    sr.ImageURL,
			EpisodesURL: sr.EpisodesURL,
		})
		if err != nil {
			return err
		}

		episodes, err := client.Episodes(ctx, sr.EpisodesURL)
		if err != nil {
			s.log.Warn().Err(err).Str("series_id", sr.SeriesID).Msg("episode list fetch failed")
			continue
		}

		keep := make([]string, 0, len(episodes))
		for _, ep := range episodes {
			keep = append(keep, ep.ProgramID)
			if _, err := s.store.UpsertEpisode(ctx, toEpisodeRow(seriesRowID, ep)); err != nil {
				return err
			}
			upserted++
		}
		if _, err := s.store.PruneEpisodes(ctx, seriesRowID, keep); err != nil {
			return err
		}
	}

	metrics.SyncEpisodesTotal.Add(float64(upserted))
	s.log.Info().Str("device_id", app.DeviceID).Int("series", len(series)).
		Int64("episodes", upserted).Msg("catalog synced")
	return nil
}

// episodePattern extracts season and episode from "SxxEyy" text.
var episodePattern = regexp.MustCompile(`(?i)^S(\d+)E(\d+)$`)

// ParseEpisodeNumber splits "S01E04" into (1, 4). Unparseable text yields
// zeros; the raw string is kept alongside either way.
func ParseEpisodeNumber(text string) (season, episode int) {
	m := episodePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0
	}
	season, _ = strconv.Atoi(m[1])
	episode, _ = strconv.Atoi(m[2])
	return season, episode
}

// toEpisodeRow maps an appliance record to a store row, canonicalizing the
// resume sentinel: 0xFFFFFFFF stores as 0 with watched set.
func toEpisodeRow(seriesRowID int64, ep appliance.EpisodeRecord) store.Episode {
	season, episodeNum := ParseEpisodeNumber(ep.EpisodeNumber)

	resume := int64(ep.Resume)
	watched := false
	if ep.Resume == appliance.ResumeSentinel {
		resume = 0
		watched = true
	}

	return store.Episode{
		SeriesRowID:     seriesRowID,
		ProgramID:       ep.ProgramID,
		Title:           ep.Title,
		EpisodeTitle:    ep.EpisodeTitle,
		EpisodeNumber:   ep.EpisodeNumber,
		Season:          season,
		Episode:         episodeNum,
		Synopsis:        ep.Synopsis,
		ImageURL:        ep.ImageURL,
		ChannelName:     ep.ChannelName,
		ChannelNumber:   ep.ChannelNumber,
		StartTime:       ep.StartTime,
		EndTime:         ep.EndTime,
		Duration:        ep.EndTime - ep.StartTime,
		OriginalAirdate: ep.OriginalAirdate,
		RecordStartTime: ep.RecordStartTime,
		RecordEndTime:   ep.RecordEndTime,
		RecordSuccess:   ep.RecordSuccess != 0,
		ResumePosition:  resume,
		Watched:         watched,
		Filename:        ep.Filename,
		PlayURL:         ep.PlayURL,
		CmdURL:          ep.CmdURL,
	}
}

// UpdateProgress writes the local progress row, then mirrors it to the
// appliance best-effort: a watched episode reports the sentinel upstream.
func (s *Syncer) UpdateProgress(ctx context.Context, episodeID int64, position int64, watched bool) error {
	if position < 0 {
		return apperr.E(apperr.InvalidArgument, "negative resume position %d", position)
	}

	ep, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return mapStoreErr(err, episodeID)
	}
	if err := s.store.UpdateProgress(ctx, episodeID, position, watched); err != nil {
		return mapStoreErr(err, episodeID)
	}

	if ep.CmdURL == "" {
		return nil
	}
	dev, err := s.store.EpisodeDevice(ctx, episodeID)
	if err != nil {
		return nil
	}

	resume := uint32(position)
	if watched {
		resume = appliance.ResumeSentinel
	}
	mirrorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.clientFn(dev.BaseURL).SetResume(mirrorCtx, ep.CmdURL, resume); err != nil {
		s.log.Warn().Err(err).Int64("episode_id", episodeID).Msg("progress mirror failed")
	}
	return nil
}

// DeleteEpisode removes a recording. The appliance delete must succeed
// first; only then are the transcode cache entry and the local row
// dropped.
func (s *Syncer) DeleteEpisode(ctx context.Context, episodeID int64, allowRerecord bool) error {
	ep, err := s.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return mapStoreErr(err, episodeID)
	}

	if ep.CmdURL != "" {
		dev, err := s.store.EpisodeDevice(ctx, episodeID)
		if err != nil {
			return mapStoreErr(err, episodeID)
		}
		if err := s.clientFn(dev.BaseURL).DeleteRecording(ctx, ep.CmdURL, allowRerecord); err != nil {
			return err
		}
	}

	if s.cache != nil {
		if err := s.cache.DeleteTranscode(episodeID, "api"); err != nil && !apperr.Is(err, apperr.NotFound) {
			s.log.Warn().Err(err).Int64("episode_id", episodeID).Msg("cache delete failed")
		}
	}
	if err := s.store.DeleteEpisode(ctx, episodeID); err != nil {
		return mapStoreErr(err, episodeID)
	}
	s.log.Info().Int64("episode_id", episodeID).Bool("rerecord", allowRerecord).Msg("episode deleted")
	return nil
}

func mapStoreErr(err error, episodeID int64) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.E(apperr.NotFound, "episode %d not found", episodeID)
	}
	return err
}
