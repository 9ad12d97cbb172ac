package store

import (
	"context"
	"time"
)

// Series is a persisted recorded-series row. The aggregate columns are
// maintained by triggers on the episodes table.
type Series struct {
	ID            int64
	DeviceID      int64
	SeriesID      string
	Title         string
	Category      string
	ImageURL      string
	EpisodesURL   string
	EpisodeCount  int
	TotalDuration int64
	FirstRecorded int64
	LastRecorded  int64
}

// Episode is a persisted recording row. Times are unix seconds, durations
// seconds.
type Episode struct {
	ID              int64
	SeriesRowID     int64
	ProgramID       string
	Title           string
	EpisodeTitle    string
	EpisodeNumber   string
	Season          int
	Episode         int
	Synopsis        string
	ImageURL        string
	ChannelName     string
	ChannelNumber   string
	StartTime       int64
	EndTime         int64
	Duration        int64
	OriginalAirdate int64
	RecordStartTime int64
	RecordEndTime   int64
	RecordSuccess   bool
	ResumePosition  int64
	Watched         bool
	Filename        string
	PlayURL         string
	CmdURL          string
}

// UpsertSeries inserts or refreshes a series row and returns the row id.
// Aggregate columns are never written here.
func (s *Store) UpsertSeries(ctx context.Context, sr Series) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO series (device_id, series_id, title, category, image_url, episodes_url)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (device_id, series_id) DO UPDATE SET
		title = excluded.title,
		category = excluded.category,
		image_url = excluded.image_url,
		episodes_url = excluded.episodes_url
	RETURNING id
	`, sr.DeviceID, sr.SeriesID, sr.Title, sr.Category, sr.ImageURL, sr.EpisodesURL).Scan(&id)
	return id, err
}

// UpsertEpisode inserts or refreshes an episode row keyed by
// (series row, program id) and returns the row id. Resume position and
// watched flag must already be canonicalized by the caller.
func (s *Store) UpsertEpisode(ctx context.Context, e Episode) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO episodes (series_id, program_id, title, episode_title, episode_number,
		season, episode, synopsis, image_url, channel_name, channel_number,
		start_time, end_time, duration, original_airdate,
		record_start_time, record_end_time, record_success,
		resume_position, watched, filename, play_url, cmd_url, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (series_id, program_id) DO UPDATE SET
		title = excluded.title,
		episode_title = excluded.episode_title,
		episode_number = excluded.episode_number,
		season = excluded.season,
		episode = excluded.episode,
		synopsis = excluded.synopsis,
		image_url = excluded.image_url,
		channel_name = excluded.channel_name,
		channel_number = excluded.channel_number,
		start_time = excluded.start_time,
		end_time = excluded.end_time,
		duration = excluded.duration,
		original_airdate = excluded.original_airdate,
		record_start_time = excluded.record_start_time,
		record_end_time = excluded.record_end_time,
		record_success = excluded.record_success,
		resume_position = excluded.resume_position,
		watched = excluded.watched,
		filename = excluded.filename,
		play_url = excluded.play_url,
		cmd_url = excluded.cmd_url,
		updated_at = excluded.updated_at
	RETURNING id
	`, e.SeriesRowID, e.ProgramID, e.Title, e.EpisodeTitle, e.EpisodeNumber,
		e.Season, e.Episode, e.Synopsis, e.ImageURL, e.ChannelName, e.ChannelNumber,
		e.StartTime, e.EndTime, e.Duration, e.OriginalAirdate,
		e.RecordStartTime, e.RecordEndTime, boolInt(e.RecordSuccess),
		e.ResumePosition, boolInt(e.Watched), e.Filename, e.PlayURL, e.CmdURL,
		time.Now().UTC().Format(time.RFC3339)).Scan(&id)
	return id, err
}

const seriesCols = `id, device_id, series_id, title, category, image_url, episodes_url,
	episode_count, total_duration, COALESCE(first_recorded, 0), COALESCE(last_recorded, 0)`

const episodeCols = `id, series_id, program_id, title, episode_title, episode_number,
	season, episode, synopsis, image_url, channel_name, channel_number,
	start_time, end_time, duration, original_airdate,
	record_start_time, record_end_time, record_success,
	resume_position, watched, filename, play_url, cmd_url`

// ListSeries returns every series across all online devices, newest
// recording first.
func (s *Store) ListSeries(ctx context.Context) ([]Series, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+seriesCols+` FROM series
	WHERE device_id IN (SELECT id FROM devices WHERE online = 1)
	ORDER BY last_recorded DESC, title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Series
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// GetSeries looks up a series by row id.
func (s *Store) GetSeries(ctx context.Context, id int64) (Series, error) {
	sr, err := scanSeries(s.db.QueryRowContext(ctx,
		`SELECT `+seriesCols+` FROM series WHERE id = ?`, id))
	return sr, mapNoRows(err)
}

// ListEpisodes returns the episodes of a series in broadcast order.
func (s *Store) ListEpisodes(ctx context.Context, seriesRowID int64) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+episodeCols+` FROM episodes
	WHERE series_id = ? ORDER BY start_time, program_id`, seriesRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEpisode looks up an episode by row id.
func (s *Store) GetEpisode(ctx context.Context, id int64) (Episode, error) {
	e, err := scanEpisode(s.db.QueryRowContext(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE id = ?`, id))
	return e, mapNoRows(err)
}

// EpisodeDevice resolves the owning device row for an episode.
func (s *Store) EpisodeDevice(ctx context.Context, episodeID int64) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT d.id, d.device_id, d.ip, d.base_url, d.friendly_name, d.model_number,
		d.device_auth, d.storage_url, d.tuner_count, d.total_space, d.free_space, d.online, d.last_seen
	FROM devices d
	JOIN series s ON s.device_id = d.id
	JOIN episodes e ON e.series_id = s.id
	WHERE e.id = ?`, episodeID)
	d, err := scanDevice(row)
	return d, mapNoRows(err)
}

// UpdateProgress writes the canonical resume position and watched flag.
func (s *Store) UpdateProgress(ctx context.Context, episodeID int64, resume int64, watched bool) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE episodes SET resume_position = ?, watched = ?, updated_at = ?
	WHERE id = ?`, resume, boolInt(watched), time.Now().UTC().Format(time.RFC3339), episodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEpisode removes an episode row. The owning series row survives with
// zeroed aggregates when its last episode goes away.
func (s *Store) DeleteEpisode(ctx context.Context, episodeID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, episodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneEpisodes deletes episodes of the series that are not in the keep set.
// Used by sync to drop recordings removed on the appliance.
func (s *Store) PruneEpisodes(ctx context.Context, seriesRowID int64, keep []string) (int64, error) {
	set := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		set[p] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, program_id FROM episodes WHERE series_id = ?`, seriesRowID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var stale []int64
	for rows.Next() {
		var id int64
		var programID string
		if err := rows.Scan(&id, &programID); err != nil {
			return 0, err
		}
		if _, ok := set[programID]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var removed int64
	for _, id := range stale {
		if err := s.DeleteEpisode(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func scanSeries(row rowScanner) (Series, error) {
	var sr Series
	err := row.Scan(&sr.ID, &sr.DeviceID, &sr.SeriesID, &sr.Title, &sr.Category,
		&sr.ImageURL, &sr.EpisodesURL, &sr.EpisodeCount, &sr.TotalDuration,
		&sr.FirstRecorded, &sr.LastRecorded)
	return sr, err
}

func scanEpisode(row rowScanner) (Episode, error) {
	var e Episode
	var success, watched int
	err := row.Scan(&e.ID, &e.SeriesRowID, &e.ProgramID, &e.Title, &e.EpisodeTitle,
		&e.EpisodeNumber, &e.Season, &e.Episode, &e.Synopsis, &e.ImageURL,
		&e.ChannelName, &e.ChannelNumber, &e.StartTime, &e.EndTime, &e.Duration,
		&e.OriginalAirdate, &e.RecordStartTime, &e.RecordEndTime, &success,
		&e.ResumePosition, &watched, &e.Filename, &e.PlayURL, &e.CmdURL)
	if err != nil {
		return e, err
	}
	e.RecordSuccess = success != 0
	e.Watched = watched != 0
	return e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
