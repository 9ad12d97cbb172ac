package store

import (
	"context"
	"database/sql"
)

// GuideChannel is a persisted guide lineup channel.
type GuideChannel struct {
	ID          int64
	GuideNumber string
	GuideName   string
	ImageURL    string
	LastUpdated int64
}

// GuideProgram is one scheduled airing on a guide channel.
type GuideProgram struct {
	ID           int64
	ChannelID    int64
	SeriesID     string
	ProgramID    string
	Title        string
	EpisodeTitle string
	Synopsis     string
	ImageURL     string
	StartTime    int64
	EndTime      int64
}

// UpsertGuideChannel inserts or refreshes a channel keyed by its guide
// number and returns the row id.
func (s *Store) UpsertGuideChannel(ctx context.Context, c GuideChannel) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO guide_channels (guide_number, guide_name, image_url, last_updated)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (guide_number) DO UPDATE SET
		guide_name = excluded.guide_name,
		image_url = excluded.image_url,
		last_updated = excluded.last_updated
	RETURNING id
	`, c.GuideNumber, c.GuideName, c.ImageURL, c.LastUpdated).Scan(&id)
	return id, err
}

// InsertGuidePrograms stores a batch of airings for one channel. Duplicate
// (channel, series, start) rows are ignored so overlapping guide fetches
// stay idempotent.
func (s *Store) InsertGuidePrograms(ctx context.Context, channelID int64, programs []GuideProgram) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT OR IGNORE INTO guide_programs
		(channel_id, series_id, program_id, title, episode_title, synopsis, image_url, start_time, end_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range programs {
		if _, err := stmt.ExecContext(ctx, channelID, p.SeriesID, p.ProgramID,
			p.Title, p.EpisodeTitle, p.Synopsis, p.ImageURL, p.StartTime, p.EndTime); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListGuideChannels returns the cached lineup ordered by guide number.
func (s *Store) ListGuideChannels(ctx context.Context) ([]GuideChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, guide_number, guide_name, image_url, last_updated
	FROM guide_channels ORDER BY CAST(guide_number AS REAL), guide_number`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuideChannel
	for rows.Next() {
		var c GuideChannel
		if err := rows.Scan(&c.ID, &c.GuideNumber, &c.GuideName, &c.ImageURL, &c.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GuideProgramsInWindow returns a channel's airings overlapping
// [from, to), ordered by start time.
func (s *Store) GuideProgramsInWindow(ctx context.Context, channelID, from, to int64) ([]GuideProgram, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, channel_id, series_id, program_id, title, episode_title, synopsis, image_url, start_time, end_time
	FROM guide_programs
	WHERE channel_id = ? AND end_time > ? AND start_time < ?
	ORDER BY start_time`, channelID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrograms(rows)
}

// AllGuideProgramsInWindow returns every airing overlapping [from, to)
// across channels, optionally restricted to one channel, ordered by start
// time. Text matching happens in the caller, which owns case folding.
func (s *Store) AllGuideProgramsInWindow(ctx context.Context, channelID, from, to int64) ([]GuideProgram, error) {
	query := `
	SELECT id, channel_id, series_id, program_id, title, episode_title, synopsis, image_url, start_time, end_time
	FROM guide_programs
	WHERE end_time > ? AND start_time < ?`
	args := []any{from, to}
	if channelID > 0 {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY start_time`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPrograms(rows)
}

// GuideNow returns the airing in progress on every channel at the given
// instant, keyed by channel row id.
func (s *Store) GuideNow(ctx context.Context, at int64) (map[int64]GuideProgram, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, channel_id, series_id, program_id, title, episode_title, synopsis, image_url, start_time, end_time
	FROM guide_programs
	WHERE start_time <= ? AND end_time > ?`, at, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	programs, err := collectPrograms(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]GuideProgram, len(programs))
	for _, p := range programs {
		out[p.ChannelID] = p
	}
	return out, nil
}

// LatestChannelUpdate returns the newest last_updated across the lineup,
// or zero when the guide cache is empty.
func (s *Store) LatestChannelUpdate(ctx context.Context) (int64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(last_updated), 0) FROM guide_channels`).Scan(&ts)
	return ts, err
}

// PruneGuidePrograms drops airings that ended before the cutoff.
func (s *Store) PruneGuidePrograms(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM guide_programs WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectPrograms(rows *sql.Rows) ([]GuideProgram, error) {
	var out []GuideProgram
	for rows.Next() {
		var p GuideProgram
		if err := rows.Scan(&p.ID, &p.ChannelID, &p.SeriesID, &p.ProgramID,
			&p.Title, &p.EpisodeTitle, &p.Synopsis, &p.ImageURL, &p.StartTime, &p.EndTime); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
