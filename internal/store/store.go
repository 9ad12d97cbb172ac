// Package store provides SQLite persistence for appliances, the recording
// catalog, the guide cache, recording rules and the tuner mirror.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

// Store wraps the database handle. One instance per process, injected into
// the components that need it.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite store and runs migrations. WAL mode and
// busy_timeout are set through the DSN so they apply to every pooled
// connection.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	// Reconcile aggregates for rows that pre-date the triggers.
	if err := s.RecalcSeriesAggregates(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("recalculate series aggregates: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL UNIQUE,
		ip TEXT NOT NULL,
		base_url TEXT NOT NULL,
		friendly_name TEXT NOT NULL DEFAULT '',
		model_number TEXT NOT NULL DEFAULT '',
		device_auth TEXT NOT NULL DEFAULT '',
		storage_url TEXT NOT NULL DEFAULT '',
		tuner_count INTEGER NOT NULL DEFAULT 0,
		total_space INTEGER NOT NULL DEFAULT 0,
		free_space INTEGER NOT NULL DEFAULT 0,
		online INTEGER NOT NULL DEFAULT 1,
		last_seen TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS series (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id INTEGER NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		series_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		episodes_url TEXT NOT NULL DEFAULT '',
		episode_count INTEGER NOT NULL DEFAULT 0,
		total_duration INTEGER NOT NULL DEFAULT 0,
		first_recorded INTEGER,
		last_recorded INTEGER,
		UNIQUE (device_id, series_id)
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		series_id INTEGER NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		program_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		episode_title TEXT NOT NULL DEFAULT '',
		episode_number TEXT NOT NULL DEFAULT '',
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		synopsis TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		channel_name TEXT NOT NULL DEFAULT '',
		channel_number TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL DEFAULT 0,
		end_time INTEGER NOT NULL DEFAULT 0,
		duration INTEGER NOT NULL DEFAULT 0,
		original_airdate INTEGER NOT NULL DEFAULT 0,
		record_start_time INTEGER NOT NULL DEFAULT 0,
		record_end_time INTEGER NOT NULL DEFAULT 0,
		record_success INTEGER NOT NULL DEFAULT 1,
		resume_position INTEGER NOT NULL DEFAULT 0 CHECK (resume_position >= 0),
		watched INTEGER NOT NULL DEFAULT 0,
		filename TEXT NOT NULL DEFAULT '',
		play_url TEXT NOT NULL DEFAULT '',
		cmd_url TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		UNIQUE (series_id, program_id),
		CHECK (end_time >= start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_episodes_series ON episodes(series_id, start_time);

	CREATE TABLE IF NOT EXISTS guide_channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		guide_number TEXT NOT NULL UNIQUE,
		guide_name TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		last_updated INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS guide_programs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL REFERENCES guide_channels(id) ON DELETE CASCADE,
		series_id TEXT NOT NULL DEFAULT '',
		program_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		episode_title TEXT NOT NULL DEFAULT '',
		synopsis TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		UNIQUE (channel_id, series_id, start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_guide_programs_window ON guide_programs(start_time, end_time);

	CREATE TABLE IF NOT EXISTS recording_rules (
		recording_rule_id TEXT PRIMARY KEY,
		series_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		synopsis TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		channel_only TEXT NOT NULL DEFAULT '',
		team_only TEXT NOT NULL DEFAULT '',
		recent_only INTEGER NOT NULL DEFAULT 0,
		after_original_airdate_only INTEGER NOT NULL DEFAULT 0,
		date_time_only INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		start_padding INTEGER NOT NULL DEFAULT 0,
		end_padding INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS live_tuners (
		device_id TEXT NOT NULL,
		tuner_index INTEGER NOT NULL,
		state TEXT NOT NULL DEFAULT 'idle' CHECK (state IN ('idle','active','cooldown','offline')),
		channel TEXT NOT NULL DEFAULT '',
		viewer_count INTEGER NOT NULL DEFAULT 0,
		last_accessed TEXT,
		PRIMARY KEY (device_id, tuner_index)
	);

	CREATE TABLE IF NOT EXISTS live_viewers (
		client_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		tuner_index INTEGER NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		last_heartbeat TEXT NOT NULL
	);

	CREATE TRIGGER IF NOT EXISTS episodes_aggregate_insert AFTER INSERT ON episodes BEGIN
		UPDATE series SET
			episode_count = (SELECT COUNT(*) FROM episodes WHERE series_id = NEW.series_id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_id = NEW.series_id),
			first_recorded = (SELECT MIN(start_time) FROM episodes WHERE series_id = NEW.series_id),
			last_recorded = (SELECT MAX(start_time) FROM episodes WHERE series_id = NEW.series_id)
		WHERE id = NEW.series_id;
	END;

	CREATE TRIGGER IF NOT EXISTS episodes_aggregate_update AFTER UPDATE ON episodes BEGIN
		UPDATE series SET
			episode_count = (SELECT COUNT(*) FROM episodes WHERE series_id = NEW.series_id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_id = NEW.series_id),
			first_recorded = (SELECT MIN(start_time) FROM episodes WHERE series_id = NEW.series_id),
			last_recorded = (SELECT MAX(start_time) FROM episodes WHERE series_id = NEW.series_id)
		WHERE id = NEW.series_id;
		UPDATE series SET
			episode_count = (SELECT COUNT(*) FROM episodes WHERE series_id = OLD.series_id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_id = OLD.series_id),
			first_recorded = (SELECT MIN(start_time) FROM episodes WHERE series_id = OLD.series_id),
			last_recorded = (SELECT MAX(start_time) FROM episodes WHERE series_id = OLD.series_id)
		WHERE id = OLD.series_id AND OLD.series_id != NEW.series_id;
	END;

	CREATE TRIGGER IF NOT EXISTS episodes_aggregate_delete AFTER DELETE ON episodes BEGIN
		UPDATE series SET
			episode_count = (SELECT COUNT(*) FROM episodes WHERE series_id = OLD.series_id),
			total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE series_id = OLD.series_id),
			first_recorded = (SELECT MIN(start_time) FROM episodes WHERE series_id = OLD.series_id),
			last_recorded = (SELECT MAX(start_time) FROM episodes WHERE series_id = OLD.series_id)
		WHERE id = OLD.series_id;
	END;
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecalcSeriesAggregates rebuilds the derived series columns from the
// episodes table in one statement.
func (s *Store) RecalcSeriesAggregates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	UPDATE series SET
		episode_count = (SELECT COUNT(*) FROM episodes WHERE episodes.series_id = series.id),
		total_duration = (SELECT COALESCE(SUM(duration), 0) FROM episodes WHERE episodes.series_id = series.id),
		first_recorded = (SELECT MIN(start_time) FROM episodes WHERE episodes.series_id = series.id),
		last_recorded = (SELECT MAX(start_time) FROM episodes WHERE episodes.series_id = series.id)
	`)
	return err
}
