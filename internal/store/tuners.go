package store

import (
	"context"
	"time"
)

// TunerRow is the durable mirror of one tuner's allocation state. The
// in-memory allocator is authoritative while the process runs; this table
// exists so a restart can restore cooldown and offline markings.
type TunerRow struct {
	DeviceID     string
	TunerIndex   int
	State        string
	Channel      string
	ViewerCount  int
	LastAccessed time.Time
}

// ViewerRow is the durable mirror of one live viewer lease.
type ViewerRow struct {
	ClientID      string
	DeviceID      string
	TunerIndex    int
	Channel       string
	LastHeartbeat time.Time
}

// SaveTuner writes one tuner's state.
func (s *Store) SaveTuner(ctx context.Context, t TunerRow) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO live_tuners (device_id, tuner_index, state, channel, viewer_count, last_accessed)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (device_id, tuner_index) DO UPDATE SET
		state = excluded.state,
		channel = excluded.channel,
		viewer_count = excluded.viewer_count,
		last_accessed = excluded.last_accessed
	`, t.DeviceID, t.TunerIndex, t.State, t.Channel, t.ViewerCount,
		t.LastAccessed.UTC().Format(time.RFC3339))
	return err
}

// LoadTuners returns every mirrored tuner row. Rows persisted as active are
// returned as idle: a restart kills every worker process, so no tuner can
// still be streaming.
func (s *Store) LoadTuners(ctx context.Context) ([]TunerRow, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT device_id, tuner_index, state, channel, viewer_count, COALESCE(last_accessed, '')
	FROM live_tuners`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TunerRow
	for rows.Next() {
		var t TunerRow
		var accessed string
		if err := rows.Scan(&t.DeviceID, &t.TunerIndex, &t.State, &t.Channel, &t.ViewerCount, &accessed); err != nil {
			return nil, err
		}
		if accessed != "" {
			t.LastAccessed, _ = time.Parse(time.RFC3339, accessed)
		}
		if t.State == "active" {
			t.State = "idle"
			t.Channel = ""
			t.ViewerCount = 0
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTunersForDevice drops the mirror rows of an appliance that left the
// network.
func (s *Store) DeleteTunersForDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM live_tuners WHERE device_id = ?`, deviceID)
	return err
}

// SaveViewer writes one viewer lease.
func (s *Store) SaveViewer(ctx context.Context, v ViewerRow) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO live_viewers (client_id, device_id, tuner_index, channel, last_heartbeat)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (client_id) DO UPDATE SET
		device_id = excluded.device_id,
		tuner_index = excluded.tuner_index,
		channel = excluded.channel,
		last_heartbeat = excluded.last_heartbeat
	`, v.ClientID, v.DeviceID, v.TunerIndex, v.Channel,
		v.LastHeartbeat.UTC().Format(time.RFC3339))
	return err
}

// DeleteViewer drops one viewer lease.
func (s *Store) DeleteViewer(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM live_viewers WHERE client_id = ?`, clientID)
	return err
}

// ClearViewers empties the viewer mirror. Run at startup: leases never
// survive a restart.
func (s *Store) ClearViewers(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM live_viewers`)
	return err
}
