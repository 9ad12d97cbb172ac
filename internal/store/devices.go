package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Device is a persisted appliance row.
type Device struct {
	ID           int64
	DeviceID     string
	IP           string
	BaseURL      string
	FriendlyName string
	ModelNumber  string
	DeviceAuth   string
	StorageURL   string
	TunerCount   int
	TotalSpace   int64
	FreeSpace    int64
	Online       bool
	LastSeen     time.Time
}

// IsDVR reports whether the appliance exposes a recording engine.
func (d Device) IsDVR() bool {
	return d.StorageURL != ""
}

// UpsertDevice inserts or refreshes an appliance row keyed by its hardware
// device id and returns the row id.
func (s *Store) UpsertDevice(ctx context.Context, d Device) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
	INSERT INTO devices (device_id, ip, base_url, friendly_name, model_number,
		device_auth, storage_url, tuner_count, total_space, free_space, online, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	ON CONFLICT (device_id) DO UPDATE SET
		ip = excluded.ip,
		base_url = excluded.base_url,
		friendly_name = excluded.friendly_name,
		model_number = excluded.model_number,
		device_auth = excluded.device_auth,
		storage_url = excluded.storage_url,
		tuner_count = excluded.tuner_count,
		total_space = excluded.total_space,
		free_space = excluded.free_space,
		online = 1,
		last_seen = excluded.last_seen
	RETURNING id
	`, d.DeviceID, d.IP, d.BaseURL, d.FriendlyName, d.ModelNumber,
		d.DeviceAuth, d.StorageURL, d.TunerCount, d.TotalSpace, d.FreeSpace,
		time.Now().UTC().Format(time.RFC3339)).Scan(&id)
	return id, err
}

// UpdateDeviceAuth persists a refreshed credential token.
func (s *Store) UpdateDeviceAuth(ctx context.Context, deviceID, deviceAuth string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET device_auth = ? WHERE device_id = ?`, deviceAuth, deviceID)
	return err
}

// MarkDevicesOffline flags every device not in keep as offline. Rows are
// kept so the catalog stays browsable while an appliance is down.
func (s *Store) MarkDevicesOffline(ctx context.Context, keep []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE devices SET online = 0`); err != nil {
		return err
	}
	for _, deviceID := range keep {
		if _, err := tx.ExecContext(ctx, `UPDATE devices SET online = 1 WHERE device_id = ?`, deviceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetDevice looks up a device by hardware id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT id, device_id, ip, base_url, friendly_name, model_number,
		device_auth, storage_url, tuner_count, total_space, free_space, online, last_seen
	FROM devices WHERE device_id = ?`, deviceID)
	return scanDevice(row)
}

// ListDevices returns every known appliance, online first, then by name.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, device_id, ip, base_url, friendly_name, model_number,
		device_auth, storage_url, tuner_count, total_space, free_space, online, last_seen
	FROM devices ORDER BY online DESC, friendly_name, device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var online int
	var lastSeen string
	err := row.Scan(&d.ID, &d.DeviceID, &d.IP, &d.BaseURL, &d.FriendlyName, &d.ModelNumber,
		&d.DeviceAuth, &d.StorageURL, &d.TunerCount, &d.TotalSpace, &d.FreeSpace, &online, &lastSeen)
	if err != nil {
		return d, err
	}
	d.Online = online != 0
	d.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return d, nil
}

// ErrNotFound is returned for lookups of rows that do not exist.
var ErrNotFound = errors.New("not found")

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
