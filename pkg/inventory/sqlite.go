package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/powerhive/minerctl/pkg/miner"
)

// Store is the SQLite-backed inventory.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; fleet commands record from many goroutines.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist, run initial schema
		if _, err := s.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const deviceColumns = `id, host, port, vendor, COALESCE(model, ''), COALESCE(mac_address, ''), is_online,
	created_at, updated_at, last_seen_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	d := &Device{}
	var vendor string
	err := row.Scan(&d.ID, &d.Host, &d.Port, &vendor, &d.Model, &d.MACAddress, &d.IsOnline,
		&d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt)
	if err != nil {
		return nil, err
	}
	d.Vendor = miner.ParseVendor(vendor)
	return d, nil
}

// GetDevice returns the device recorded for host, or nil.
func (s *Store) GetDevice(ctx context.Context, host string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE host = ?`, host))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", host, err)
	}
	return d, nil
}

// UpsertDevice records d as seen now. Model and MAC keep their stored
// values when d leaves them empty.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (host, port, vendor, model, mac_address, is_online, created_at, updated_at, last_seen_at)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), 1, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			port = excluded.port,
			vendor = excluded.vendor,
			model = COALESCE(excluded.model, devices.model),
			mac_address = COALESCE(excluded.mac_address, devices.mac_address),
			is_online = 1,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at`,
		d.Host, d.Port, string(d.Vendor), d.Model, d.MACAddress, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.Host, err)
	}

	stored, err := s.GetDevice(ctx, d.Host)
	if err != nil {
		return err
	}
	*d = *stored
	return nil
}

// ListDevices returns the devices matching f ordered by host.
func (s *Store) ListDevices(ctx context.Context, f Filter) ([]*Device, error) {
	var (
		where []string
		args  []any
	)
	if f.Vendor != "" {
		where = append(where, "vendor = ?")
		args = append(args, string(f.Vendor))
	}
	if f.OnlineOnly {
		where = append(where, "is_online = 1")
	}

	query := `SELECT ` + deviceColumns + ` FROM devices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY host"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SetOnline flags host as reachable or not.
func (s *Store) SetOnline(ctx context.Context, host string, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET is_online = ?, updated_at = ? WHERE host = ?`,
		online, time.Now(), host)
	if err != nil {
		return fmt.Errorf("failed to update device %s: %w", host, err)
	}
	return nil
}

// DeleteDevice forgets host and its readings.
func (s *Store) DeleteDevice(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE host = ?`, host)
	if err != nil {
		return fmt.Errorf("failed to delete device %s: %w", host, err)
	}
	return nil
}

// RecordReading replaces the stored snapshot of the device with r.DeviceID.
func (s *Store) RecordReading(ctx context.Context, r *Reading) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO readings (device_id, hashrate_ths, power_w, efficiency_jth, temperature_c, sleeping, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			hashrate_ths = excluded.hashrate_ths,
			power_w = excluded.power_w,
			efficiency_jth = excluded.efficiency_jth,
			temperature_c = excluded.temperature_c,
			sleeping = excluded.sleeping,
			recorded_at = excluded.recorded_at
		RETURNING id`,
		r.DeviceID, r.HashrateTHs, r.PowerW, r.EfficiencyJTH, r.TemperatureC, r.Sleeping, r.RecordedAt).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	return nil
}

// LatestReading returns the stored snapshot of a device, or nil.
func (s *Store) LatestReading(ctx context.Context, deviceID int64) (*Reading, error) {
	r := &Reading{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_id, hashrate_ths, power_w, efficiency_jth, temperature_c, sleeping, recorded_at
		FROM readings WHERE device_id = ?`, deviceID).Scan(
		&r.ID, &r.DeviceID, &r.HashrateTHs, &r.PowerW, &r.EfficiencyJTH, &r.TemperatureC, &r.Sleeping, &r.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reading: %w", err)
	}
	return r, nil
}
