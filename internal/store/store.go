// Package store keeps the event history synced from Tempo3 devices in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/tempo3-sync/internal/ble/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
    peripheral TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    battery    TEXT NOT NULL,
    last_sync  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    peripheral TEXT NOT NULL,
    ts         BIGINT NOT NULL,
    pos        BIGINT NOT NULL,
    PRIMARY KEY (peripheral, ts)
);
`

// Device is the last synced summary of a peripheral.
type Device struct {
	PeripheralID string
	Name         string
	Battery      string
	LastSync     time.Time
}

// Store persists device states.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveState records the device summary and every event not yet stored for
// the peripheral. It returns the number of new events.
func (s *Store) SaveState(ctx context.Context, state protocol.DeviceState) (int, error) {
	if state.PeripheralID == "" {
		return 0, fmt.Errorf("store: device state without peripheral id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (peripheral, name, battery, last_sync)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peripheral) DO UPDATE SET
			name = excluded.name,
			battery = excluded.battery,
			last_sync = excluded.last_sync`,
		state.PeripheralID, state.Name, state.Battery, s.now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: upsert device: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events (peripheral, ts, pos) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, ev := range state.Events {
		res, err := stmt.ExecContext(ctx, state.PeripheralID, ev.Timestamp, ev.Position)
		if err != nil {
			return 0, fmt.Errorf("store: insert event: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("store: insert event: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	slog.Debug("[STORE] saved device state", "peripheral", state.PeripheralID,
		"events", len(state.Events), "new", inserted)
	return inserted, nil
}

// Events returns the stored events of peripheral ordered by timestamp.
func (s *Store) Events(ctx context.Context, peripheral string) ([]protocol.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, pos FROM events WHERE peripheral = ? ORDER BY ts`, peripheral)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	events := []protocol.Event{}
	for rows.Next() {
		var ev protocol.Event
		if err := rows.Scan(&ev.Timestamp, &ev.Position); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	return events, nil
}

// Devices returns every device that has synced at least once, ordered by id.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peripheral, name, battery, last_sync FROM devices ORDER BY peripheral`)
	if err != nil {
		return nil, fmt.Errorf("store: query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.PeripheralID, &d.Name, &d.Battery, &d.LastSync); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query devices: %w", err)
	}
	return devices, nil
}
