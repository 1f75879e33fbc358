package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chaz8081/flicd/internal/button"
)

// SQLiteStore keeps pairing records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	slog.Info("[STORE] sqlite registry opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS buttons (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			uuid TEXT NOT NULL,
			address TEXT NOT NULL,
			serial_number TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			nickname TEXT NOT NULL DEFAULT '',
			material BLOB,
			trigger_mode TEXT NOT NULL,
			latency_mode TEXT NOT NULL,
			last_event_count INTEGER NOT NULL DEFAULT 0,
			battery_voltage REAL NOT NULL DEFAULT 0,
			firmware_revision INTEGER NOT NULL DEFAULT 0,
			unpaired INTEGER NOT NULL DEFAULT 0,
			paired_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_buttons_uuid ON buttons(uuid)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]button.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, uuid, address, serial_number, name, nickname, material,
		trigger_mode, latency_mode, last_event_count, battery_voltage, firmware_revision, unpaired, paired_at
		FROM buttons ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("store: query buttons: %w", err)
	}
	defer rows.Close()

	var records []button.Record
	for rows.Next() {
		var (
			r                button.Record
			trigger, latency string
			battery          float64
			unpaired         bool
			pairedAt         int64
		)
		if err := rows.Scan(&r.ID, &r.UUID, &r.Address, &r.SerialNumber, &r.Name, &r.Nickname, &r.Material,
			&trigger, &latency, &r.LastEventCount, &battery, &r.FirmwareRevision, &unpaired, &pairedAt); err != nil {
			return nil, fmt.Errorf("store: scan button: %w", err)
		}
		if r.TriggerMode, err = button.ParseTriggerMode(trigger); err != nil {
			return nil, fmt.Errorf("store: button %s: %w", r.ID, err)
		}
		if r.LatencyMode, err = button.ParseLatencyMode(latency); err != nil {
			return nil, fmt.Errorf("store: button %s: %w", r.ID, err)
		}
		r.BatteryVoltage = float32(battery)
		r.Unpaired = unpaired
		if pairedAt != 0 {
			r.PairedAt = time.Unix(0, pairedAt)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate buttons: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) SaveAll(ctx context.Context, records []button.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM buttons`); err != nil {
		return fmt.Errorf("store: clear buttons: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO buttons (id, position, uuid, address, serial_number, name,
		nickname, material, trigger_mode, latency_mode, last_event_count, battery_voltage, firmware_revision,
		unpaired, paired_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, r := range records {
		var pairedAt int64
		if !r.PairedAt.IsZero() {
			pairedAt = r.PairedAt.UnixNano()
		}
		if _, err := stmt.ExecContext(ctx, r.ID, i, r.UUID, r.Address, r.SerialNumber, r.Name, r.Nickname,
			r.Material, r.TriggerMode.String(), r.LatencyMode.String(), r.LastEventCount,
			float64(r.BatteryVoltage), r.FirmwareRevision, r.Unpaired, pairedAt); err != nil {
			return fmt.Errorf("store: insert button %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
