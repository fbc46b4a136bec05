// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package storage keeps calibration history in SQLite: locomotives,
// consists, runs, per-step measurements, motion thresholds and audio
// adjustments.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// SchemaVersion is the layout written by this package.
const SchemaVersion = 2

// DefaultPath is the database used when none is configured.
const DefaultPath = "calibration-data/calibration.db"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS locos (
	id INTEGER PRIMARY KEY,
	roster_id TEXT UNIQUE NOT NULL,
	address INTEGER NOT NULL,
	decoder_type TEXT,
	is_audio_reference INTEGER DEFAULT 0,
	is_consist INTEGER DEFAULT 0,
	notes TEXT,
	created TEXT NOT NULL,
	updated TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consist_members (
	id INTEGER PRIMARY KEY,
	consist_loco_id INTEGER NOT NULL REFERENCES locos(id),
	member_roster_id TEXT,
	member_address INTEGER NOT NULL,
	role TEXT NOT NULL DEFAULT 'sound',
	position INTEGER NOT NULL DEFAULT 0,
	notes TEXT,
	UNIQUE(consist_loco_id, member_address)
);

CREATE TABLE IF NOT EXISTS calibration_runs (
	id INTEGER PRIMARY KEY,
	loco_id INTEGER NOT NULL REFERENCES locos(id),
	run_type TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	direction TEXT,
	step_increment INTEGER,
	settle_ms INTEGER,
	firmware_version TEXT,
	complete INTEGER DEFAULT 0,
	aborted INTEGER DEFAULT 0,
	duration_sec REAL,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS speed_entries (
	run_id INTEGER NOT NULL REFERENCES calibration_runs(id),
	speed_step INTEGER NOT NULL,
	throttle_pct REAL,
	speed_mph REAL,
	pull_grams REAL,
	vib_peak_to_peak REAL,
	vib_rms REAL,
	audio_rms_db REAL,
	audio_peak_db REAL,
	PRIMARY KEY (run_id, speed_step)
);

CREATE TABLE IF NOT EXISTS motion_thresholds (
	run_id INTEGER NOT NULL REFERENCES calibration_runs(id),
	direction TEXT NOT NULL,
	threshold_step INTEGER NOT NULL,
	PRIMARY KEY (run_id, direction)
);

CREATE TABLE IF NOT EXISTS audio_adjustments (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL REFERENCES calibration_runs(id),
	reference_run_id INTEGER REFERENCES calibration_runs(id),
	member_address INTEGER,
	master_volume_delta_db REAL,
	recommended_cv INTEGER,
	recommended_value INTEGER,
	applied INTEGER DEFAULT 0,
	applied_timestamp TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_loco ON calibration_runs(loco_id);
CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON calibration_runs(timestamp);
CREATE INDEX IF NOT EXISTS idx_entries_run ON speed_entries(run_id);
CREATE INDEX IF NOT EXISTS idx_consist_members ON consist_members(consist_loco_id);
`

// v1 databases lack consist support.
const migrateV1toV2 = `
ALTER TABLE locos ADD COLUMN is_consist INTEGER DEFAULT 0;

CREATE TABLE IF NOT EXISTS consist_members (
	id INTEGER PRIMARY KEY,
	consist_loco_id INTEGER NOT NULL REFERENCES locos(id),
	member_roster_id TEXT,
	member_address INTEGER NOT NULL,
	role TEXT NOT NULL DEFAULT 'sound',
	position INTEGER NOT NULL DEFAULT 0,
	notes TEXT,
	UNIQUE(consist_loco_id, member_address)
);

CREATE INDEX IF NOT EXISTS idx_consist_members ON consist_members(consist_loco_id);

ALTER TABLE audio_adjustments ADD COLUMN member_address INTEGER;

UPDATE schema_version SET version = 2;
`

// Store is safe for concurrent use; SQLite access is serialised through a
// single connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, pkgerrors.Wrapf(err, "create %s", filepath.Dir(path))
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) init(ctx context.Context) error {
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return pkgerrors.Wrap(err, pragma)
		}
	}

	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&name)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
				return pkgerrors.Wrap(err, "create schema")
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, SchemaVersion)
			return pkgerrors.Wrap(err, "record schema version")
		})
	case err != nil:
		return pkgerrors.Wrap(err, "inspect schema")
	}

	version, err := s.Version(ctx)
	if err != nil {
		return err
	}
	if version < 2 {
		return s.tx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, migrateV1toV2)
			return pkgerrors.Wrap(err, "migrate schema v1 to v2")
		})
	}
	return nil
}

// Version returns the stored schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&v); err != nil {
		return 0, pkgerrors.Wrap(err, "read schema version")
	}
	return v, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return pkgerrors.Wrap(tx.Commit(), "commit")
}

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func (s *Store) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}
