package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Run types.
const (
	RunSpeed = "speed"
	RunFull  = "full"
)

// Run is one calibration session row.
type Run struct {
	ID            int64    `json:"id"`
	LocoID        int64    `json:"loco_id"`
	RosterID      string   `json:"roster_id"`
	Address       int      `json:"address"`
	RunType       string   `json:"run_type"`
	Timestamp     string   `json:"timestamp"`
	Direction     string   `json:"direction,omitempty"`
	StepIncrement int      `json:"step_increment,omitempty"`
	SettleMS      int      `json:"settle_ms,omitempty"`
	Firmware      string   `json:"firmware_version,omitempty"`
	Complete      bool     `json:"complete"`
	Aborted       bool     `json:"aborted"`
	DurationSec   *float64 `json:"duration_sec,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// NewRun describes a run to create.
type NewRun struct {
	LocoID        int64
	RunType       string
	Direction     string
	StepIncrement int
	SettleMS      int
	Firmware      string
	Notes         string
}

// SpeedEntry is one step's stored measurement. Nil fields were not
// measured.
type SpeedEntry struct {
	Step          int      `json:"speed_step"`
	ThrottlePct   *float64 `json:"throttle_pct,omitempty"`
	SpeedMPH      *float64 `json:"speed_mph,omitempty"`
	PullGrams     *float64 `json:"pull_grams,omitempty"`
	VibPeakToPeak *float64 `json:"vib_peak_to_peak,omitempty"`
	VibRMS        *float64 `json:"vib_rms,omitempty"`
	AudioRMSdB    *float64 `json:"audio_rms_db,omitempty"`
	AudioPeakdB   *float64 `json:"audio_peak_db,omitempty"`
}

const runColumns = `r.id, r.loco_id, l.roster_id, l.address, r.run_type, r.timestamp, r.direction,
	r.step_increment, r.settle_ms, r.firmware_version, r.complete, r.aborted, r.duration_sec, r.notes`

func scanRun(r rowScanner) (Run, error) {
	var (
		run               Run
		dir, fw, notes    sql.NullString
		stepInc, settle   sql.NullInt64
		complete, aborted sql.NullBool
		duration          sql.NullFloat64
	)
	err := r.Scan(&run.ID, &run.LocoID, &run.RosterID, &run.Address, &run.RunType, &run.Timestamp, &dir,
		&stepInc, &settle, &fw, &complete, &aborted, &duration, &notes)
	if err != nil {
		return Run{}, err
	}
	run.Direction = dir.String
	run.StepIncrement = int(stepInc.Int64)
	run.SettleMS = int(settle.Int64)
	run.Firmware = fw.String
	run.Complete = complete.Bool
	run.Aborted = aborted.Bool
	run.Notes = notes.String
	if duration.Valid {
		d := duration.Float64
		run.DurationSec = &d
	}
	return run, nil
}

// CreateRun inserts a run stamped with the current time.
func (s *Store) CreateRun(ctx context.Context, nr NewRun) (int64, error) {
	return s.createRun(ctx, s.db, nr)
}

func (s *Store) createRun(ctx context.Context, q querier, nr NewRun) (int64, error) {
	if nr.RunType == "" {
		nr.RunType = RunSpeed
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO calibration_runs (loco_id, run_type, timestamp, direction, step_increment, settle_ms, firmware_version, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nr.LocoID, nr.RunType, s.timestamp(), nullString(nr.Direction),
		nullInt(nr.StepIncrement), nullInt(nr.SettleMS), nullString(nr.Firmware), nullString(nr.Notes))
	if err != nil {
		return 0, pkgerrors.Wrap(err, "create run")
	}
	id, err := res.LastInsertId()
	return id, pkgerrors.Wrap(err, "create run")
}

// CompleteRun marks a run complete.
func (s *Store) CompleteRun(ctx context.Context, runID int64, durationSec float64) error {
	return finishRun(ctx, s.db, runID, "complete", durationSec)
}

// AbortRun marks a run aborted.
func (s *Store) AbortRun(ctx context.Context, runID int64, durationSec float64) error {
	return finishRun(ctx, s.db, runID, "aborted", durationSec)
}

func finishRun(ctx context.Context, q querier, runID int64, column string, durationSec float64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE calibration_runs SET `+column+` = 1, duration_sec = ? WHERE id = ?`, durationSec, runID)
	if err != nil {
		return pkgerrors.Wrapf(err, "mark run %d %s", runID, column)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	return nil
}

func (s *Store) Run(ctx context.Context, runID int64) (Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM calibration_runs r JOIN locos l ON r.loco_id = l.id WHERE r.id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: run %d", ErrNotFound, runID)
	}
	return run, pkgerrors.Wrapf(err, "get run %d", runID)
}

// RunFilter narrows Runs. Zero values match everything.
type RunFilter struct {
	RosterID string
	RunType  string
	Limit    int
}

// Runs lists runs newest first.
func (s *Store) Runs(ctx context.Context, f RunFilter) ([]Run, error) {
	q := `SELECT ` + runColumns + ` FROM calibration_runs r JOIN locos l ON r.loco_id = l.id WHERE 1=1`
	var args []any
	if f.RosterID != "" {
		q += ` AND l.roster_id = ?`
		args = append(args, f.RosterID)
	}
	if f.RunType != "" {
		q += ` AND r.run_type = ?`
		args = append(args, f.RunType)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += ` ORDER BY r.timestamp DESC, r.id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan run")
		}
		out = append(out, run)
	}
	return out, pkgerrors.Wrap(rows.Err(), "list runs")
}

// LatestRun returns the newest run for rosterID, optionally only among
// completed runs.
func (s *Store) LatestRun(ctx context.Context, rosterID string, completeOnly bool) (Run, error) {
	q := `SELECT ` + runColumns + ` FROM calibration_runs r JOIN locos l ON r.loco_id = l.id WHERE l.roster_id = ?`
	if completeOnly {
		q += ` AND r.complete = 1`
	}
	q += ` ORDER BY r.timestamp DESC, r.id DESC LIMIT 1`

	run, err := scanRun(s.db.QueryRowContext(ctx, q, rosterID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: no runs for %q", ErrNotFound, rosterID)
	}
	return run, pkgerrors.Wrapf(err, "latest run %q", rosterID)
}

// PutSpeedEntry stores one step, replacing any earlier entry for the same
// step of the run.
func (s *Store) PutSpeedEntry(ctx context.Context, runID int64, e SpeedEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO speed_entries
		 (run_id, speed_step, throttle_pct, speed_mph, pull_grams, vib_peak_to_peak, vib_rms, audio_rms_db, audio_peak_db)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Step, e.ThrottlePct, e.SpeedMPH, e.PullGrams, e.VibPeakToPeak, e.VibRMS, e.AudioRMSdB, e.AudioPeakdB)
	return pkgerrors.Wrapf(err, "put speed entry run %d step %d", runID, e.Step)
}

// PutSpeedEntries stores several steps in one transaction.
func (s *Store) PutSpeedEntries(ctx context.Context, runID int64, entries []SpeedEntry) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		return putSpeedEntries(ctx, tx, runID, entries)
	})
}

func putSpeedEntries(ctx context.Context, q querier, runID int64, entries []SpeedEntry) error {
	stmt, err := q.PrepareContext(ctx,
		`INSERT OR REPLACE INTO speed_entries
		 (run_id, speed_step, throttle_pct, speed_mph, pull_grams, vib_peak_to_peak, vib_rms, audio_rms_db, audio_peak_db)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return pkgerrors.Wrapf(err, "put speed entries run %d", runID)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, runID, e.Step, e.ThrottlePct, e.SpeedMPH, e.PullGrams,
			e.VibPeakToPeak, e.VibRMS, e.AudioRMSdB, e.AudioPeakdB); err != nil {
			return pkgerrors.Wrapf(err, "put speed entries run %d step %d", runID, e.Step)
		}
	}
	return nil
}

// SpeedEntries returns every stored step of a run in step order.
func (s *Store) SpeedEntries(ctx context.Context, runID int64) ([]SpeedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT speed_step, throttle_pct, speed_mph, pull_grams, vib_peak_to_peak, vib_rms, audio_rms_db, audio_peak_db
		 FROM speed_entries WHERE run_id = ? ORDER BY speed_step`, runID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "speed entries run %d", runID)
	}
	defer rows.Close()

	var out []SpeedEntry
	for rows.Next() {
		var (
			e                                 SpeedEntry
			thr, spd, pull, p2p, vrms, ar, ap sql.NullFloat64
		)
		if err := rows.Scan(&e.Step, &thr, &spd, &pull, &p2p, &vrms, &ar, &ap); err != nil {
			return nil, pkgerrors.Wrap(err, "scan speed entry")
		}
		e.ThrottlePct = floatPtr(thr)
		e.SpeedMPH = floatPtr(spd)
		e.PullGrams = floatPtr(pull)
		e.VibPeakToPeak = floatPtr(p2p)
		e.VibRMS = floatPtr(vrms)
		e.AudioRMSdB = floatPtr(ar)
		e.AudioPeakdB = floatPtr(ap)
		out = append(out, e)
	}
	return out, pkgerrors.Wrap(rows.Err(), "speed entries")
}

// SetMotionThreshold records the start-of-motion step for a direction.
func (s *Store) SetMotionThreshold(ctx context.Context, runID int64, direction string, step int) error {
	return setMotionThreshold(ctx, s.db, runID, direction, step)
}

func setMotionThreshold(ctx context.Context, q querier, runID int64, direction string, step int) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO motion_thresholds (run_id, direction, threshold_step) VALUES (?, ?, ?)`,
		runID, direction, step)
	return pkgerrors.Wrapf(err, "set motion threshold run %d", runID)
}

// MotionThresholds returns direction -> step for a run.
func (s *Store) MotionThresholds(ctx context.Context, runID int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT direction, threshold_step FROM motion_thresholds WHERE run_id = ?`, runID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "motion thresholds run %d", runID)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			dir  string
			step int
		)
		if err := rows.Scan(&dir, &step); err != nil {
			return nil, pkgerrors.Wrap(err, "scan motion threshold")
		}
		out[dir] = step
	}
	return out, pkgerrors.Wrap(rows.Err(), "motion thresholds")
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
