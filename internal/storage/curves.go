package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// CurvePoint is one (step, value) sample of a per-step measurement.
type CurvePoint struct {
	Step  int     `json:"speed_step"`
	Value float64 `json:"value"`
}

// Columns a curve may be read from.
const (
	ColumnSpeed     = "speed_mph"
	ColumnAudioRMS  = "audio_rms_db"
	ColumnAudioPeak = "audio_peak_db"
	ColumnPull      = "pull_grams"
	ColumnVibP2P    = "vib_peak_to_peak"
	ColumnVibRMS    = "vib_rms"
)

var curveColumns = map[string]bool{
	ColumnSpeed: true, ColumnAudioRMS: true, ColumnAudioPeak: true,
	ColumnPull: true, ColumnVibP2P: true, ColumnVibRMS: true,
}

// Curve returns the non-null values of column for a run in step order.
func (s *Store) Curve(ctx context.Context, runID int64, column string) ([]CurvePoint, error) {
	if !curveColumns[column] {
		return nil, fmt.Errorf("storage: unknown curve column %q", column)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT speed_step, `+column+` FROM speed_entries
		 WHERE run_id = ? AND `+column+` IS NOT NULL ORDER BY speed_step`, runID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "curve %s run %d", column, runID)
	}
	defer rows.Close()

	var out []CurvePoint
	for rows.Next() {
		var p CurvePoint
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, pkgerrors.Wrap(err, "scan curve point")
		}
		out = append(out, p)
	}
	return out, pkgerrors.Wrap(rows.Err(), "curve")
}

func (s *Store) AudioCurve(ctx context.Context, runID int64) ([]CurvePoint, error) {
	return s.Curve(ctx, runID, ColumnAudioRMS)
}

func (s *Store) SpeedCurve(ctx context.Context, runID int64) ([]CurvePoint, error) {
	return s.Curve(ctx, runID, ColumnSpeed)
}

func (s *Store) PullCurve(ctx context.Context, runID int64) ([]CurvePoint, error) {
	return s.Curve(ctx, runID, ColumnPull)
}

func (s *Store) VibrationCurve(ctx context.Context, runID int64) ([]CurvePoint, error) {
	return s.Curve(ctx, runID, ColumnVibRMS)
}

// MeanAudioDelta averages target minus reference RMS over the steps both
// runs measured. ok is false when the runs share no such step.
func (s *Store) MeanAudioDelta(ctx context.Context, runID, refRunID int64) (delta float64, ok bool, err error) {
	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		`SELECT AVG(t.audio_rms_db - r.audio_rms_db)
		 FROM speed_entries t JOIN speed_entries r ON t.speed_step = r.speed_step
		 WHERE t.run_id = ? AND r.run_id = ?
		   AND t.audio_rms_db IS NOT NULL AND r.audio_rms_db IS NOT NULL`,
		runID, refRunID).Scan(&avg)
	if err != nil {
		return 0, false, pkgerrors.Wrapf(err, "audio delta run %d vs %d", runID, refRunID)
	}
	return avg.Float64, avg.Valid, nil
}

// Adjustment is a recorded volume recommendation. MemberAddress is set for
// a single member of a consist.
type Adjustment struct {
	ID               int64   `json:"id"`
	RunID            int64   `json:"run_id"`
	ReferenceRunID   int64   `json:"reference_run_id"`
	MemberAddress    *int    `json:"member_address,omitempty"`
	DeltaDB          float64 `json:"master_volume_delta_db"`
	RecommendedCV    *int    `json:"recommended_cv,omitempty"`
	RecommendedValue *int    `json:"recommended_value,omitempty"`
	Applied          bool    `json:"applied"`
	AppliedAt        string  `json:"applied_timestamp,omitempty"`
}

// AddAdjustment stores a recommendation and returns its id.
func (s *Store) AddAdjustment(ctx context.Context, a Adjustment) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audio_adjustments
		 (run_id, reference_run_id, member_address, master_volume_delta_db, recommended_cv, recommended_value)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.RunID, sql.NullInt64{Int64: a.ReferenceRunID, Valid: a.ReferenceRunID != 0}, a.MemberAddress, a.DeltaDB, a.RecommendedCV, a.RecommendedValue)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "add adjustment run %d", a.RunID)
	}
	id, err := res.LastInsertId()
	return id, pkgerrors.Wrap(err, "add adjustment")
}

// MarkApplied records that an adjustment was written to the decoder.
func (s *Store) MarkApplied(ctx context.Context, adjustmentID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE audio_adjustments SET applied = 1, applied_timestamp = ? WHERE id = ?`,
		s.timestamp(), adjustmentID)
	if err != nil {
		return pkgerrors.Wrapf(err, "mark adjustment %d applied", adjustmentID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: adjustment %d", ErrNotFound, adjustmentID)
	}
	return nil
}

const adjustmentColumns = `id, run_id, reference_run_id, member_address, master_volume_delta_db,
	recommended_cv, recommended_value, applied, applied_timestamp`

// Adjustments lists the adjustments recorded for a run, oldest first. A
// non-nil memberAddress restricts the list to that consist member.
func (s *Store) Adjustments(ctx context.Context, runID int64, memberAddress *int) ([]Adjustment, error) {
	q := `SELECT ` + adjustmentColumns + ` FROM audio_adjustments WHERE run_id = ?`
	args := []any{runID}
	if memberAddress != nil {
		q += ` AND member_address = ?`
		args = append(args, *memberAddress)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "adjustments run %d", runID)
	}
	defer rows.Close()

	var out []Adjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "scan adjustment")
		}
		out = append(out, a)
	}
	return out, pkgerrors.Wrap(rows.Err(), "adjustments")
}

// Adjustment returns one adjustment by id.
func (s *Store) Adjustment(ctx context.Context, id int64) (Adjustment, error) {
	a, err := scanAdjustment(s.db.QueryRowContext(ctx,
		`SELECT `+adjustmentColumns+` FROM audio_adjustments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Adjustment{}, fmt.Errorf("%w: adjustment %d", ErrNotFound, id)
	}
	if err != nil {
		return Adjustment{}, pkgerrors.Wrapf(err, "get adjustment %d", id)
	}
	return a, nil
}

func scanAdjustment(r rowScanner) (Adjustment, error) {
	var (
		a           Adjustment
		ref, member sql.NullInt64
		cv, value   sql.NullInt64
		delta       sql.NullFloat64
		applied     sql.NullBool
		appliedAt   sql.NullString
	)
	if err := r.Scan(&a.ID, &a.RunID, &ref, &member, &delta, &cv, &value, &applied, &appliedAt); err != nil {
		return Adjustment{}, err
	}
	a.ReferenceRunID = ref.Int64
	a.MemberAddress = intPtr(member)
	a.DeltaDB = delta.Float64
	a.RecommendedCV = intPtr(cv)
	a.RecommendedValue = intPtr(value)
	a.Applied = applied.Bool
	a.AppliedAt = appliedAt.String
	return a, nil
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
