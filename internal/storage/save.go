package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
)

// RunParams are the sweep settings recorded alongside a saved run.
type RunParams struct {
	StepIncrement int
	Settle        time.Duration
	DecoderType   string
	Firmware      string
}

// RosterKey is the loco key for a run: its roster id, or "addr:<address>".
func RosterKey(run *calibration.Run) string {
	if run.RosterID != "" {
		return run.RosterID
	}
	return fmt.Sprintf("addr:%d", run.Address)
}

// SaveRun records a finalized calibration run with its thresholds and
// speed table in one transaction, and returns the new run id. Nothing is
// stored when it fails.
func (s *Store) SaveRun(ctx context.Context, run *calibration.Run, p RunParams) (int64, error) {
	var runID int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		runID, err = s.saveRun(ctx, tx, run, p)
		return err
	})
	if err != nil {
		return 0, err
	}
	return runID, nil
}

func (s *Store) saveRun(ctx context.Context, q querier, run *calibration.Run, p RunParams) (int64, error) {
	locoID, err := s.upsertLoco(ctx, q, RosterKey(run), run.Address, p.DecoderType)
	if err != nil {
		return 0, err
	}
	runID, err := s.createRun(ctx, q, NewRun{
		LocoID:        locoID,
		RunType:       RunSpeed,
		Direction:     "both",
		StepIncrement: p.StepIncrement,
		SettleMS:      int(p.Settle / time.Millisecond),
		Firmware:      p.Firmware,
	})
	if err != nil {
		return 0, err
	}

	if som := run.StartOfMotion; som != nil {
		for _, t := range som.Thresholds() {
			if err := setMotionThreshold(ctx, q, runID, string(t.Direction), t.Step); err != nil {
				return runID, err
			}
		}
	}

	entries := make([]SpeedEntry, 0, len(run.SpeedTable))
	for _, m := range run.SpeedTable {
		pct := m.ThrottlePct
		entries = append(entries, SpeedEntry{
			Step:          m.Step,
			ThrottlePct:   &pct,
			SpeedMPH:      m.AvgScaleMPH,
			PullGrams:     m.PullGrams,
			VibPeakToPeak: m.VibrationP2P,
			VibRMS:        m.VibrationRMS,
			AudioRMSdB:    m.AudioRMSdB,
			AudioPeakdB:   m.AudioPeakdB,
		})
	}
	if err := putSpeedEntries(ctx, q, runID, entries); err != nil {
		return runID, err
	}

	var duration float64
	if run.Summary != nil {
		duration = run.Summary.DurationSec
	}
	if run.Aborted {
		return runID, finishRun(ctx, q, runID, "aborted", duration)
	}
	return runID, finishRun(ctx, q, runID, "complete", duration)
}
