package audio

import (
	"context"
	"errors"
	"math"

	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

// DeltaStore computes deltas in the database.
type DeltaStore interface {
	AudioReference(ctx context.Context) (storage.Loco, error)
	LatestRun(ctx context.Context, rosterID string, completeOnly bool) (storage.Run, error)
	MeanAudioDelta(ctx context.Context, runID, refRunID int64) (float64, bool, error)
}

// Comparison is the quick post-calibration check against the reference.
type Comparison struct {
	Reference string  `json:"reference"`
	DeltaDB   float64 `json:"delta_db"`
}

// WithinTolerance reports whether no adjustment is worth making.
func (c Comparison) WithinTolerance() bool {
	return math.Abs(c.DeltaDB) <= Tolerance
}

// CompareLatest compares rosterID's latest completed run with the
// reference's.
func CompareLatest(ctx context.Context, st DeltaStore, rosterID string) (Comparison, error) {
	ref, err := st.AudioReference(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return Comparison{}, ErrNoReference
	}
	if err != nil {
		return Comparison{}, err
	}
	refRun, err := st.LatestRun(ctx, ref.RosterID, true)
	if err != nil {
		return Comparison{}, err
	}
	run, err := st.LatestRun(ctx, rosterID, true)
	if err != nil {
		return Comparison{}, err
	}
	delta, ok, err := st.MeanAudioDelta(ctx, run.ID, refRun.ID)
	if err != nil {
		return Comparison{}, err
	}
	if !ok {
		return Comparison{}, ErrNoOverlap
	}
	return Comparison{Reference: ref.RosterID, DeltaDB: delta}, nil
}
