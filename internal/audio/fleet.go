package audio

import (
	"context"
	"errors"
	"sort"

	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

// Volume grades relative to the fleet.
const (
	GradeExcessive = "EXCESSIVE"
	GradeLoud      = "loud"
	GradeQuiet     = "quiet"
	GradeNormal    = "normal"
	GradeNoData    = "no data"
	GradeUnknown   = "unknown"
)

// ExcessiveMarginDB is how far above the median a loco must be to be
// graded excessive.
const ExcessiveMarginDB = 10.0

// Percentile picks the element at int(len*pct/100), clamped, from an
// ascending slice.
func Percentile(sorted []float64, pct float64) (float64, bool) {
	if len(sorted) == 0 {
		return 0, false
	}
	i := int(float64(len(sorted)) * pct / 100)
	i = max(0, min(i, len(sorted)-1))
	return sorted[i], true
}

// FleetStats summarises the mean levels of every loco with audio data.
type FleetStats struct {
	Median float64 `json:"median_db"`
	P25    float64 `json:"p25_db"`
	P75    float64 `json:"p75_db"`
	Count  int     `json:"count"`
}

// NewFleetStats returns nil when values is empty.
func NewFleetStats(values []float64) *FleetStats {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	s := &FleetStats{Count: len(sorted)}
	s.Median, _ = Percentile(sorted, 50)
	s.P25, _ = Percentile(sorted, 25)
	s.P75, _ = Percentile(sorted, 75)
	return s
}

// Grade places a mean level within the fleet distribution.
func (s *FleetStats) Grade(mean float64) string {
	switch {
	case s == nil:
		return GradeUnknown
	case mean > s.Median+ExcessiveMarginDB:
		return GradeExcessive
	case mean > s.P75:
		return GradeLoud
	case mean < s.P25:
		return GradeQuiet
	default:
		return GradeNormal
	}
}

// FleetEntry is one row of the fleet listing.
type FleetEntry struct {
	Loco        storage.Loco `json:"loco"`
	MeanDB      *float64     `json:"mean_db,omitempty"`
	Grade       string       `json:"grade"`
	IsReference bool         `json:"is_reference"`
}

// FleetStore is the storage needed to list the fleet.
type FleetStore interface {
	Locos(ctx context.Context) ([]storage.Loco, error)
	LatestRun(ctx context.Context, rosterID string, completeOnly bool) (storage.Run, error)
	AudioCurve(ctx context.Context, runID int64) ([]storage.CurvePoint, error)
	AudioReference(ctx context.Context) (storage.Loco, error)
}

// Fleet grades every loco by the mean level of its latest completed run.
func Fleet(ctx context.Context, st FleetStore) ([]FleetEntry, *FleetStats, error) {
	locos, err := st.Locos(ctx)
	if err != nil {
		return nil, nil, err
	}
	refID := ""
	if ref, err := st.AudioReference(ctx); err == nil {
		refID = ref.RosterID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	entries := make([]FleetEntry, 0, len(locos))
	var means []float64
	for _, l := range locos {
		e := FleetEntry{Loco: l, IsReference: l.RosterID == refID}
		run, err := st.LatestRun(ctx, l.RosterID, true)
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, nil, err
		default:
			curve, err := st.AudioCurve(ctx, run.ID)
			if err != nil {
				return nil, nil, err
			}
			if m, ok := Mean(curve); ok {
				e.MeanDB = &m
				means = append(means, m)
			}
		}
		entries = append(entries, e)
	}

	stats := NewFleetStats(means)
	for i := range entries {
		if entries[i].MeanDB == nil {
			entries[i].Grade = GradeNoData
			continue
		}
		entries[i].Grade = stats.Grade(*entries[i].MeanDB)
	}
	return entries, stats, nil
}
