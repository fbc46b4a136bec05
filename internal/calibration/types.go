// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package calibration runs the speed calibration of one locomotive:
// start-of-motion search per direction, then an ascending multi-pass sweep
// over the speed steps, reduced into a speed table.
package calibration

import (
	"errors"
	"math"
	"time"
)

// MaxSpeedStep is the top of the 126-step DCC speed range.
const MaxSpeedStep = 126

// Scale defaults for HO.
const (
	DefaultScale           = "HO"
	DefaultScaleFactor     = 87.1
	DefaultSensorSpacingMM = 100.0
)

// AbortUserInterrupt is recorded when the operator stops a run.
const AbortUserInterrupt = "user_interrupt"

var (
	ErrStepOrder = errors.New("calibration: speed steps must be strictly increasing")
	ErrFinalized = errors.New("calibration: run already finalized")
)

// Direction of travel as commanded to the throttle.
type Direction string

const (
	Forward Direction = "forward"
	Reverse Direction = "reverse"
)

func (d Direction) Opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// Short returns "fwd" or "rev".
func (d Direction) Short() string {
	if d == Forward {
		return "fwd"
	}
	return "rev"
}

// StepToThrottle maps a speed step onto the 0..1 throttle fraction.
func StepToThrottle(step int) float64 {
	return float64(step) / MaxSpeedStep
}

// StepToPercent is the throttle percentage rounded to 0.1.
func StepToPercent(step int) float64 {
	return round1(float64(step) / MaxSpeedStep * 100)
}

func round1(v float64) float64 {
	return math.RoundToEven(v*10) / 10
}

// PassOutcome is one measurement pass. Detected is false for a timeout,
// an unreadable reply or a pass without a speed.
type PassOutcome struct {
	Detected   bool      `json:"-"`
	Travel     Direction `json:"travel"`
	SpeedMPH   float64   `json:"avg_speed_mph"`
	Direction  string    `json:"direction,omitempty"`
	Sensors    int       `json:"sensors_triggered"`
	DurationMS float64   `json:"duration_ms,omitempty"`
	Intervals  []float64 `json:"speeds_mph,omitempty"`
}

// NoDetection is the empty observation for a pass.
func NoDetection(travel Direction) PassOutcome {
	return PassOutcome{Travel: travel}
}

// AudioLevel is the single audio capture taken on a step's first pass.
type AudioLevel struct {
	RMSdB  float64 `json:"rms_db"`
	PeakdB float64 `json:"peak_db"`
}

// Extras are the optional first-pass captures attached to a step.
type Extras struct {
	Audio        *AudioLevel
	PullGrams    *float64
	VibrationP2P *float64
	VibrationRMS *float64
}

// SpeedStepMeasurement is the aggregated record for one speed step.
type SpeedStepMeasurement struct {
	Step         int           `json:"speed_step"`
	Throttle     float64       `json:"throttle"`
	ThrottlePct  float64       `json:"throttle_pct"`
	Passes       int           `json:"passes"`
	ValidPasses  int           `json:"valid_passes"`
	AvgScaleMPH  *float64      `json:"avg_scale_mph"`
	Direction    string        `json:"direction"`
	Intervals    []float64     `json:"interval_speeds_mph,omitempty"`
	AudioRMSdB   *float64      `json:"audio_rms_db,omitempty"`
	AudioPeakdB  *float64      `json:"audio_peak_db,omitempty"`
	PullGrams    *float64      `json:"pull_grams,omitempty"`
	VibrationP2P *float64      `json:"vibration_p2p,omitempty"`
	VibrationRMS *float64      `json:"vibration_rms,omitempty"`
	RawPasses    []PassOutcome `json:"raw_passes,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// NoDataMarker is the Error value of a step without any valid pass.
const NoDataMarker = "no_detection"

// HasSpeed reports whether at least one pass produced a speed.
func (m SpeedStepMeasurement) HasSpeed() bool { return m.AvgScaleMPH != nil }

// MotionThreshold is the lowest step that moved the locomotive.
type MotionThreshold struct {
	Direction Direction `json:"direction"`
	Step      int       `json:"step"`
}

// StartOfMotion holds both directions' thresholds.
type StartOfMotion struct {
	ForwardStep        int     `json:"forward_step"`
	ReverseStep        int     `json:"reverse_step"`
	ForwardThrottlePct float64 `json:"forward_throttle_pct"`
	ReverseThrottlePct float64 `json:"reverse_throttle_pct"`
}

func NewStartOfMotion(fwd, rev MotionThreshold) *StartOfMotion {
	return &StartOfMotion{
		ForwardStep:        fwd.Step,
		ReverseStep:        rev.Step,
		ForwardThrottlePct: StepToPercent(fwd.Step),
		ReverseThrottlePct: StepToPercent(rev.Step),
	}
}

// Min is the lower of the two thresholds.
func (s *StartOfMotion) Min() int {
	return min(s.ForwardStep, s.ReverseStep)
}

func (s *StartOfMotion) Thresholds() []MotionThreshold {
	return []MotionThreshold{
		{Direction: Forward, Step: s.ForwardStep},
		{Direction: Reverse, Step: s.ReverseStep},
	}
}

// Summary is computed once when the run is finalized.
type Summary struct {
	TotalStepsMeasured  int      `json:"total_steps_measured"`
	ValidSteps          int      `json:"valid_steps"`
	TotalPasses         int      `json:"total_passes"`
	DurationSec         float64  `json:"duration_sec"`
	MinReliableSpeedMPH *float64 `json:"min_reliable_speed_mph,omitempty"`
	MaxSpeedMPH         *float64 `json:"max_speed_mph,omitempty"`
	MinSpeedStepForward *int     `json:"min_speed_step_forward,omitempty"`
	MinSpeedStepReverse *int     `json:"min_speed_step_reverse,omitempty"`
	DeadStepsForward    *int     `json:"dead_steps_forward,omitempty"`
	DeadStepsReverse    *int     `json:"dead_steps_reverse,omitempty"`
	SpeedAtStep63MPH    *float64 `json:"speed_at_step_63_mph,omitempty"`
	SpeedAtStep126MPH   *float64 `json:"speed_at_step_126_mph,omitempty"`
}

// Run is one calibration session. Steps are appended in strictly
// ascending order and the run is finalized exactly once.
type Run struct {
	Address         int                    `json:"address"`
	RosterID        string                 `json:"roster_id,omitempty"`
	Date            time.Time              `json:"date"`
	Scale           string                 `json:"scale"`
	ScaleFactor     float64                `json:"scale_factor"`
	SensorSpacingMM float64                `json:"sensor_spacing_mm"`
	StartOfMotion   *StartOfMotion         `json:"start_of_motion"`
	SpeedTable      []SpeedStepMeasurement `json:"speed_table"`
	Summary         *Summary               `json:"summary,omitempty"`
	Aborted         bool                   `json:"aborted,omitempty"`
	AbortReason     string                 `json:"abort_reason,omitempty"`

	totalPasses int
	finalized   bool
}

// NewRun starts a run for address at now with HO defaults.
func NewRun(address int, now time.Time) *Run {
	return &Run{
		Address:         address,
		Date:            now.UTC(),
		Scale:           DefaultScale,
		ScaleFactor:     DefaultScaleFactor,
		SensorSpacingMM: DefaultSensorSpacingMM,
		SpeedTable:      []SpeedStepMeasurement{},
	}
}

// Append adds the next step's measurement.
func (r *Run) Append(m SpeedStepMeasurement) error {
	return r.append(m, true)
}

// append adds m; countPasses is false when the sweep already counted them.
func (r *Run) append(m SpeedStepMeasurement, countPasses bool) error {
	if r.finalized {
		return ErrFinalized
	}
	if n := len(r.SpeedTable); n > 0 && m.Step <= r.SpeedTable[n-1].Step {
		return ErrStepOrder
	}
	r.SpeedTable = append(r.SpeedTable, m)
	if countPasses {
		r.totalPasses += m.Passes
	}
	return nil
}

// Step returns the measurement for step, if present.
func (r *Run) Step(step int) (SpeedStepMeasurement, bool) {
	for _, m := range r.SpeedTable {
		if m.Step == step {
			return m, true
		}
	}
	return SpeedStepMeasurement{}, false
}

func (r *Run) Finalized() bool { return r.finalized }

// Finalize computes the summary and freezes the run. abortReason is empty
// for a completed run.
func (r *Run) Finalize(now time.Time, abortReason string) error {
	if r.finalized {
		return ErrFinalized
	}
	r.finalized = true
	r.Aborted = abortReason != ""
	r.AbortReason = abortReason
	r.Summary = r.summarize(now.Sub(r.Date))
	return nil
}

func (r *Run) summarize(elapsed time.Duration) *Summary {
	s := &Summary{
		TotalStepsMeasured: len(r.SpeedTable),
		TotalPasses:        r.totalPasses,
		DurationSec:        round1(elapsed.Seconds()),
	}
	for _, m := range r.SpeedTable {
		if !m.HasSpeed() {
			continue
		}
		s.ValidSteps++
		v := *m.AvgScaleMPH
		if s.MinReliableSpeedMPH == nil || v < *s.MinReliableSpeedMPH {
			s.MinReliableSpeedMPH = ptr(v)
		}
		if s.MaxSpeedMPH == nil || v > *s.MaxSpeedMPH {
			s.MaxSpeedMPH = ptr(v)
		}
	}
	if som := r.StartOfMotion; som != nil {
		s.MinSpeedStepForward = ptr(som.ForwardStep)
		s.MinSpeedStepReverse = ptr(som.ReverseStep)
		s.DeadStepsForward = ptr(som.ForwardStep - 1)
		s.DeadStepsReverse = ptr(som.ReverseStep - 1)
	}
	s.SpeedAtStep63MPH = r.speedAt(63)
	s.SpeedAtStep126MPH = r.speedAt(126)
	return s
}

func (r *Run) speedAt(step int) *float64 {
	m, ok := r.Step(step)
	if !ok || !m.HasSpeed() || *m.AvgScaleMPH == 0 {
		return nil
	}
	return ptr(*m.AvgScaleMPH)
}

func ptr[T any](v T) *T { return &v }
