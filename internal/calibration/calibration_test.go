package calibration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepMapping(t *testing.T) {
	assert.InDelta(t, 1.0, StepToThrottle(126), 1e-12)
	assert.InDelta(t, 0.5, StepToThrottle(63), 1e-12)
	assert.Equal(t, 50.0, StepToPercent(63))
	assert.Equal(t, 0.8, StepToPercent(1))
}

func TestThresholdFinderReturnsExactThreshold(t *testing.T) {
	log, _ := test.NewNullLogger()
	for threshold := ThresholdLow; threshold <= ThresholdHigh; threshold++ {
		for _, dir := range []Direction{Forward, Reverse} {
			rig := newFakeRig(threshold, threshold)
			probes := 0
			f := &ThresholdFinder{
				Motor:   rig,
				Sensors: rig,
				Timing:  instantTiming(),
				Log:     log,
				OnProbe: func(Direction, int, bool) { probes++ },
			}
			got, err := f.Find(context.Background(), dir)
			require.NoError(t, err)
			assert.Equal(t, MotionThreshold{Direction: dir, Step: threshold}, got)
			assert.LessOrEqual(t, probes, 5)
		}
	}
}

func TestThresholdFinderNoMotionReturnsUpperBound(t *testing.T) {
	rig := newFakeRig(99, 99)
	f := &ThresholdFinder{Motor: rig, Sensors: rig, Timing: instantTiming()}
	got, err := f.Find(context.Background(), Forward)
	require.NoError(t, err)
	assert.Equal(t, ThresholdHigh, got.Step)
}

func TestThresholdFinderTreatsMeasureErrorsAsNoMotion(t *testing.T) {
	rig := newFakeRig(1, 1)
	rig.measureFail = func(int) bool { return true }
	f := &ThresholdFinder{Motor: rig, Sensors: rig, Timing: instantTiming()}
	got, err := f.Find(context.Background(), Reverse)
	require.NoError(t, err)
	assert.Equal(t, ThresholdHigh, got.Step)
	assert.Equal(t, "stop", rig.lastCommand())
}

func TestAggregateMixedPasses(t *testing.T) {
	passes := []PassOutcome{
		{Detected: true, Travel: Forward, SpeedMPH: 10.0, Direction: "A-B", Intervals: []float64{9.5, 10.5}},
		NoDetection(Reverse),
		{Detected: true, Travel: Forward, SpeedMPH: 12.0, Direction: "B-A", Intervals: []float64{11.8, 12.2}},
	}
	m := Aggregate(20, passes, Extras{Audio: &AudioLevel{RMSdB: -40, PeakdB: -31}})

	assert.Equal(t, 3, m.Passes)
	assert.Equal(t, 2, m.ValidPasses)
	require.NotNil(t, m.AvgScaleMPH)
	assert.Equal(t, 11.0, *m.AvgScaleMPH)
	assert.Equal(t, "B-A", m.Direction)
	assert.Equal(t, []float64{11.8, 12.2}, m.Intervals)
	assert.Empty(t, m.Error)
	require.NotNil(t, m.AudioRMSdB)
	assert.Equal(t, -40.0, *m.AudioRMSdB)
	assert.Len(t, m.RawPasses, 2)
}

func TestAggregateRoundsMean(t *testing.T) {
	m := Aggregate(5, []PassOutcome{
		{Detected: true, SpeedMPH: 1.04, Direction: "A-B"},
		{Detected: true, SpeedMPH: 1.11, Direction: "A-B"},
	}, Extras{})
	assert.Equal(t, 1.1, *m.AvgScaleMPH)
}

func TestAggregateRoundsHalfToEven(t *testing.T) {
	mean := func(a, b float64) float64 {
		m := Aggregate(5, []PassOutcome{
			{Detected: true, SpeedMPH: a, Direction: "A-B"},
			{Detected: true, SpeedMPH: b, Direction: "A-B"},
		}, Extras{})
		return *m.AvgScaleMPH
	}
	assert.Equal(t, 0.2, mean(0.2, 0.3))
	assert.Equal(t, 0.8, mean(0.5, 1.0))
}

func TestAggregateNoDetection(t *testing.T) {
	m := Aggregate(3, []PassOutcome{NoDetection(Forward), NoDetection(Reverse)}, Extras{})
	assert.Equal(t, 2, m.Passes)
	assert.Zero(t, m.ValidPasses)
	assert.Nil(t, m.AvgScaleMPH)
	assert.Equal(t, "none", m.Direction)
	assert.Equal(t, NoDataMarker, m.Error)
	assert.Nil(t, m.AudioRMSdB)
}

func TestAggregateUnknownDirection(t *testing.T) {
	m := Aggregate(3, []PassOutcome{{Detected: true, SpeedMPH: 4}}, Extras{})
	assert.Equal(t, "unknown", m.Direction)
}

func TestRunAppendAndFinalize(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := NewRun(3, start)

	require.NoError(t, run.Append(Aggregate(5, []PassOutcome{{Detected: true, SpeedMPH: 2}}, Extras{})))
	assert.ErrorIs(t, run.Append(Aggregate(5, nil, Extras{})), ErrStepOrder)
	assert.ErrorIs(t, run.Append(Aggregate(4, nil, Extras{})), ErrStepOrder)
	require.NoError(t, run.Append(Aggregate(63, []PassOutcome{{Detected: true, SpeedMPH: 30}}, Extras{})))
	require.NoError(t, run.Append(Aggregate(126, []PassOutcome{NoDetection(Forward)}, Extras{})))

	run.StartOfMotion = NewStartOfMotion(MotionThreshold{Forward, 5}, MotionThreshold{Reverse, 7})
	require.NoError(t, run.Finalize(start.Add(90*time.Second), ""))
	assert.ErrorIs(t, run.Finalize(start, ""), ErrFinalized)
	assert.ErrorIs(t, run.Append(Aggregate(127, nil, Extras{})), ErrFinalized)
	assert.False(t, run.Aborted)

	five, seven, four, six := 5, 7, 4, 6
	two, thirty := 2.0, 30.0
	want := &Summary{
		TotalStepsMeasured:  3,
		ValidSteps:          2,
		TotalPasses:         3,
		DurationSec:         90,
		MinReliableSpeedMPH: &two,
		MaxSpeedMPH:         &thirty,
		MinSpeedStepForward: &five,
		MinSpeedStepReverse: &seven,
		DeadStepsForward:    &four,
		DeadStepsReverse:    &six,
		SpeedAtStep63MPH:    &thirty,
	}
	if diff := cmp.Diff(want, run.Summary); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}

func TestETA(t *testing.T) {
	_, ok := ETA(time.Minute, 0, 10)
	assert.False(t, ok)

	eta, ok := ETA(40*time.Second, 4, 10)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, eta)

	eta, ok = ETA(time.Minute, 10, 10)
	assert.True(t, ok)
	assert.Zero(t, eta)
}

func TestPassesFor(t *testing.T) {
	cfg := DefaultSweepConfig()
	assert.Equal(t, 3, cfg.PassesFor(10, 5, true))
	assert.Equal(t, 1, cfg.PassesFor(11, 5, true))
	assert.Equal(t, 1, cfg.PassesFor(5, 5, false))
	assert.Equal(t, []int{5, 8, 11}, SweepConfig{MaxStep: 12, StepInc: 3}.Steps(5))
}

func TestSweepAdaptivePassesAndShuttle(t *testing.T) {
	rig := newFakeRig(5, 7)
	var events []Event
	c := &Controller{
		Motor:   rig,
		Sensors: rig,
		Config: SweepConfig{
			MinStep: 1, MaxStep: 10, StepInc: 1,
			Passes: 1, LowPasses: 3, LowRange: 2,
			Audio: true, Pull: true, Vibration: true,
		},
		Timing: instantTiming(),
		Events: EventFunc(func(e Event) { events = append(events, e) }),
	}
	run := NewRun(3, time.Now())
	require.NoError(t, c.Run(context.Background(), run))

	require.NotNil(t, run.StartOfMotion)
	assert.Equal(t, 5, run.StartOfMotion.ForwardStep)
	assert.Equal(t, 7, run.StartOfMotion.ReverseStep)

	var steps, passes, valid []int
	for _, m := range run.SpeedTable {
		steps = append(steps, m.Step)
		passes = append(passes, m.Passes)
		valid = append(valid, m.ValidPasses)
	}
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10}, steps)
	assert.Equal(t, []int{3, 3, 3, 1, 1, 1}, passes)
	// Shuttle: fwd,rev,fwd | rev,fwd,rev | fwd,rev,fwd | rev | fwd | rev.
	assert.Equal(t, []int{2, 1, 3, 1, 1, 1}, valid)

	step5 := run.SpeedTable[0]
	assert.Equal(t, 2.5, *step5.AvgScaleMPH)
	assert.Equal(t, "A-B", step5.Direction)
	assert.Equal(t, "B-A", run.SpeedTable[3].Direction)
	require.NotNil(t, step5.PullGrams)
	assert.Equal(t, 42.0, *step5.PullGrams)
	assert.Nil(t, step5.VibrationP2P)
	assert.Equal(t, len(run.SpeedTable), rig.audioCalls)

	assert.True(t, run.Finalized())
	assert.False(t, run.Aborted)
	assert.Equal(t, 12, run.Summary.TotalPasses)
	assert.Equal(t, "stop", rig.lastCommand())
	require.NotEmpty(t, events)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestSweepSkipThresholdUsesMinStep(t *testing.T) {
	rig := newFakeRig(1, 1)
	c := &Controller{
		Motor:   rig,
		Sensors: rig,
		Config: SweepConfig{
			MinStep: 10, MaxStep: 20, StepInc: 5,
			Passes: 2, LowPasses: 3, LowRange: 5,
			SkipThreshold: true,
		},
		Timing: instantTiming(),
	}
	run := NewRun(3, time.Now())
	require.NoError(t, c.Run(context.Background(), run))

	assert.Nil(t, run.StartOfMotion)
	require.Len(t, run.SpeedTable, 3)
	for _, m := range run.SpeedTable {
		assert.Equal(t, 2, m.Passes)
	}
	assert.Nil(t, run.Summary.DeadStepsForward)
	assert.Zero(t, rig.audioCalls)
}

func TestSweepInterruptKeepsCompletedSteps(t *testing.T) {
	rig := newFakeRig(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel during the fourth measurement: steps 1..3 are complete.
	rig.onMeasure = func(n int) {
		if n == 4 {
			cancel()
		}
	}
	c := &Controller{
		Motor:   rig,
		Sensors: rig,
		Config:  SweepConfig{MinStep: 1, MaxStep: 10, StepInc: 1, Passes: 1, LowPasses: 1, SkipThreshold: true},
		Timing:  instantTiming(),
	}
	run := NewRun(3, time.Now())
	require.NoError(t, c.Run(ctx, run))

	assert.True(t, run.Aborted)
	assert.Equal(t, AbortUserInterrupt, run.AbortReason)
	require.Len(t, run.SpeedTable, 3)
	assert.Equal(t, 3, run.SpeedTable[2].Step)
	assert.Equal(t, "stop", rig.lastCommand())
	assert.Equal(t, 3, run.Summary.TotalStepsMeasured)
}

func TestSweepRecordsTimeoutsAsNoDetection(t *testing.T) {
	rig := newFakeRig(1, 1)
	rig.measureFail = func(n int) bool { return n%2 == 0 }
	c := &Controller{
		Motor:   rig,
		Sensors: rig,
		Config:  SweepConfig{MinStep: 1, MaxStep: 4, StepInc: 1, Passes: 1, LowPasses: 1, SkipThreshold: true},
		Timing:  instantTiming(),
	}
	run := NewRun(3, time.Now())
	require.NoError(t, c.Run(context.Background(), run))

	require.Len(t, run.SpeedTable, 4)
	assert.True(t, run.SpeedTable[0].HasSpeed())
	assert.False(t, run.SpeedTable[1].HasSpeed())
	assert.Equal(t, NoDataMarker, run.SpeedTable[1].Error)
	assert.Equal(t, 2, run.Summary.ValidSteps)
}

func TestSweepRejectsBadConfig(t *testing.T) {
	good := SweepConfig{MinStep: 1, MaxStep: 10, StepInc: 1, Passes: 1, LowPasses: 1}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		modify func(*SweepConfig)
	}{
		{"min step zero", func(c *SweepConfig) { c.MinStep = 0 }},
		{"max step above range", func(c *SweepConfig) { c.MaxStep = MaxSpeedStep + 1 }},
		{"min above max", func(c *SweepConfig) { c.MinStep, c.MaxStep = 50, 10 }},
		{"min above max without search", func(c *SweepConfig) { c.MinStep, c.MaxStep, c.SkipThreshold = 50, 10, true }},
		{"zero increment", func(c *SweepConfig) { c.StepInc = 0 }},
		{"zero passes", func(c *SweepConfig) { c.Passes = 0 }},
		{"zero low passes", func(c *SweepConfig) { c.LowPasses = 0 }},
		{"negative low range", func(c *SweepConfig) { c.LowRange = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := good
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())

			rig := newFakeRig(1, 1)
			c := &Controller{Motor: rig, Sensors: rig, Config: cfg}
			run := NewRun(3, time.Now())
			assert.Error(t, c.Run(context.Background(), run))
			assert.Empty(t, run.SpeedTable)
			assert.False(t, run.Finalized())
		})
	}
}

func TestSweepInterruptCountsPartialStepPasses(t *testing.T) {
	rig := newFakeRig(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Three passes per step: cancel during the sixth measurement, after
	// step 1 and two passes of step 2.
	rig.onMeasure = func(n int) {
		if n == 6 {
			cancel()
		}
	}
	c := &Controller{
		Motor:   rig,
		Sensors: rig,
		Config:  SweepConfig{MinStep: 1, MaxStep: 10, StepInc: 1, Passes: 3, LowPasses: 3, SkipThreshold: true},
		Timing:  instantTiming(),
	}
	run := NewRun(3, time.Now())
	require.NoError(t, c.Run(ctx, run))

	assert.True(t, run.Aborted)
	require.Len(t, run.SpeedTable, 1)
	assert.Equal(t, 3, run.SpeedTable[0].Passes)
	assert.Equal(t, 1, run.Summary.TotalStepsMeasured)
	assert.Equal(t, 5, run.Summary.TotalPasses)
}

func TestSaveArtifactNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 14, 5, 9, 0, time.Local)

	run := NewRun(1234, now)
	require.NoError(t, run.Append(Aggregate(10, []PassOutcome{{Detected: true, SpeedMPH: 5, Direction: "A-B"}}, Extras{})))
	require.NoError(t, run.Finalize(now.Add(time.Minute), AbortUserInterrupt))

	path := ArtifactPath(filepath.Join(dir, "out"), 1234)
	first, err := SaveArtifact(run, path, now)
	require.NoError(t, err)
	assert.Equal(t, path, first)

	second, err := SaveArtifact(run, path, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "speed_table_1234_20260301_140509.json"), second)

	third, err := SaveArtifact(run, path, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "speed_table_1234_20260301_140509_2.json"), third)
	fourth, err := SaveArtifact(run, path, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "speed_table_1234_20260301_140509_3.json"), fourth)

	loaded, err := LoadArtifact(second)
	require.NoError(t, err)
	assert.True(t, loaded.Aborted)
	assert.Equal(t, AbortUserInterrupt, loaded.AbortReason)
	assert.Equal(t, 1234, loaded.Address)
	require.Len(t, loaded.SpeedTable, 1)
	assert.Equal(t, 5.0, *loaded.SpeedTable[0].AvgScaleMPH)

	raw, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"abort_reason": "user_interrupt"`)
	assert.Contains(t, string(raw), `"speed_table"`)
}
