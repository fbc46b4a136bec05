package app

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/rpc"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []calibration.Event
}

func (r *recorder) Event(e calibration.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []calibration.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []calibration.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func calibrateOptions(t *testing.T, rosterID string) CalibrateOptions {
	return CalibrateOptions{
		Address:        3,
		RosterID:       rosterID,
		Sweep:          narrowSweep(true),
		Timing:         DryRunTiming(),
		AcquireTimeout: time.Second,
		OutputDir:      t.TempDir(),
		ValidateRoster: true,
		ImportProfile:  true,
		CompareAudio:   true,
	}
}

func TestCalibratorRunStoresAndImports(t *testing.T) {
	bus, rig := simBus(t, 3, "UP 844")
	st := openStore(t, ":memory:")
	rec := &recorder{}
	cal := &Calibrator{
		Bus: bus, Topics: testTopics, Store: st, Events: rec, Log: nullLogger(),
		now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}

	rep, err := cal.Run(context.Background(), calibrateOptions(t, "UP 844"))
	require.NoError(t, err)
	run := rep.Run
	require.True(t, run.Finalized())
	assert.False(t, run.Aborted)

	require.NotNil(t, run.StartOfMotion)
	assert.Equal(t, 4, run.StartOfMotion.ForwardStep)
	assert.Equal(t, 5, run.StartOfMotion.ReverseStep)
	steps := make([]int, 0, len(run.SpeedTable))
	for _, m := range run.SpeedTable {
		steps = append(steps, m.Step)
	}
	assert.Equal(t, []int{4, 5, 6, 7, 8}, steps)

	assert.Equal(t, "SoundTraxx Tsunami2", rep.DecoderModel)
	assert.FileExists(t, rep.ArtifactPath)
	assert.Equal(t, filepath.Base(calibration.ArtifactPath("", 3)), filepath.Base(rep.ArtifactPath))

	ctx := context.Background()
	stored, err := st.Run(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, storage.RunSpeed, stored.RunType)
	loco, err := st.Loco(ctx, "UP 844")
	require.NoError(t, err)
	assert.Equal(t, "SoundTraxx Tsunami2", loco.DecoderType)
	thresholds, err := st.MotionThresholds(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"forward": 4, "reverse": 5}, thresholds)

	entries := ProfileEntries(run)
	assert.Len(t, entries, 2*len(run.SpeedTable))
	assert.Equal(t, len(entries), rep.Imported)
	assert.Empty(t, rep.ImportError)
	assert.Equal(t, entries, rig.Profile("UP 844"))

	// No reference loco yet.
	assert.Nil(t, rep.Comparison)
	assert.Contains(t, rep.CompareNote, "--set-reference")

	types := rec.types()
	require.NotEmpty(t, types)
	assert.Equal(t, calibration.EventPhase, types[0])
	assert.Equal(t, calibration.EventComplete, types[len(types)-1])
	assert.Contains(t, types, calibration.EventProbe)
	assert.Contains(t, types, calibration.EventStep)
}

func TestCalibratorComparesAgainstReference(t *testing.T) {
	st := openStore(t, ":memory:")
	ctx := context.Background()

	bus, _ := simBus(t, 3, "REF")
	cal := &Calibrator{Bus: bus, Topics: testTopics, Store: st, Log: nullLogger()}
	_, err := cal.Run(ctx, calibrateOptions(t, "REF"))
	require.NoError(t, err)
	require.NoError(t, st.SetAudioReference(ctx, "REF"))

	bus2, _ := simBus(t, 3, "TGT")
	cal2 := &Calibrator{Bus: bus2, Topics: testTopics, Store: st, Log: nullLogger()}
	rep, err := cal2.Run(ctx, calibrateOptions(t, "TGT"))
	require.NoError(t, err)
	require.NotNil(t, rep.Comparison)
	assert.Equal(t, "REF", rep.Comparison.Reference)
	assert.InDelta(t, 0, rep.Comparison.DeltaDB, 1e-9)
	assert.True(t, rep.Comparison.WithinTolerance())
}

func TestCalibratorNoRosterSkipsImport(t *testing.T) {
	bus, rig := simBus(t, 3, "")
	cal := &Calibrator{Bus: bus, Topics: testTopics, Log: nullLogger()}
	opts := calibrateOptions(t, "")
	opts.Sweep = narrowSweep(false)

	rep, err := cal.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, rep.RunID)
	assert.Zero(t, rep.Imported)
	assert.Zero(t, rig.Count(testTopics.Roster("import_profile")))
	assert.Zero(t, rig.Count(testTopics.Roster("query")))
}

func TestCalibratorAcquireRefused(t *testing.T) {
	bus, rig := simBus(t, 3, "UP 844")
	rig.RefuseAcquire(true)
	cal := &Calibrator{Bus: bus, Topics: testTopics, Log: nullLogger()}

	rep, err := cal.Run(context.Background(), calibrateOptions(t, "UP 844"))
	assert.Nil(t, rep)
	assert.Error(t, err)
}

func TestCalibratorInterruptKeepsPartialRun(t *testing.T) {
	bus, rig := simBus(t, 3, "UP 844")
	st := openStore(t, ":memory:")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stop after the second measured step.
	var steps int
	sink := recorderFunc(func(e calibration.Event) {
		if e.Type == calibration.EventStep {
			steps++
			if steps == 2 {
				cancel()
			}
		}
	})
	cal := &Calibrator{Bus: bus, Topics: testTopics, Store: st, Events: sink, Log: nullLogger()}

	rep, err := cal.Run(ctx, calibrateOptions(t, "UP 844"))
	require.NoError(t, err)
	run := rep.Run
	assert.True(t, run.Aborted)
	assert.Equal(t, calibration.AbortUserInterrupt, run.AbortReason)
	assert.Len(t, run.SpeedTable, 2)
	assert.FileExists(t, rep.ArtifactPath)

	stored, err := st.Run(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.False(t, stored.Complete)
	assert.Zero(t, rig.Count(testTopics.Roster("import_profile")), "aborted runs are not imported")
}

type recorderFunc func(calibration.Event)

func (f recorderFunc) Event(e calibration.Event) { f(e) }

func TestProfileEntriesSkipsStepsWithoutSpeed(t *testing.T) {
	run := calibration.NewRun(3, time.Now())
	speed := 12.5
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{Step: 3}))
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{Step: 4, AvgScaleMPH: &speed}))

	assert.Equal(t, []rpc.ProfileEntry{
		{SpeedStep: 4, SpeedMPH: 12.5, Direction: "forward"},
		{SpeedStep: 4, SpeedMPH: 12.5, Direction: "reverse"},
	}, ProfileEntries(run))
}

func TestRunCalibrateDryRun(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	env := CalibrateEnv{
		Transport: Transport{Prefix: "/dry"},
		DBPath:    filepath.Join(dir, "cal.db"),
		Dashboard: "127.0.0.1:0",
		Out:       &out,
		Log:       nullLogger(),
	}
	opts := calibrateOptions(t, "UP 844")
	opts.DryRun = true
	opts.Output = filepath.Join(dir, "table.json")

	require.NoError(t, RunCalibrate(context.Background(), env, opts))
	assert.Contains(t, out.String(), "Calibration Summary (dry run)")
	assert.Contains(t, out.String(), "Start of motion: fwd=4 rev=5")
	assert.FileExists(t, opts.Output)

	st := openStore(t, env.DBPath)
	runs, err := st.Runs(context.Background(), storage.RunFilter{RosterID: "UP 844"})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	loaded, err := calibration.LoadArtifact(opts.Output)
	require.NoError(t, err)
	assert.Equal(t, "UP 844", loaded.RosterID)
	assert.Len(t, loaded.SpeedTable, 5)
}
