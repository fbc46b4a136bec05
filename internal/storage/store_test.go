package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func f64(v float64) *float64 { return &v }

func TestOpenCreatesCurrentSchema(t *testing.T) {
	s := openTest(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestOpenMigratesVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_version (version INTEGER NOT NULL);
		INSERT INTO schema_version VALUES (1);
		CREATE TABLE locos (
			id INTEGER PRIMARY KEY, roster_id TEXT UNIQUE NOT NULL, address INTEGER NOT NULL,
			decoder_type TEXT, is_audio_reference INTEGER DEFAULT 0, notes TEXT,
			created TEXT NOT NULL, updated TEXT NOT NULL);
		CREATE TABLE calibration_runs (
			id INTEGER PRIMARY KEY, loco_id INTEGER NOT NULL, run_type TEXT NOT NULL,
			timestamp TEXT NOT NULL, direction TEXT, step_increment INTEGER, settle_ms INTEGER,
			firmware_version TEXT, complete INTEGER DEFAULT 0, aborted INTEGER DEFAULT 0,
			duration_sec REAL, notes TEXT);
		CREATE TABLE speed_entries (
			run_id INTEGER NOT NULL, speed_step INTEGER NOT NULL, throttle_pct REAL, speed_mph REAL,
			pull_grams REAL, vib_peak_to_peak REAL, vib_rms REAL, audio_rms_db REAL, audio_peak_db REAL,
			PRIMARY KEY (run_id, speed_step));
		CREATE TABLE motion_thresholds (
			run_id INTEGER NOT NULL, direction TEXT NOT NULL, threshold_step INTEGER NOT NULL,
			PRIMARY KEY (run_id, direction));
		CREATE TABLE audio_adjustments (
			id INTEGER PRIMARY KEY, run_id INTEGER NOT NULL, reference_run_id INTEGER,
			master_volume_delta_db REAL, recommended_cv INTEGER, recommended_value INTEGER,
			applied INTEGER DEFAULT 0, applied_timestamp TEXT);
		INSERT INTO locos (roster_id, address, created, updated) VALUES ('GP38', 3801, 'x', 'x');
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	s, err := Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	l, err := s.Loco(ctx, "GP38")
	require.NoError(t, err)
	assert.False(t, l.IsConsist)

	require.NoError(t, s.SetConsist(ctx, "GP38", []ConsistMember{{MemberAddress: 3801}}))
	members, err := s.ConsistMembers(ctx, "GP38", true)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, RoleSound, members[0].Role)
}

func TestUpsertLocoKeepsDecoderUnlessGiven(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	id, err := s.UpsertLoco(ctx, "SD40", 40, "Tsunami2")
	require.NoError(t, err)
	again, err := s.UpsertLoco(ctx, "SD40", 41, "")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	l, err := s.Loco(ctx, "SD40")
	require.NoError(t, err)
	assert.Equal(t, 41, l.Address)
	assert.Equal(t, "Tsunami2", l.DecoderType)

	_, err = s.Loco(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAudioReferenceIsExclusive(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	for _, id := range []string{"A", "B"} {
		_, err := s.UpsertLoco(ctx, id, 3, "")
		require.NoError(t, err)
	}

	require.NoError(t, s.SetAudioReference(ctx, "A"))
	require.NoError(t, s.SetAudioReference(ctx, "B"))
	ref, err := s.AudioReference(ctx)
	require.NoError(t, err)
	assert.Equal(t, "B", ref.RosterID)

	assert.ErrorIs(t, s.SetAudioReference(ctx, "missing"), ErrNotFound)

	locos, err := s.Locos(ctx)
	require.NoError(t, err)
	refs := 0
	for _, l := range locos {
		if l.IsAudioReference {
			refs++
		}
	}
	assert.Equal(t, 1, refs)
}

func TestLatestRunPrefersNewestComplete(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	loco, err := s.UpsertLoco(ctx, "RS3", 3, "")
	require.NoError(t, err)

	first, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)
	require.NoError(t, s.CompleteRun(ctx, first, 100))
	second, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)
	require.NoError(t, s.AbortRun(ctx, second, 5))

	latest, err := s.LatestRun(ctx, "RS3", true)
	require.NoError(t, err)
	assert.Equal(t, first, latest.ID)
	assert.True(t, latest.Complete)

	newest, err := s.LatestRun(ctx, "RS3", false)
	require.NoError(t, err)
	assert.Equal(t, second, newest.ID)
	assert.True(t, newest.Aborted)
	require.NotNil(t, newest.DurationSec)
	assert.Equal(t, 5.0, *newest.DurationSec)

	_, err = s.LatestRun(ctx, "other", true)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.CompleteRun(ctx, 999, 1), ErrNotFound)
}

func TestSpeedEntryReplacesSameStep(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	loco, err := s.UpsertLoco(ctx, "RS3", 3, "")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)

	require.NoError(t, s.PutSpeedEntry(ctx, run, SpeedEntry{Step: 10, SpeedMPH: f64(4)}))
	require.NoError(t, s.PutSpeedEntry(ctx, run, SpeedEntry{Step: 10, SpeedMPH: f64(5)}))

	entries, err := s.SpeedEntries(ctx, run)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 5.0, *entries[0].SpeedMPH)
	assert.Nil(t, entries[0].AudioRMSdB)
}

func TestMeanAudioDelta(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	loco, err := s.UpsertLoco(ctx, "RS3", 3, "")
	require.NoError(t, err)
	target, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)
	ref, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)

	require.NoError(t, s.PutSpeedEntries(ctx, target, []SpeedEntry{
		{Step: 10, AudioRMSdB: f64(-40)},
		{Step: 20, AudioRMSdB: f64(-34)},
		{Step: 30, AudioRMSdB: f64(-20)},
	}))
	require.NoError(t, s.PutSpeedEntries(ctx, ref, []SpeedEntry{
		{Step: 10, AudioRMSdB: f64(-43)},
		{Step: 20, AudioRMSdB: f64(-37)},
		{Step: 30},
	}))

	delta, ok, err := s.MeanAudioDelta(ctx, target, ref)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 3.0, delta, 1e-9)

	other, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)
	_, ok, err = s.MeanAudioDelta(ctx, target, other)
	require.NoError(t, err)
	assert.False(t, ok)

	curve, err := s.AudioCurve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []CurvePoint{{Step: 10, Value: -43}, {Step: 20, Value: -37}}, curve)
}

func TestAdjustmentLifecycle(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	loco, err := s.UpsertLoco(ctx, "RS3", 3, "")
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, NewRun{LocoID: loco})
	require.NoError(t, err)

	cv, value := 128, 120
	id, err := s.AddAdjustment(ctx, Adjustment{RunID: run, DeltaDB: 2.5, RecommendedCV: &cv, RecommendedValue: &value})
	require.NoError(t, err)
	require.NoError(t, s.MarkApplied(ctx, id))

	a, err := s.Adjustment(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Applied)
	assert.NotEmpty(t, a.AppliedAt)
	assert.Equal(t, int64(0), a.ReferenceRunID)
	assert.Nil(t, a.MemberAddress)
	assert.Equal(t, 120, *a.RecommendedValue)

	assert.ErrorIs(t, s.MarkApplied(ctx, id+1), ErrNotFound)

	member := 3801
	_, err = s.AddAdjustment(ctx, Adjustment{RunID: run, MemberAddress: &member, DeltaDB: -1})
	require.NoError(t, err)
	all, err := s.Adjustments(ctx, run, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	scoped, err := s.Adjustments(ctx, run, &member)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, -1.0, scoped[0].DeltaDB)
}

func TestSaveRun(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := calibration.NewRun(1234, start)
	run.StartOfMotion = calibration.NewStartOfMotion(
		calibration.MotionThreshold{Direction: calibration.Forward, Step: 4},
		calibration.MotionThreshold{Direction: calibration.Reverse, Step: 6},
	)
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{
		Step: 4, ThrottlePct: 3.2, Passes: 3, ValidPasses: 2, AvgScaleMPH: f64(2), AudioRMSdB: f64(-50),
	}))
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{
		Step: 5, ThrottlePct: 4, Passes: 3, Error: calibration.NoDataMarker,
	}))
	require.NoError(t, run.Finalize(start.Add(90*time.Second), ""))

	id, err := s.SaveRun(ctx, run, RunParams{StepIncrement: 1, Settle: 5 * time.Second})
	require.NoError(t, err)

	saved, err := s.Run(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "addr:1234", saved.RosterID)
	assert.Equal(t, 5000, saved.SettleMS)
	assert.Equal(t, "both", saved.Direction)
	assert.True(t, saved.Complete)

	th, err := s.MotionThresholds(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"forward": 4, "reverse": 6}, th)

	entries, err := s.SpeedEntries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Nil(t, entries[1].SpeedMPH)

	runs, err := s.Runs(ctx, RunFilter{RosterID: "addr:1234"})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSaveRunLeavesNothingOnFailure(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER reject_step BEFORE INSERT ON speed_entries
		WHEN NEW.speed_step = 99 BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := calibration.NewRun(77, start)
	run.StartOfMotion = calibration.NewStartOfMotion(
		calibration.MotionThreshold{Direction: calibration.Forward, Step: 4},
		calibration.MotionThreshold{Direction: calibration.Reverse, Step: 5},
	)
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{Step: 4, Passes: 1, AvgScaleMPH: f64(2)}))
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{Step: 99, Passes: 1, AvgScaleMPH: f64(50)}))
	require.NoError(t, run.Finalize(start.Add(time.Minute), ""))

	id, err := s.SaveRun(ctx, run, RunParams{StepIncrement: 1})
	require.Error(t, err)
	assert.Zero(t, id)

	var runs, entries, thresholds int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calibration_runs`).Scan(&runs))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM speed_entries`).Scan(&entries))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM motion_thresholds`).Scan(&thresholds))
	assert.Zero(t, runs)
	assert.Zero(t, entries)
	assert.Zero(t, thresholds)
	_, err = s.Loco(ctx, "addr:77")
	assert.ErrorIs(t, err, ErrNotFound)
}
