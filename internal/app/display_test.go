package app

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blwfish/test-and-calibration-track/internal/audio"
	"github.com/blwfish/test-and-calibration-track/internal/calibration"
	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

func TestPrintReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	run := calibration.NewRun(3, start)
	run.RosterID = "UP 844"
	speed := 2.2
	require.NoError(t, run.Append(calibration.SpeedStepMeasurement{Step: 4, AvgScaleMPH: &speed, Passes: 2}))
	require.NoError(t, run.Finalize(start.Add(90*time.Second), calibration.AbortUserInterrupt))

	var out bytes.Buffer
	PrintReport(&out, &Report{
		Run:          run,
		ArtifactPath: "/tmp/speed_table_3.json",
		RunID:        7,
		ImportError:  "roster entry not found",
		Comparison:   &audio.Comparison{Reference: "SP 4449", DeltaDB: 3.2},
	}, false)

	got := out.String()
	assert.Contains(t, got, "=== Calibration Summary ===")
	assert.Contains(t, got, "aborted (user_interrupt)")
	assert.Contains(t, got, "Steps measured: 1 / 1")
	assert.Contains(t, got, "Stored as run:  #7")
	assert.Contains(t, got, "FAILED: roster entry not found")
	assert.Contains(t, got, "vs reference 'SP 4449': +3.2 dB")
	assert.Contains(t, got, "audio_calibrate --roster-id 'UP 844' --apply")
}

func TestPrintFleet(t *testing.T) {
	var out bytes.Buffer
	PrintFleet(&out, nil, nil)
	assert.Equal(t, "No locos in the database.\n", out.String())

	mean := -40.0
	out.Reset()
	PrintFleet(&out, []audio.FleetEntry{
		{Loco: storage.Loco{RosterID: "UP 844", Address: 844, DecoderType: "LokSound 5"}, MeanDB: &mean, Grade: audio.GradeNormal, IsReference: true},
		{Loco: storage.Loco{RosterID: "A very long roster name for a loco", Address: 3}, Grade: audio.GradeNoData},
	}, &audio.FleetStats{Count: 1, Median: -40, P25: -40, P75: -40})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Contains(t, lines[1], "UP 844 *")
	assert.Contains(t, lines[1], "-40.0")
	assert.Contains(t, lines[2], "A very long roster name~")
	assert.Contains(t, lines[2], " ? ")
	assert.Contains(t, out.String(), "Fleet: 1 with audio, median -40.0 dB")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc~", truncate("abcdef", 4))
}
