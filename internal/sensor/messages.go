package sensor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Number decodes from either a JSON number or a numeric string. The sensor
// firmware formats speeds as strings with fixed precision.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("sensor: non-numeric value %q", s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n Number) Float() float64 { return float64(n) }

// Result is one pass of the locomotive over the sensor array.
type Result struct {
	SensorsTriggered int      `json:"sensors_triggered"`
	AvgSpeedMPH      *Number  `json:"avg_speed_mph,omitempty"`
	Direction        string   `json:"direction,omitempty"`
	DurationMS       Number   `json:"duration_ms"`
	SpeedsMPH        []Number `json:"speeds_mph,omitempty"`
}

// MinTriggeredForMotion is the sensor count that proves the locomotive
// actually moved.
const MinTriggeredForMotion = 2

// Moved reports whether the pass triggered enough sensors to count as
// movement.
func (r *Result) Moved() bool {
	return r != nil && r.SensorsTriggered >= MinTriggeredForMotion
}

// HasSpeed reports whether the pass carries an average speed.
func (r *Result) HasSpeed() bool {
	return r != nil && r.AvgSpeedMPH != nil
}

// Intervals returns the per-interval speeds as plain floats.
func (r *Result) Intervals() []float64 {
	if r == nil || len(r.SpeedsMPH) == 0 {
		return nil
	}
	out := make([]float64, len(r.SpeedsMPH))
	for i, s := range r.SpeedsMPH {
		out[i] = s.Float()
	}
	return out
}

// Audio is one microphone capture.
type Audio struct {
	RMSdB      Number `json:"rms_db"`
	PeakdB     Number `json:"peak_db"`
	Samples    int    `json:"samples"`
	DurationMS Number `json:"duration_ms"`
}

// Load is one load-cell reading in grams.
type Load struct {
	Grams Number `json:"grams"`
	Tared bool   `json:"tared"`
}

// Vibration is one accelerometer capture.
type Vibration struct {
	PeakToPeak Number `json:"peak_to_peak"`
	RMS        Number `json:"rms"`
	Samples    int    `json:"samples"`
	DurationMS Number `json:"duration_ms"`
}
