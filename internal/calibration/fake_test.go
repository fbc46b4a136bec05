package calibration

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/blwfish/test-and-calibration-track/internal/sensor"
)

// fakeRig moves iff the commanded step reaches the threshold of the
// current direction, at half a scale mph per step.
type fakeRig struct {
	mu        sync.Mutex
	threshold map[Direction]int
	dir       Direction
	step      int
	commands  []string

	measures    int
	audioCalls  int
	onMeasure   func(n int) // called with the 1-based measure count
	measureFail func(n int) bool
}

func newFakeRig(fwd, rev int) *fakeRig {
	return &fakeRig{threshold: map[Direction]int{Forward: fwd, Reverse: rev}, dir: Forward}
}

func (r *fakeRig) record(cmd string) {
	r.commands = append(r.commands, cmd)
}

func (r *fakeRig) Forward() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = Forward
	r.record("forward")
	return nil
}

func (r *fakeRig) Reverse() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir = Reverse
	r.record("reverse")
	return nil
}

func (r *fakeRig) Speed(f float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = int(math.Round(f * MaxSpeedStep))
	r.record("speed")
	return nil
}

func (r *fakeRig) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.step = 0
	r.record("stop")
	return nil
}

func (r *fakeRig) Measure(ctx context.Context, _ time.Duration) (*sensor.Result, error) {
	r.mu.Lock()
	r.measures++
	n := r.measures
	hook, fail := r.onMeasure, r.measureFail
	step, dir := r.step, r.dir
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fail != nil && fail(n) {
		return nil, sensor.ErrNoResult
	}
	if step == 0 || step < r.threshold[dir] {
		return &sensor.Result{SensorsTriggered: 0}, nil
	}
	speed := sensor.Number(float64(step) * 0.5)
	label := "A-B"
	if dir == Reverse {
		label = "B-A"
	}
	return &sensor.Result{
		SensorsTriggered: 4,
		AvgSpeedMPH:      &speed,
		Direction:        label,
		SpeedsMPH:        []sensor.Number{speed - 0.5, speed, speed + 0.5},
	}, nil
}

func (r *fakeRig) CaptureAudio(context.Context, time.Duration) (*sensor.Audio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audioCalls++
	return &sensor.Audio{RMSdB: sensor.Number(-50 + float64(r.step)/10), PeakdB: -30}, nil
}

func (r *fakeRig) ReadLoad(context.Context, time.Duration) (*sensor.Load, error) {
	return &sensor.Load{Grams: 42, Tared: true}, nil
}

func (r *fakeRig) CaptureVibration(context.Context, time.Duration) (*sensor.Vibration, error) {
	return nil, sensor.ErrNoResult
}

func (r *fakeRig) lastCommand() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commands) == 0 {
		return ""
	}
	return r.commands[len(r.commands)-1]
}

// instantTiming removes every wait.
func instantTiming() Timing {
	return Timing{}
}
