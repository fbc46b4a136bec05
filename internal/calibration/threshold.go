package calibration

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/sensor"
)

// Search bounds for start of motion.
const (
	ThresholdLow  = 1
	ThresholdHigh = 20
)

// Motor is the subset of the throttle used by calibration.
type Motor interface {
	Forward() error
	Reverse() error
	Speed(fraction float64) error
	Stop() error
}

// Sensors is the subset of the sensor array used by calibration.
type Sensors interface {
	Measure(ctx context.Context, timeout time.Duration) (*sensor.Result, error)
	CaptureAudio(ctx context.Context, timeout time.Duration) (*sensor.Audio, error)
	ReadLoad(ctx context.Context, timeout time.Duration) (*sensor.Load, error)
	CaptureVibration(ctx context.Context, timeout time.Duration) (*sensor.Vibration, error)
}

// Timing holds every fixed wait of a run.
type Timing struct {
	DirectionSettle time.Duration // after a direction command
	ProbeSettle     time.Duration // before measuring a threshold probe
	ProbeTimeout    time.Duration
	ProbeStopSettle time.Duration // after stopping a probe
	Settle          time.Duration // before measuring a sweep pass
	MeasureTimeout  time.Duration
	PassStopSettle  time.Duration // after stopping a pass, before reversing
	ReverseSettle   time.Duration // after reversing, before the next pass
	CaptureTimeout  time.Duration // audio, load cell, vibration
}

func DefaultTiming() Timing {
	return Timing{
		DirectionSettle: 500 * time.Millisecond,
		ProbeSettle:     3 * time.Second,
		ProbeTimeout:    15 * time.Second,
		ProbeStopSettle: 2 * time.Second,
		Settle:          5 * time.Second,
		MeasureTimeout:  90 * time.Second,
		PassStopSettle:  time.Second,
		ReverseSettle:   time.Second,
		CaptureTimeout:  5 * time.Second,
	}
}

// ThresholdFinder binary-searches the lowest step producing motion.
type ThresholdFinder struct {
	Motor   Motor
	Sensors Sensors
	Timing  Timing
	Log     logrus.FieldLogger

	// OnProbe, if set, is told about every probe.
	OnProbe func(dir Direction, step int, moved bool)
}

// Find searches [ThresholdLow, ThresholdHigh] for dir. If nothing ever
// moves, the upper bound is returned. Only context cancellation and
// transport errors are returned as errors.
func (f *ThresholdFinder) Find(ctx context.Context, dir Direction) (MotionThreshold, error) {
	log := f.logger().WithField("direction", dir)
	log.Infof("searching start of motion in steps %d-%d", ThresholdLow, ThresholdHigh)

	if err := setDirection(f.Motor, dir); err != nil {
		return MotionThreshold{}, err
	}
	if err := sleep(ctx, f.Timing.DirectionSettle); err != nil {
		return MotionThreshold{}, err
	}

	low, high := ThresholdLow, ThresholdHigh
	best := high
	for low <= high {
		mid := (low + high) / 2
		moved, err := f.probe(ctx, dir, mid)
		if err != nil {
			return MotionThreshold{}, err
		}
		log.WithField("step", mid).Debugf("probe moved=%t", moved)
		if f.OnProbe != nil {
			f.OnProbe(dir, mid, moved)
		}
		if moved {
			best = mid
			high = mid - 1
		} else {
			low = mid + 1
		}
	}

	log.Infof("threshold step %d", best)
	return MotionThreshold{Direction: dir, Step: best}, nil
}

func (f *ThresholdFinder) probe(ctx context.Context, dir Direction, step int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := setDirection(f.Motor, dir); err != nil {
		return false, err
	}
	if err := f.Motor.Speed(StepToThrottle(step)); err != nil {
		return false, err
	}
	if err := sleep(ctx, f.Timing.ProbeSettle); err != nil {
		return false, err
	}

	res, merr := f.Sensors.Measure(ctx, f.Timing.ProbeTimeout)
	if isCancel(merr) {
		return false, merr
	}
	if err := f.Motor.Stop(); err != nil {
		return false, err
	}
	if err := sleep(ctx, f.Timing.ProbeStopSettle); err != nil {
		return false, err
	}
	return merr == nil && res.Moved(), nil
}

func (f *ThresholdFinder) logger() logrus.FieldLogger {
	if f.Log == nil {
		return logrus.StandardLogger()
	}
	return f.Log
}

func setDirection(m Motor, dir Direction) error {
	if dir == Forward {
		return m.Forward()
	}
	return m.Reverse()
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
