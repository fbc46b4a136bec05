// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package calibration

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepConfig selects the steps and passes of a sweep.
type SweepConfig struct {
	MinStep   int // used when the threshold search is skipped
	MaxStep   int
	StepInc   int
	Passes    int // baseline passes per step
	LowPasses int // passes for steps near start of motion
	LowRange  int // width of the low band above the effective minimum

	SkipThreshold bool
	Audio         bool
	Pull          bool
	Vibration     bool
}

func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		MinStep:   1,
		MaxStep:   MaxSpeedStep,
		StepInc:   1,
		Passes:    1,
		LowPasses: 3,
		LowRange:  5,
	}
}

// Validate rejects configurations that cannot produce a sweep.
func (c SweepConfig) Validate() error {
	switch {
	case c.MinStep < 1 || c.MinStep > MaxSpeedStep:
		return fmt.Errorf("calibration: min step %d outside 1..%d", c.MinStep, MaxSpeedStep)
	case c.MaxStep < 1 || c.MaxStep > MaxSpeedStep:
		return fmt.Errorf("calibration: max step %d outside 1..%d", c.MaxStep, MaxSpeedStep)
	case c.MinStep > c.MaxStep:
		return fmt.Errorf("calibration: min step %d above max step %d", c.MinStep, c.MaxStep)
	case c.StepInc < 1:
		return fmt.Errorf("calibration: step increment must be positive")
	case c.Passes < 1 || c.LowPasses < 1:
		return fmt.Errorf("calibration: pass counts must be positive")
	case c.LowRange < 0:
		return fmt.Errorf("calibration: low range must not be negative")
	}
	return nil
}

// Steps lists the steps to sweep from effectiveMin.
func (c SweepConfig) Steps(effectiveMin int) []int {
	var steps []int
	for s := effectiveMin; s <= c.MaxStep; s += c.StepInc {
		steps = append(steps, s)
	}
	return steps
}

// PassesFor returns the pass count for step. The low band only applies
// when start of motion was measured.
func (c SweepConfig) PassesFor(step, effectiveMin int, measured bool) int {
	if measured && step <= effectiveMin+c.LowRange {
		return c.LowPasses
	}
	return c.Passes
}

// ETA estimates the remaining time from the steps done so far. It is
// undefined before the first step completes.
func ETA(elapsed time.Duration, done, total int) (time.Duration, bool) {
	if done <= 0 {
		return 0, false
	}
	per := elapsed / time.Duration(done)
	return per * time.Duration(total-done), true
}

// Controller drives the start-of-motion search and the sweep.
type Controller struct {
	Motor   Motor
	Sensors Sensors
	Config  SweepConfig
	Timing  Timing
	Log     logrus.FieldLogger
	Events  EventSink

	now func() time.Time
}

// Run executes the whole calibration into run and finalizes it. When ctx
// is cancelled the locomotive is stopped, the steps completed so far are
// kept, and the run is finalized as aborted; Run then returns nil. A
// transport failure also stops the run and is returned.
func (c *Controller) Run(ctx context.Context, run *Run) error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	log := c.logger().WithField("address", run.Address)

	err := c.run(ctx, run, log)
	if stopErr := c.Motor.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}

	switch {
	case err == nil:
		if ferr := run.Finalize(c.clock(), ""); ferr != nil {
			return ferr
		}
		log.Infof("sweep complete: %d steps", len(run.SpeedTable))
		c.emit(Event{Type: EventComplete, Summary: run.Summary})
		return nil
	case isCancel(err) && ctx.Err() != nil:
		_ = run.Finalize(c.clock(), AbortUserInterrupt)
		log.Warnf("interrupted, keeping %d measured steps", len(run.SpeedTable))
		c.emit(Event{Type: EventAborted, Message: AbortUserInterrupt, Summary: run.Summary})
		return nil
	default:
		_ = run.Finalize(c.clock(), err.Error())
		c.emit(Event{Type: EventError, Message: err.Error(), Summary: run.Summary})
		return err
	}
}

func (c *Controller) run(ctx context.Context, run *Run, log logrus.FieldLogger) error {
	effectiveMin := c.Config.MinStep
	measured := false

	if !c.Config.SkipThreshold {
		c.emit(Event{Type: EventPhase, Message: "start_of_motion"})
		finder := &ThresholdFinder{
			Motor:   c.Motor,
			Sensors: c.Sensors,
			Timing:  c.Timing,
			Log:     log,
			OnProbe: func(dir Direction, step int, moved bool) {
				c.emit(Event{Type: EventProbe, Direction: dir, Step: step, Moved: moved})
			},
		}
		fwd, err := finder.Find(ctx, Forward)
		if err != nil {
			return err
		}
		rev, err := finder.Find(ctx, Reverse)
		if err != nil {
			return err
		}
		run.StartOfMotion = NewStartOfMotion(fwd, rev)
		effectiveMin = run.StartOfMotion.Min()
		measured = true
		log.Infof("start of motion: forward=%d reverse=%d", fwd.Step, rev.Step)
	}

	steps := c.Config.Steps(effectiveMin)
	log.Infof("sweeping steps %d-%d inc %d (%d steps)", effectiveMin, c.Config.MaxStep, c.Config.StepInc, len(steps))
	c.emit(Event{Type: EventPhase, Message: "sweep", Total: len(steps)})

	dir := Forward
	if err := setDirection(c.Motor, dir); err != nil {
		return err
	}
	if err := sleep(ctx, c.Timing.DirectionSettle); err != nil {
		return err
	}

	start := c.clock()
	for i, step := range steps {
		passes := c.Config.PassesFor(step, effectiveMin, measured)
		stepLog := log.WithFields(logrus.Fields{"step": step, "passes": passes})
		if eta, ok := ETA(c.clock().Sub(start), i, len(steps)); ok {
			stepLog = stepLog.WithField("eta", eta.Round(time.Second))
		}
		stepLog.Infof("step %d/%d throttle=%.3f", step, c.Config.MaxStep, StepToThrottle(step))

		var extras Extras
		outcomes, next, err := c.step(ctx, stepLog, step, passes, dir, &extras)
		// The passes of an unfinished step still count toward the total.
		run.totalPasses += len(outcomes)
		if err != nil {
			return err
		}
		dir = next

		m := Aggregate(step, outcomes, extras)
		if err := run.append(m, false); err != nil {
			return err
		}
		eta, _ := ETA(c.clock().Sub(start), i+1, len(steps))
		c.emit(Event{Type: EventStep, Step: step, Done: i + 1, Total: len(steps), SpeedMPH: m.AvgScaleMPH, ETA: eta})
	}
	return nil
}

// step runs the passes of one speed step, reversing after each. It returns
// the passes completed so far and the direction for the next one.
func (c *Controller) step(ctx context.Context, log logrus.FieldLogger, step, passes int, dir Direction, extras *Extras) ([]PassOutcome, Direction, error) {
	var outcomes []PassOutcome
	for p := 0; p < passes; p++ {
		out, err := c.pass(ctx, step, p, dir, extras)
		if err != nil {
			return outcomes, dir, err
		}
		outcomes = append(outcomes, out)
		c.logPass(log, p, out)
		c.emit(Event{Type: EventPass, Step: step, Pass: p + 1, Passes: passes, Direction: dir, Moved: out.Detected, SpeedMPH: speedPtr(out)})

		if err := c.Motor.Stop(); err != nil {
			return outcomes, dir, err
		}
		if err := sleep(ctx, c.Timing.PassStopSettle); err != nil {
			return outcomes, dir, err
		}
		dir = dir.Opposite()
		if err := setDirection(c.Motor, dir); err != nil {
			return outcomes, dir, err
		}
		if err := sleep(ctx, c.Timing.ReverseSettle); err != nil {
			return outcomes, dir, err
		}
	}
	return outcomes, dir, nil
}

// pass runs one measurement. Captures are taken on the first pass only.
func (c *Controller) pass(ctx context.Context, step, p int, dir Direction, extras *Extras) (PassOutcome, error) {
	if err := ctx.Err(); err != nil {
		return PassOutcome{}, err
	}
	if err := c.Motor.Speed(StepToThrottle(step)); err != nil {
		return PassOutcome{}, err
	}
	if err := sleep(ctx, c.Timing.Settle); err != nil {
		return PassOutcome{}, err
	}
	if p == 0 {
		if err := c.capture(ctx, extras); err != nil {
			return PassOutcome{}, err
		}
	}

	res, err := c.Sensors.Measure(ctx, c.Timing.MeasureTimeout)
	if isCancel(err) {
		return PassOutcome{}, err
	}
	if err != nil || !res.HasSpeed() {
		return NoDetection(dir), nil
	}
	return PassOutcome{
		Detected:   true,
		Travel:     dir,
		SpeedMPH:   res.AvgSpeedMPH.Float(),
		Direction:  res.Direction,
		Sensors:    res.SensorsTriggered,
		DurationMS: res.DurationMS.Float(),
		Intervals:  res.Intervals(),
	}, nil
}

// capture fills the optional first-pass readings. A missing reading is
// left empty; only cancellation is returned.
func (c *Controller) capture(ctx context.Context, extras *Extras) error {
	to := c.Timing.CaptureTimeout
	if c.Config.Audio {
		a, err := c.Sensors.CaptureAudio(ctx, to)
		if isCancel(err) {
			return err
		}
		if err == nil {
			extras.Audio = &AudioLevel{RMSdB: a.RMSdB.Float(), PeakdB: a.PeakdB.Float()}
		}
	}
	if c.Config.Pull {
		l, err := c.Sensors.ReadLoad(ctx, to)
		if isCancel(err) {
			return err
		}
		if err == nil {
			extras.PullGrams = ptr(l.Grams.Float())
		}
	}
	if c.Config.Vibration {
		v, err := c.Sensors.CaptureVibration(ctx, to)
		if isCancel(err) {
			return err
		}
		if err == nil {
			extras.VibrationP2P = ptr(v.PeakToPeak.Float())
			extras.VibrationRMS = ptr(v.RMS.Float())
		}
	}
	return nil
}

func (c *Controller) logPass(log logrus.FieldLogger, p int, out PassOutcome) {
	log = log.WithFields(logrus.Fields{"pass": p + 1, "direction": out.Travel.Short()})
	if !out.Detected {
		log.Info("no detection")
		return
	}
	log.Infof("%.1f mph %s (%d sensors)", out.SpeedMPH, out.Direction, out.Sensors)
}

func (c *Controller) emit(e Event) {
	if c.Events != nil {
		c.Events.Event(e)
	}
}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Controller) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func speedPtr(out PassOutcome) *float64 {
	if !out.Detected {
		return nil
	}
	return ptr(out.SpeedMPH)
}
