package throttle

import (
	"context"
	"time"
)

// Shuttle runs the locomotive back and forth on the rollers at a fixed
// speed fraction, reversing runs times with pause between reversals. The
// locomotive is always stopped on return.
func (t *Throttle) Shuttle(ctx context.Context, speed float64, runs int, pause time.Duration) (err error) {
	defer func() {
		if stopErr := t.Stop(); err == nil {
			err = stopErr
		}
	}()

	steps := []func() error{
		t.Forward,
		func() error { return sleep(ctx, 500*time.Millisecond) },
		func() error { return t.Speed(speed) },
	}
	for i := 0; i < runs; i++ {
		dir := t.Reverse
		if i%2 == 1 {
			dir = t.Forward
		}
		steps = append(steps,
			func() error { return sleep(ctx, pause) },
			t.Stop,
			func() error { return sleep(ctx, time.Second) },
			dir,
			func() error { return sleep(ctx, 500*time.Millisecond) },
			func() error { return t.Speed(speed) },
		)
	}
	steps = append(steps, func() error { return sleep(ctx, pause) })

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
