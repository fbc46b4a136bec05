// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package throttle drives a locomotive through the JMRI throttle bridge.
// Commands are fire-and-forget; only Acquire waits for a status reply.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// AcquireTimeout matches the bridge's own roster/throttle allocation delay.
const AcquireTimeout = 35 * time.Second

// LongAddressThreshold is the first address that needs a long DCC address.
const LongAddressThreshold = 128

var (
	ErrTimeout       = errors.New("throttle: acquire timed out")
	ErrAcquireFailed = errors.New("throttle: bridge refused acquire")
)

type waiter struct {
	match func(Status) bool
	ch    chan Status
}

// Throttle tracks the bridge status stream. A single Acquire may wait at a
// time; concurrent Acquire calls are not supported.
type Throttle struct {
	bus    transport.Bus
	topics transport.Topics
	log    logrus.FieldLogger

	mu      sync.Mutex
	last    Status
	ready   bool
	address int
	waiter  *waiter
}

func New(bus transport.Bus, topics transport.Topics, log logrus.FieldLogger) (*Throttle, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Throttle{
		bus:    bus,
		topics: topics,
		log:    log.WithField("component", "throttle"),
	}
	if err := bus.Subscribe(topics.Throttle("status"), t.onStatus); err != nil {
		return nil, fmt.Errorf("throttle: subscribe status: %w", err)
	}
	return t, nil
}

func (t *Throttle) onStatus(_ string, payload []byte) {
	st := ParseStatus(string(payload))
	if st.State == "" {
		return
	}

	t.mu.Lock()
	t.last = st
	if st.State == StateReady {
		t.ready = true
	}
	w := t.waiter
	if w != nil && w.match(st) {
		t.waiter = nil
	} else {
		w = nil
	}
	t.mu.Unlock()

	if st.State == StateError {
		t.log.Warnf("bridge: %s", st.Raw)
	} else {
		t.log.Debugf("bridge: %s", st.Raw)
	}
	if w != nil {
		w.ch <- st
	}
}

// LastStatus returns the most recent status line seen on the bus.
func (t *Throttle) LastStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Ready reports whether the bridge has announced READY.
func (t *Throttle) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Address returns the acquired address, or 0.
func (t *Throttle) Address() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

// Acquire requests a throttle for address and waits for ACQUIRED or FAILED.
// Addresses from 128 upward are requested as long addresses.
func (t *Throttle) Acquire(ctx context.Context, address int, timeout time.Duration) error {
	kind := "S"
	if address >= LongAddressThreshold {
		kind = "L"
	}

	w := &waiter{
		match: func(s Status) bool {
			return s.State == StateAcquired || s.State == StateFailed
		},
		ch: make(chan Status, 1),
	}
	t.mu.Lock()
	t.waiter = w
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.waiter == w {
			t.waiter = nil
		}
		t.mu.Unlock()
	}()

	if err := t.publish("acquire", fmt.Sprintf("%d %s", address, kind)); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case st := <-w.ch:
		if st.State == StateFailed {
			return fmt.Errorf("%w: %s", ErrAcquireFailed, st.Raw)
		}
		t.mu.Lock()
		t.address = address
		t.mu.Unlock()
		t.log.Infof("acquired address %d", address)
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Speed sets the throttle fraction in [0, 1].
func (t *Throttle) Speed(v float64) error {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return t.publish("speed", strconv.FormatFloat(v, 'f', 3, 64))
}

func (t *Throttle) Forward() error { return t.publish("direction", string(StateForward)) }
func (t *Throttle) Reverse() error { return t.publish("direction", string(StateReverse)) }
func (t *Throttle) Stop() error    { return t.publish("stop", "") }
func (t *Throttle) EStop() error   { return t.publish("estop", "") }

func (t *Throttle) Function(num int, on bool) error {
	state := "OFF"
	if on {
		state = "ON"
	}
	return t.publish("function", fmt.Sprintf("%d %s", num, state))
}

func (t *Throttle) Release() error {
	err := t.publish("release", "")
	t.mu.Lock()
	t.address = 0
	t.mu.Unlock()
	return err
}

func (t *Throttle) publish(cmd, payload string) error {
	if err := t.bus.Publish(t.topics.Throttle(cmd), []byte(payload)); err != nil {
		return fmt.Errorf("throttle: %s: %w", cmd, err)
	}
	return nil
}
