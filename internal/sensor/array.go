// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sensor talks to the track-side sensor array: the IR gates that
// time a pass, plus the microphone, load cell and accelerometer.
package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// ErrNoResult means the array did not report in time, or reported
// something unreadable.
var ErrNoResult = errors.New("sensor: no result")

// Array serialises access per channel: one outstanding wait each for
// result, audio, load and vibration.
type Array struct {
	bus    transport.Bus
	topics transport.Topics
	log    logrus.FieldLogger

	mu      sync.Mutex
	waiters map[string]chan []byte
}

// channels whose replies are awaited. audio, load and vibration share the
// topic with their own command, so empty payloads are ignored.
var channels = []string{"result", "audio", "load", "vibration"}

func New(bus transport.Bus, topics transport.Topics, log logrus.FieldLogger) (*Array, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Array{
		bus:     bus,
		topics:  topics,
		log:     log.WithField("component", "sensor"),
		waiters: map[string]chan []byte{},
	}
	for _, ch := range channels {
		name := ch
		if err := bus.Subscribe(topics.Sensor(name), func(_ string, p []byte) { a.deliver(name, p) }); err != nil {
			return nil, fmt.Errorf("sensor: subscribe %s: %w", name, err)
		}
	}
	return a, nil
}

func (a *Array) deliver(channel string, payload []byte) {
	if len(payload) == 0 {
		return
	}
	a.mu.Lock()
	ch, ok := a.waiters[channel]
	if ok {
		delete(a.waiters, channel)
	}
	a.mu.Unlock()
	if !ok {
		a.log.WithField("channel", channel).Debug("unsolicited reading")
		return
	}
	ch <- append([]byte(nil), payload...)
}

// request registers a waiter on channel, publishes cmd and waits. A newer
// request on the same channel supersedes an older one.
func (a *Array) request(ctx context.Context, channel, cmd string, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	a.mu.Lock()
	a.waiters[channel] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.waiters[channel] == ch {
			delete(a.waiters, channel)
		}
		a.mu.Unlock()
	}()

	if err := a.bus.Publish(a.topics.Sensor(cmd), nil); err != nil {
		return nil, fmt.Errorf("sensor: %s: %w", cmd, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		return p, nil
	case <-timer.C:
		return nil, ErrNoResult
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func decode[T any](p []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(p, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResult, err)
	}
	return &v, nil
}

// Measure arms the gates and waits for the pass result.
func (a *Array) Measure(ctx context.Context, timeout time.Duration) (*Result, error) {
	p, err := a.request(ctx, "result", "arm", timeout)
	if err != nil {
		return nil, err
	}
	return decode[Result](p)
}

// Disarm cancels a pending measurement on the device.
func (a *Array) Disarm() error {
	return a.bus.Publish(a.topics.Sensor("stop"), nil)
}

func (a *Array) CaptureAudio(ctx context.Context, timeout time.Duration) (*Audio, error) {
	p, err := a.request(ctx, "audio", "audio", timeout)
	if err != nil {
		return nil, err
	}
	return decode[Audio](p)
}

func (a *Array) ReadLoad(ctx context.Context, timeout time.Duration) (*Load, error) {
	p, err := a.request(ctx, "load", "load", timeout)
	if err != nil {
		return nil, err
	}
	return decode[Load](p)
}

func (a *Array) CaptureVibration(ctx context.Context, timeout time.Duration) (*Vibration, error) {
	p, err := a.request(ctx, "vibration", "vibration", timeout)
	if err != nil {
		return nil, err
	}
	return decode[Vibration](p)
}

// Tare zeroes the load cell. The device does not acknowledge it.
func (a *Array) Tare() error {
	return a.bus.Publish(a.topics.Sensor("tare"), nil)
}
