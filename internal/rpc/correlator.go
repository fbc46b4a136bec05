// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package rpc turns the fire-and-forget bus into blocking, timeout-bounded
// calls for the bridge commands that echo a request_id.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/transport"
)

// ErrTimeout is returned when no matching response arrives in time. A
// malformed response is reported the same way.
var ErrTimeout = errors.New("rpc: no response before timeout")

// pending is one in-flight request. ch has capacity 1 and only the
// dispatcher that removed the entry from the registry sends on it.
type pending struct {
	kind    Kind
	created time.Time
	ch      chan json.RawMessage
}

// Correlator owns the waiter registry. Many goroutines may call Send
// concurrently; each receives only the response echoing its own id.
type Correlator struct {
	bus     transport.Bus
	topics  transport.Topics
	session string
	counter atomic.Uint64
	log     logrus.FieldLogger

	mu      sync.Mutex
	waiters map[string]*pending

	// CVTimeout overrides the deadline of single CV reads and writes.
	CVTimeout time.Duration
}

// New subscribes to every response topic and returns a ready correlator.
func New(bus transport.Bus, topics transport.Topics, log logrus.FieldLogger) (*Correlator, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &Correlator{
		bus:     bus,
		topics:  topics,
		session: uuid.NewString()[:8],
		log:     log.WithField("component", "rpc"),
		waiters: map[string]*pending{},
	}

	seen := map[string]bool{}
	for k := Kind(0); k < numKinds; k++ {
		topic := c.responseTopic(k)
		if seen[topic] {
			continue
		}
		seen[topic] = true
		if err := bus.Subscribe(topic, c.dispatch); err != nil {
			return nil, fmt.Errorf("rpc: subscribe %s: %w", topic, err)
		}
	}
	return c, nil
}

// Send tags req with a fresh id, publishes it and waits for the response
// carrying that id. The waiter is always removed before Send returns.
func (c *Correlator) Send(ctx context.Context, req Request, timeout time.Duration) (json.RawMessage, error) {
	kind := req.Kind()
	id := c.nextID(kind)
	req.setRequestID(id)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s: %w", kind, err)
	}

	p := &pending{kind: kind, created: time.Now(), ch: make(chan json.RawMessage, 1)}
	c.mu.Lock()
	c.waiters[id] = p
	c.mu.Unlock()
	defer c.forget(id)

	if err := c.bus.Publish(c.requestTopic(kind), payload); err != nil {
		return nil, fmt.Errorf("rpc: publish %s: %w", kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		c.log.WithFields(logrus.Fields{"kind": kind, "request_id": id}).
			Debugf("response after %s", time.Since(p.created).Round(time.Millisecond))
		return resp, nil
	case <-timer.C:
		c.log.WithFields(logrus.Fields{"kind": kind, "request_id": id}).Debug("timed out")
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending reports how many requests are awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Correlator) nextID(k Kind) string {
	return fmt.Sprintf("%s-%s-%d", routes[k].idPrefix, c.session, c.counter.Add(1))
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// dispatch runs on the bus delivery goroutine. Responses for unknown ids
// (late, foreign, or already timed out) are dropped.
func (c *Correlator) dispatch(topic string, payload []byte) {
	var envelope struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		c.log.WithField("topic", topic).Debugf("discarding malformed response: %v", err)
		return
	}
	if envelope.RequestID == "" {
		return
	}

	c.mu.Lock()
	p, ok := c.waiters[envelope.RequestID]
	if ok {
		delete(c.waiters, envelope.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.WithFields(logrus.Fields{"topic": topic, "request_id": envelope.RequestID}).
			Debug("discarding response with no waiter")
		return
	}
	p.ch <- append(json.RawMessage(nil), payload...)
}

func (c *Correlator) requestTopic(k Kind) string {
	r := routes[k]
	if r.group == "cv" {
		return c.topics.CV(r.request)
	}
	return c.topics.Roster(r.request)
}

func (c *Correlator) responseTopic(k Kind) string {
	r := routes[k]
	if r.group == "cv" {
		return c.topics.CV(r.response)
	}
	return c.topics.Roster(r.response)
}
