// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package transport is the topic-addressed publish/subscribe layer shared by
// the control host, the JMRI throttle bridge and the sensor array.
package transport

import "errors"

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("transport: closed")

// Handler receives one inbound message. Handlers run on the bus's own
// delivery goroutine, never on the goroutine that published, and must not
// block.
type Handler func(topic string, payload []byte)

// Bus is the minimal surface every component needs from the message broker.
type Bus interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, h Handler) error
	Close()
}
