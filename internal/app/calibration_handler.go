// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/blwfish/test-and-calibration-track/internal/calibration"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served on the layout LAN
	},
}

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// WSMessage is a command from a dashboard client.
type WSMessage struct {
	Action string `json:"action"` // cancel
}

// ProgressHub streams sweep events to every connected websocket client and
// turns a cancel action into an interrupt of the running sweep.
type ProgressHub struct {
	cancel func()
	log    logrus.FieldLogger

	mu        sync.Mutex
	clients   map[*hubClient]struct{}
	lastPhase *calibration.Event
	lastStep  *calibration.Event
	closed    bool
	wg        sync.WaitGroup
}

type hubClient struct {
	conn *websocket.Conn
	send chan calibration.Event
}

// NewProgressHub returns a hub that calls cancel when a client asks to
// stop. cancel may be nil for a read-only dashboard.
func NewProgressHub(cancel func(), log logrus.FieldLogger) *ProgressHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ProgressHub{
		cancel:  cancel,
		log:     log.WithField("component", "progress"),
		clients: map[*hubClient]struct{}{},
	}
}

// Event implements calibration.EventSink. Slow clients miss events rather
// than stall the sweep.
func (h *ProgressHub) Event(e calibration.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Type {
	case calibration.EventPhase:
		h.lastPhase, h.lastStep = &e, nil
	case calibration.EventStep:
		h.lastStep = &e
	}
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.log.Debug("client too slow, dropping event")
		}
	}
}

// Clients returns the number of connected clients.
func (h *ProgressHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the client until it leaves or
// the hub closes.
func (h *ProgressHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade error: %v", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan calibration.Event, clientBuffer)}
	if !h.add(c) {
		conn.Close()
		return
	}
	defer h.wg.Done()
	h.log.Debugf("client %s connected", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()
	h.readLoop(c)
	h.remove(c)
	<-done
	conn.Close()
	h.log.Debugf("client %s disconnected", r.RemoteAddr)
}

func (h *ProgressHub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	// Late joiners see where the sweep is.
	for _, e := range []*calibration.Event{h.lastPhase, h.lastStep} {
		if e != nil {
			c.send <- *e
		}
	}
	return true
}

func (h *ProgressHub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *ProgressHub) readLoop(c *hubClient) {
	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "cancel":
			h.log.Warn("cancel requested from dashboard")
			if h.cancel != nil {
				h.cancel()
			}
		default:
			h.log.Debugf("ignoring action %q", msg.Action)
		}
	}
}

// writeLoop drains c.send until remove closes it. After a failed write the
// connection is closed so readLoop ends too.
func (h *ProgressHub) writeLoop(c *hubClient) {
	failed := false
	for e := range c.send {
		if failed {
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(e); err != nil {
			h.log.Debugf("websocket write error: %v", err)
			failed = true
			c.conn.Close()
		}
	}
}

// Close disconnects every client and waits for their handlers to finish.
func (h *ProgressHub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "calibration finished"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}
