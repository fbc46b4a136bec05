package transport

import "sync"

type message struct {
	topic   string
	payload []byte
}

// Memory is an in-process Bus used for dry runs and tests. Delivery happens
// in publish order on a single background goroutine, so handlers observe
// the same threading model as with a real broker.
type Memory struct {
	mu      sync.Mutex
	subs    map[string][]Handler
	pending []message
	closed  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemory starts the delivery goroutine. Call Close to stop it.
func NewMemory() *Memory {
	m := &Memory{
		subs: map[string][]Handler{},
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Publish queues a copy of payload. It never blocks, so handlers may publish.
func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.pending = append(m.pending, message{topic: topic, payload: append([]byte(nil), payload...)})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Subscribe(topic string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], h)
	return nil
}

// Close drops undelivered messages and waits for the delivery goroutine.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.pending = nil
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

func (m *Memory) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			m.mu.Lock()
			if m.closed || len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			msg := m.pending[0]
			m.pending = m.pending[1:]
			handlers := append([]Handler(nil), m.subs[msg.topic]...)
			m.mu.Unlock()

			for _, h := range handlers {
				h(msg.topic, msg.payload)
			}
		}
	}
}
