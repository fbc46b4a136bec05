package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMemoryDeliversInOrderOffCallerGoroutine(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemory()
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	require.NoError(t, bus.Subscribe("a", func(_ string, p []byte) {
		mu.Lock()
		got = append(got, string(p))
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	}))

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, bus.Publish("a", []byte(p)))
	}
	require.NoError(t, bus.Publish("unrelated", []byte("x")))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestMemoryHandlerMayPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewMemory()
	defer bus.Close()

	reply := make(chan string, 1)
	require.NoError(t, bus.Subscribe("ping", func(_ string, p []byte) {
		_ = bus.Publish("pong", p)
	}))
	require.NoError(t, bus.Subscribe("pong", func(_ string, p []byte) {
		reply <- string(p)
	}))

	require.NoError(t, bus.Publish("ping", []byte("hello")))
	select {
	case r := <-reply:
		assert.Equal(t, "hello", r)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestMemoryClosed(t *testing.T) {
	bus := NewMemory()
	bus.Close()
	bus.Close()

	assert.ErrorIs(t, bus.Publish("a", nil), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe("a", func(string, []byte) {}), ErrClosed)
}

func TestTopics(t *testing.T) {
	tp := NewTopics("/cova/speed-cal/")
	assert.Equal(t, "/cova/speed-cal/throttle/acquire", tp.Throttle("acquire"))
	assert.Equal(t, "/cova/speed-cal/speed-cal/result", tp.Sensor("result"))
	assert.Equal(t, "/cova/speed-cal/roster/info", tp.Roster("info"))
	assert.Equal(t, "/cova/speed-cal/cv/result", tp.CV("result"))
	assert.Equal(t, DefaultPrefix+"/cv/read", NewTopics("").CV("read"))
}
