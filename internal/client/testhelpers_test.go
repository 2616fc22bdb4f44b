package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Frames pushed via push() arrive at the
// manager's reader; control frames written by the manager are recorded.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	writes []realtime.ControlFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// newAckedConn returns a fake connection with the handshake
// acknowledgement already queued.
func newAckedConn(t *testing.T) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	conn.push(t, realtime.Envelope{
		Channel:   "system",
		Type:      "connected",
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now().UTC(),
	})
	return conn
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v any) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var frame realtime.ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, frame)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, envelope realtime.Envelope) {
	t.Helper()
	data, err := json.Marshal(envelope)
	require.NoError(t, err)
	select {
	case c.in <- data:
	case <-time.After(time.Second):
		t.Fatal("fake connection inbound buffer full")
	}
}

func (c *fakeConn) controlFrames() []realtime.ControlFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]realtime.ControlFrame(nil), c.writes...)
}

// hasControlFrame reports whether the manager sent the given frame.
func (c *fakeConn) hasControlFrame(action, channel string) bool {
	for _, frame := range c.controlFrames() {
		if frame.Action == action && frame.Channel == channel {
			return true
		}
	}
	return false
}

// overlapConn flags WriteJSON calls that overlap in time. The manager
// must funnel every outbound frame through a single goroutine, so an
// overlap is always a bug.
type overlapConn struct {
	*fakeConn
	writing    atomic.Bool
	overlapped atomic.Bool
}

func newOverlapConn(t *testing.T) *overlapConn {
	t.Helper()
	return &overlapConn{fakeConn: newAckedConn(t)}
}

func (c *overlapConn) WriteJSON(v any) error {
	if !c.writing.CompareAndSwap(false, true) {
		c.overlapped.Store(true)
	} else {
		// Hold the slot long enough for a racing writer to collide.
		time.Sleep(time.Millisecond)
		c.writing.Store(false)
	}
	return c.fakeConn.WriteJSON(v)
}

// fakeDialer hands out queued connections and refuses everything else.
type fakeDialer struct {
	mu    sync.Mutex
	queue []Conn
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.queue) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.queue[0]
	d.queue = d.queue[1:]
	return conn, nil
}

func (d *fakeDialer) enqueue(conn Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, conn)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// collector counts callback invocations and keeps their payloads.
type collector struct {
	mu       sync.Mutex
	payloads []json.RawMessage
}

func (c *collector) callback(payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payloads = append(c.payloads, payload)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func (c *collector) last() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.payloads) == 0 {
		return nil
	}
	return c.payloads[len(c.payloads)-1]
}
