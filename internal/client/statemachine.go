package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

// The connection state machine:
//
//	disconnected → connecting        on construction
//	connecting   → live              handshake acknowledged; replay subscriptions
//	connecting   → reconnecting      handshake fails or times out
//	live         → reconnecting      transport drops
//	reconnecting → connecting        after backoff (base * 2^attempts, capped)
//	reconnecting → polling           attempts exceed the failure threshold
//	polling      → connecting        periodic re-probe of the persistent path
//
// live and polling are both steady states; the only terminal state is an
// explicit Close. Repeated failed handshakes are themselves a cost on
// constrained mobile networks, which is why the machine stops foreground
// retrying and settles into polling past the threshold.
func (m *Manager) run() {
	defer close(m.doneCh)

	for {
		if m.isClosed() {
			return
		}

		m.setMode(ModeConnecting)
		conn, err := m.connect()
		if err == nil {
			// live returns when the transport drops or the manager closes.
			m.live(conn)
			if m.isClosed() {
				return
			}
			err = errTransportDropped
		}

		m.mu.Lock()
		m.mode = ModeReconnecting
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()
		slog.Debug("Entering reconnect backoff", "attempts", attempts, "cause", err)

		if attempts > m.opts.FailureThreshold {
			if !m.poll() {
				return
			}
			continue
		}

		if !m.sleep(m.backoffDelay(attempts)) {
			return
		}
	}
}

type transportError string

func (e transportError) Error() string { return string(e) }

const (
	errTransportDropped  = transportError("transport dropped")
	errHandshakeTimeout  = transportError("handshake timed out")
	errHandshakeRejected = transportError("handshake rejected")
)

// connect dials the server and waits for the handshake acknowledgement
// frame within the handshake timeout.
func (m *Manager) connect() (*liveConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.opts.ServerURL)
	if err != nil {
		return nil, err
	}

	lc := newLiveConn(conn)

	timer := m.clock.NewTimer(m.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case envelope, ok := <-lc.frames:
		if !ok || envelope.Type != "connected" {
			lc.close()
			return nil, errHandshakeRejected
		}
		return lc, nil
	case <-timer.Chan():
		lc.close()
		return nil, errHandshakeTimeout
	case <-m.stopCh:
		lc.close()
		return nil, errTransportDropped
	}
}

// live installs the connection, replays every locally-registered
// subscription, and pumps inbound frames to callbacks until the
// transport drops or the manager closes. All writes on the connection
// happen here: subscribe calls from other goroutines enqueue on
// controlCh instead of touching the socket.
func (m *Manager) live(lc *liveConn) {
	m.mu.Lock()
	m.mode = ModeLive
	m.attempts = 0
	m.conn = lc.conn
	m.mu.Unlock()
	slog.Debug("Connection live, replaying subscriptions")

	// Frames queued against the previous connection are stale; the
	// replay below reflects the current table exactly.
drain:
	for {
		select {
		case <-m.controlCh:
		default:
			break drain
		}
	}

	for _, channel := range m.subscribedChannels() {
		m.sendControl(lc.conn, realtime.ControlFrame{Action: realtime.ActionSubscribe, Channel: channel})
	}

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		lc.close()
	}()

	for {
		select {
		case envelope, ok := <-lc.frames:
			if !ok {
				return
			}
			m.markSeen(envelope.Channel, envelope.Watermark(), false)
			m.dispatch(envelope)
		case frame := <-m.controlCh:
			m.sendControl(lc.conn, frame)
		case <-m.stopCh:
			return
		}
	}
}

// poll runs the degraded path: periodic pulls for every subscribed
// channel, plus a slower re-probe of the persistent connection. It
// returns true when a re-probe should be attempted (the caller loops
// back into connecting) and false when the manager closed.
func (m *Manager) poll() bool {
	m.setMode(ModePolling)
	slog.Info("Falling back to polling", "interval", m.opts.PollInterval)

	if m.opts.PollURL == "" {
		// No fallback endpoint configured; just wait out the re-probe
		// interval before trying the persistent path again.
		return m.sleep(m.opts.ReprobeInterval)
	}

	poller := newPoller(m)
	defer poller.stop()

	return m.sleep(m.opts.ReprobeInterval)
}

// backoffDelay implements base * 2^attempts capped at the maximum
// interval. attempts is always >= 1 here.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	delay := m.opts.BackoffBase
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= m.opts.BackoffCap {
			return m.opts.BackoffCap
		}
	}
	return delay
}

// sleep waits for d on the injected clock. It returns false if the
// manager closed during the wait.
func (m *Manager) sleep(d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-m.stopCh:
		return false
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// liveConn pairs a connection with its reader goroutine. The reader
// parses inbound push frames into envelopes; unparseable frames are
// dropped and logged, they never terminate the connection.
type liveConn struct {
	conn   Conn
	frames chan realtime.Envelope
	done   chan struct{}
}

func newLiveConn(conn Conn) *liveConn {
	lc := &liveConn{
		conn:   conn,
		frames: make(chan realtime.Envelope),
		done:   make(chan struct{}),
	}
	go lc.read()
	return lc
}

func (lc *liveConn) read() {
	defer close(lc.frames)
	for {
		data, err := lc.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope realtime.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			slog.Warn("Dropping malformed push frame", "error", err)
			continue
		}
		select {
		case lc.frames <- envelope:
		case <-lc.done:
			return
		}
	}
}

func (lc *liveConn) close() {
	close(lc.done)
	_ = lc.conn.Close()
}
