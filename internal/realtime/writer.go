package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// clientWriter owns all writes to one WebSocket connection. Pushes go
// through a buffered channel so a slow client never blocks a broadcast;
// the writer goroutine also drives the ping/pong liveness probe and the
// idle timeout that reaps clients that vanished without a clean close.
type clientWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	pingInterval time.Duration
	idleTimeout  time.Duration

	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	activityMutex sync.Mutex
	lastActivity  time.Time
	warningSent   bool
}

func newClientWriter(connection *websocket.Conn, clock clockwork.Clock, pingInterval, idleTimeout time.Duration) *clientWriter {
	cw := &clientWriter{
		connection:   connection,
		clock:        clock,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
		lastActivity: clock.Now(),
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

// send queues a message without blocking. False means the buffer is full.
func (cw *clientWriter) send(data []byte) bool {
	select {
	case cw.sendChannel <- data:
		return true
	default:
		return false
	}
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(cw.pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case msg, ok := <-cw.sendChannel:
			if !ok {
				return
			}
			start := cw.clock.Now()
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			metrics.MessageSendDuration.Observe(cw.clock.Since(start).Seconds())
		case <-ticker.Chan():
			if cw.checkIdleTimeout() {
				metrics.IdleDisconnects.Inc()
				_ = cw.connection.Close()
				return
			}
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing. Used on
// server shutdown so clients see a normal closure instead of an abort.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// The run goroutine must exit before we write the close frame,
		// otherwise we race on the connection.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
	})
	cw.wg.Wait()
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		cw.recordActivity()
		return nil
	})
}

// Socket deadlines always use wall-clock time: the kernel compares them
// against real time even when the logical clock in tests is fake.
func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(time.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	// Two missed pings and the read side gives up too.
	_ = cw.connection.SetReadDeadline(time.Now().Add(2 * cw.pingInterval))
}

func (cw *clientWriter) recordActivity() {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	cw.lastActivity = cw.clock.Now()
	cw.warningSent = false
}

func (cw *clientWriter) lastActivityTime() time.Time {
	cw.activityMutex.Lock()
	defer cw.activityMutex.Unlock()
	return cw.lastActivity
}

// checkIdleTimeout reports whether the connection has been silent past
// the idle limit. One warning frame is sent a minute before the cut.
func (cw *clientWriter) checkIdleTimeout() bool {
	cw.activityMutex.Lock()
	idleDuration := cw.clock.Since(cw.lastActivity)
	warningSent := cw.warningSent
	cw.activityMutex.Unlock()

	if idleDuration >= cw.idleTimeout {
		return true
	}

	warningTime := cw.idleTimeout - time.Minute
	if warningTime > 0 && !warningSent && idleDuration >= warningTime {
		warning := []byte(`{"warning":"Connection idle. Will disconnect if no activity within 1 minute."}`)
		cw.updateWriteDeadline()
		if err := cw.connection.WriteMessage(websocket.TextMessage, warning); err == nil {
			cw.activityMutex.Lock()
			cw.warningSent = true
			cw.activityMutex.Unlock()
		}
	}

	return false
}
