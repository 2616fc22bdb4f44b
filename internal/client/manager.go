// Package client implements the subscription manager embedded in the
// Buzzvar app. It presents a stable subscribe/unsubscribe API to UI code
// regardless of the underlying connection's actual liveness: callbacks
// registered here keep working across reconnects, and when the
// persistent connection cannot be held the manager degrades to polling.
package client

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/realtime"
)

// Mode is the delivery mode reported by ConnectionState.
type Mode string

const (
	ModeDisconnected Mode = "disconnected"
	ModeConnecting   Mode = "connecting"
	ModeLive         Mode = "live"
	ModeReconnecting Mode = "reconnecting"
	ModePolling      Mode = "polling"
)

// ConnectionState is a snapshot of the manager's transport health. UI
// code only ever sees this degrade; subscribe calls never fail.
type ConnectionState struct {
	IsConnected       bool
	ReconnectAttempts int
	Mode              Mode
	Subscriptions     []string
}

// Callback receives the raw payload of one envelope. Callbacks must not
// block; they run on the manager's dispatch goroutine.
type Callback func(payload json.RawMessage)

// UnsubscribeFunc releases a subscription. Safe to call multiple times
// and safe to call after the manager has been closed.
type UnsubscribeFunc func()

// Options configures a Manager. Zero values take the defaults below.
type Options struct {
	// ServerURL is the WebSocket endpoint, e.g. "ws://host/ws".
	ServerURL string
	// PollURL is the base URL of the polling fallback read endpoint,
	// e.g. "http://host". Empty disables the polling fallback.
	PollURL string
	// UserID scopes addressed notification polling. Empty means
	// anonymous: broadcasts only.
	UserID string

	BackoffBase      time.Duration // default 500ms
	BackoffCap       time.Duration // default 30s
	FailureThreshold int           // reconnect attempts before polling, default 5
	PollInterval     time.Duration // default 10s
	ReprobeInterval  time.Duration // default 30s
	HandshakeTimeout time.Duration // default 10s
}

func (o *Options) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ReprobeInterval <= 0 {
		o.ReprobeInterval = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
}

type subscription struct {
	id       uint64
	channel  string
	callback Callback
}

// Manager owns zero-or-one persistent connection and the local
// subscription table, which is the source of truth: after every
// reconnect the table is replayed as subscribe frames.
type Manager struct {
	opts       Options
	dialer     Dialer
	clock      clockwork.Clock
	httpClient *http.Client

	mu         sync.Mutex
	subs       map[string]map[uint64]*subscription
	nextSubID  uint64
	mode       Mode
	attempts   int
	conn       Conn
	watermarks map[string]int64
	closed     bool

	// controlCh carries outbound subscribe/unsubscribe frames to the run
	// goroutine, which is the sole writer on the connection. Subscribe
	// calls enqueue and return; they never touch the socket.
	controlCh chan realtime.ControlFrame

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager creates a manager and starts its connection loop.
func NewManager(opts Options, dialer Dialer, clock clockwork.Clock) *Manager {
	opts.applyDefaults()
	if dialer == nil {
		dialer = &WebSocketDialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	m := &Manager{
		opts:       opts,
		dialer:     dialer,
		clock:      clock,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		subs:       make(map[string]map[uint64]*subscription),
		mode:       ModeDisconnected,
		watermarks: make(map[string]int64),
		controlCh:  make(chan realtime.ControlFrame, 32),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	go m.run()
	return m
}

// SubscribeToVenueUpdates registers a callback for global venue updates.
func (m *Manager) SubscribeToVenueUpdates(cb Callback) UnsubscribeFunc {
	return m.subscribe(realtime.ChannelVenueUpdates, cb)
}

// SubscribeToVibeChecks registers a callback for vibe checks at a venue.
func (m *Manager) SubscribeToVibeChecks(venueID string, cb Callback) UnsubscribeFunc {
	return m.subscribe(realtime.VibeChecksChannel(venueID), cb)
}

// SubscribeToPromotions registers a callback for promotions at a venue.
func (m *Manager) SubscribeToPromotions(venueID string, cb Callback) UnsubscribeFunc {
	return m.subscribe(realtime.PromotionsChannel(venueID), cb)
}

// SubscribeToNotifications registers a callback for notifications
// addressed to this user. Delivery is addressed server side; locally it
// is modeled as a subscription for API symmetry.
func (m *Manager) SubscribeToNotifications(cb Callback) UnsubscribeFunc {
	return m.subscribe(realtime.ChannelNotifications, cb)
}

// SubscribeToVenueSpecific registers a callback for updates to one venue.
func (m *Manager) SubscribeToVenueSpecific(venueID string, cb Callback) UnsubscribeFunc {
	return m.subscribe(realtime.VenueChannel(venueID), cb)
}

// subscribe registers the callback locally and returns immediately; the
// transport state never blocks or fails a subscribe call. If the
// connection is live the subscribe frame is queued for the run
// goroutine, otherwise replay covers it on the next connect.
func (m *Manager) subscribe(channel string, cb Callback) UnsubscribeFunc {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return func() {}
	}

	m.nextSubID++
	sub := &subscription{id: m.nextSubID, channel: channel, callback: cb}

	set, existed := m.subs[channel]
	if !existed {
		set = make(map[uint64]*subscription)
		m.subs[channel] = set
	}
	set[sub.id] = sub
	live := m.mode == ModeLive
	m.mu.Unlock()

	if !existed && live {
		m.queueControl(realtime.ActionSubscribe, channel)
	}

	return func() { m.unsubscribe(channel, sub.id) }
}

// unsubscribe removes the registration synchronously: no callback
// invocation can happen after it returns. Calling it twice is a no-op.
func (m *Manager) unsubscribe(channel string, id uint64) {
	m.mu.Lock()
	set, ok := m.subs[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, ok := set[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(set, id)
	emptied := len(set) == 0
	if emptied {
		delete(m.subs, channel)
	}
	live := m.mode == ModeLive
	m.mu.Unlock()

	if emptied && live {
		m.queueControl(realtime.ActionUnsubscribe, channel)
	}
}

// GetConnectionState returns a snapshot of transport health and the
// distinct channels currently subscribed.
func (m *Manager) GetConnectionState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := make([]string, 0, len(m.subs))
	for channel := range m.subs {
		channels = append(channels, channel)
	}
	return ConnectionState{
		IsConnected:       m.mode == ModeLive,
		ReconnectAttempts: m.attempts,
		Mode:              m.mode,
		Subscriptions:     channels,
	}
}

// IsConnected reports whether the persistent connection is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeLive
}

// Close tears down the transport and clears all local subscriptions
// without invoking callbacks. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.subs = make(map[string]map[uint64]*subscription)
	m.mode = ModeDisconnected
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	close(m.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	<-m.doneCh
}

func (m *Manager) setMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// queueControl hands a frame to the run goroutine without blocking. A
// full queue is tolerable: the local table is the source of truth, so a
// dropped subscribe is repaired by replay and a dropped unsubscribe only
// costs the server a subscription nobody dispatches to.
func (m *Manager) queueControl(action, channel string) {
	select {
	case m.controlCh <- realtime.ControlFrame{Action: action, Channel: channel}:
	default:
		slog.Debug("Control frame queue full", "action", action, "channel", channel)
	}
}

func (m *Manager) sendControl(conn Conn, frame realtime.ControlFrame) {
	if err := conn.WriteJSON(frame); err != nil {
		slog.Debug("Control frame send failed", "action", frame.Action, "channel", frame.Channel, "error", err)
	}
}

// subscribedChannels snapshots the distinct channels with live callbacks.
func (m *Manager) subscribedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	channels := make([]string, 0, len(m.subs))
	for channel := range m.subs {
		channels = append(channels, channel)
	}
	return channels
}

// dispatch routes one envelope to every callback registered for its
// channel. It iterates over a snapshot, so a callback can unsubscribe
// itself (or anything else) without corrupting the iteration.
func (m *Manager) dispatch(envelope realtime.Envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	set := m.subs[envelope.Channel]
	snapshot := make([]*subscription, 0, len(set))
	for _, sub := range set {
		snapshot = append(snapshot, sub)
	}
	m.mu.Unlock()

	for _, sub := range snapshot {
		// A callback may have unsubscribed a sibling mid-dispatch;
		// deliver only to registrations that still exist.
		m.mu.Lock()
		_, alive := m.subs[envelope.Channel][sub.id]
		m.mu.Unlock()
		if alive {
			sub.callback(envelope.Payload)
		}
	}
}

// markSeen records the envelope watermark for a channel. It returns
// false when the watermark is not newer, which the polling path uses to
// drop events already delivered live.
func (m *Manager) markSeen(channel string, watermark int64, strict bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.watermarks[channel]
	if watermark > current {
		m.watermarks[channel] = watermark
		return true
	}
	return !strict
}
