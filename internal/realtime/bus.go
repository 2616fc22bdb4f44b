package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/history"
	"github.com/IdrisKulubi/buzzvar-realtime/internal/metrics"
)

const historyAppendTimeout = 2 * time.Second

// Stats is the introspection snapshot returned by Bus.Stats.
type Stats struct {
	TotalClients  int            `json:"totalClients"`
	ChannelCounts map[string]int `json:"channelCounts"`
}

// Options bound the bus's resource usage and liveness windows.
type Options struct {
	MaxConnections int
	PingInterval   time.Duration
	IdleTimeout    time.Duration
}

// Bus is the connection server: it bridges inbound WebSocket traffic to
// the dispatcher and registry, and exposes the publish API collaborators
// call after a successful mutation. Collaborators never touch sockets.
//
// Messages are fire-and-forget: publishing to a channel nobody watches,
// or notifying a user with no live connections, is a no-op.
type Bus struct {
	registry   *ConnectionRegistry
	dispatcher *ChannelDispatcher
	history    history.Store
	clock      clockwork.Clock
	opts       Options
}

// NewBus wires the bus from its injected collaborators. history may be
// nil when no polling fallback endpoint is hosted.
func NewBus(registry *ConnectionRegistry, dispatcher *ChannelDispatcher, hist history.Store, clock clockwork.Clock, opts Options) *Bus {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10000
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Bus{
		registry:   registry,
		dispatcher: dispatcher,
		history:    hist,
		clock:      clock,
		opts:       opts,
	}
}

// HandleConnection registers the freshly upgraded connection, sends the
// handshake acknowledgement, and runs the control-frame read loop. It
// blocks until the client disconnects, then tears the connection down.
// userID may be empty for anonymous connections.
func (b *Bus) HandleConnection(conn *websocket.Conn, userID string) error {
	if b.registry.Count() >= b.opts.MaxConnections {
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		_ = conn.Close()
		return fmt.Errorf("max connections (%d) reached", b.opts.MaxConnections)
	}

	connection := &Connection{
		UserID:      userID,
		ConnectedAt: b.clock.Now(),
		writer:      newClientWriter(conn, b.clock, b.opts.PingInterval, b.opts.IdleTimeout),
	}
	id := b.registry.Register(connection)
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ConnectedClients.Set(float64(b.registry.Count()))
	slog.Debug("Client connected", "connection_id", id.String(), "user_id", userID)

	b.sendAck(connection)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		connection.writer.recordActivity()
		b.handleControlFrame(connection, data)
	}

	b.dispatcher.DropConnection(id)
	b.registry.Unregister(id)
	metrics.ConnectedClients.Set(float64(b.registry.Count()))
	slog.Debug("Client disconnected", "connection_id", id.String(), "last_activity", connection.LastActivity())
	return nil
}

func (b *Bus) sendAck(conn *Connection) {
	ack, err := json.Marshal(map[string]string{"connection_id": conn.ID.String()})
	if err != nil {
		return
	}
	envelope := Envelope{
		Channel:   "system",
		Type:      "connected",
		Payload:   ack,
		Timestamp: b.clock.Now(),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	conn.Send(data)
}

// handleControlFrame processes one subscribe/unsubscribe frame.
// Malformed frames are dropped and logged, never fatal to the connection.
func (b *Bus) handleControlFrame(conn *Connection, data []byte) {
	var frame ControlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		metrics.MalformedFrames.Inc()
		slog.Warn("Dropping malformed frame", "connection_id", conn.ID.String(), "error", err)
		return
	}

	switch frame.Action {
	case ActionSubscribe:
		if frame.Channel == "" {
			metrics.MalformedFrames.Inc()
			return
		}
		b.dispatcher.Subscribe(conn.ID, frame.Channel)
		slog.Debug("Subscribed", "connection_id", conn.ID.String(), "channel", frame.Channel)
	case ActionUnsubscribe:
		b.dispatcher.Unsubscribe(conn.ID, frame.Channel)
		slog.Debug("Unsubscribed", "connection_id", conn.ID.String(), "channel", frame.Channel)
	default:
		metrics.MalformedFrames.Inc()
		slog.Warn("Dropping frame with unknown action", "connection_id", conn.ID.String(), "action", frame.Action)
	}
}

// BroadcastToChannel wraps the payload in an envelope and fans it out to
// every current subscriber of the channel. Safe to call concurrently
// from unrelated collaborator call sites.
func (b *Bus) BroadcastToChannel(channel, eventType string, payload any) error {
	envelope, err := b.makeEnvelope(channel, eventType, payload)
	if err != nil {
		return err
	}

	metrics.BroadcastsTotal.WithLabelValues("channel").Inc()
	b.dispatcher.Broadcast(channel, envelope)
	b.recordHistory(channel, envelope)
	return nil
}

// SendNotification pushes the payload to every live connection owned by
// userID, bypassing channel membership. Notifications are addressed, not
// subscribed; a user with no live connections simply misses it.
func (b *Bus) SendNotification(userID, eventType string, payload any) error {
	envelope, err := b.makeEnvelope(ChannelNotifications, eventType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	metrics.BroadcastsTotal.WithLabelValues("notification").Inc()
	for _, conn := range b.registry.ConnectionsByUser(userID) {
		if !conn.Send(data) {
			slog.Warn("Disconnecting slow client", "connection_id", conn.ID.String(), "user_id", userID)
			metrics.SlowClientsEvicted.Inc()
			b.dispatcher.DropConnection(conn.ID)
			b.registry.Unregister(conn.ID)
			continue
		}
		metrics.EnvelopesDelivered.Inc()
	}

	// History for addressed delivery is scoped per user so the polling
	// fallback cannot leak one user's notifications to another.
	b.recordHistory(UserNotificationsChannel(userID), envelope)
	return nil
}

// Stats reports connection and channel counts. Never mutates state.
func (b *Bus) Stats() Stats {
	return Stats{
		TotalClients:  b.registry.Count(),
		ChannelCounts: b.dispatcher.ChannelCounts(),
	}
}

// Shutdown closes every live connection with a normal close frame.
func (b *Bus) Shutdown(reason string) {
	b.registry.mu.Lock()
	conns := make([]*Connection, 0, len(b.registry.conns))
	for _, conn := range b.registry.conns {
		conns = append(conns, conn)
	}
	b.registry.mu.Unlock()

	slog.Info("Bus shutting down", "clients", len(conns))
	for _, conn := range conns {
		conn.writer.stopGraceful(reason)
		b.dispatcher.DropConnection(conn.ID)
		b.registry.Unregister(conn.ID)
	}
}

func (b *Bus) makeEnvelope(channel, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Envelope{
		Channel:   channel,
		Type:      eventType,
		Payload:   raw,
		Timestamp: b.clock.Now(),
	}, nil
}

func (b *Bus) recordHistory(channel string, envelope Envelope) {
	if b.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyAppendTimeout)
	defer cancel()

	if err := b.history.Append(ctx, channel, history.Entry{
		Type:      envelope.Type,
		Payload:   envelope.Payload,
		Timestamp: envelope.Timestamp,
	}); err != nil {
		metrics.HistoryAppendsTotal.WithLabelValues("error").Inc()
		slog.Warn("Failed to record envelope history", "channel", channel, "error", err)
		return
	}
	metrics.HistoryAppendsTotal.WithLabelValues("ok").Inc()
}
