package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/IdrisKulubi/buzzvar-realtime/internal/metrics"
)

// ChannelDispatcher maintains channel → subscriber-id sets and performs
// fan-out delivery. Channels exist implicitly: the first subscribe
// creates one, removing the last subscriber drops it. Both the forward
// map and the per-connection reverse index live under one mutex, so a
// connection's memberships can never diverge from the channel sets.
//
// Broadcast snapshots the subscriber list under the read lock and pushes
// outside it, so a slow or blocked client cannot stall unrelated
// broadcasts.
type ChannelDispatcher struct {
	registry *ConnectionRegistry

	mu       sync.RWMutex
	channels map[string]map[uuid.UUID]struct{}
	byConn   map[uuid.UUID]map[string]struct{}
}

func NewChannelDispatcher(registry *ConnectionRegistry) *ChannelDispatcher {
	return &ChannelDispatcher{
		registry: registry,
		channels: make(map[string]map[uuid.UUID]struct{}),
		byConn:   make(map[uuid.UUID]map[string]struct{}),
	}
}

// Subscribe adds the connection to the channel's subscriber set.
// Subscribing twice is a no-op.
func (d *ChannelDispatcher) Subscribe(connectionID uuid.UUID, channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs, ok := d.channels[channel]
	if !ok {
		subs = make(map[uuid.UUID]struct{})
		d.channels[channel] = subs
		metrics.ActiveChannels.Set(float64(len(d.channels)))
	}
	subs[connectionID] = struct{}{}

	memberships, ok := d.byConn[connectionID]
	if !ok {
		memberships = make(map[string]struct{})
		d.byConn[connectionID] = memberships
	}
	memberships[channel] = struct{}{}
}

// Unsubscribe removes the connection from the channel. Unknown channels
// and non-members are tolerated silently.
func (d *ChannelDispatcher) Unsubscribe(connectionID uuid.UUID, channel string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(connectionID, channel)
}

// DropConnection removes the connection from every channel it belongs
// to. Called once by the server on disconnect.
func (d *ChannelDispatcher) DropConnection(connectionID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for channel := range d.byConn[connectionID] {
		d.removeLocked(connectionID, channel)
	}
}

func (d *ChannelDispatcher) removeLocked(connectionID uuid.UUID, channel string) {
	subs, ok := d.channels[channel]
	if ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(d.channels, channel)
			metrics.ActiveChannels.Set(float64(len(d.channels)))
		}
	}

	memberships := d.byConn[connectionID]
	delete(memberships, channel)
	if len(memberships) == 0 {
		delete(d.byConn, connectionID)
	}
}

// Channels returns the channels the connection is currently subscribed to.
func (d *ChannelDispatcher) Channels(connectionID uuid.UUID) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	channels := make([]string, 0, len(d.byConn[connectionID]))
	for channel := range d.byConn[connectionID] {
		channels = append(channels, channel)
	}
	return channels
}

// ChannelCounts returns subscriber counts per channel for introspection.
func (d *ChannelDispatcher) ChannelCounts() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	counts := make(map[string]int, len(d.channels))
	for channel, subs := range d.channels {
		counts[channel] = len(subs)
	}
	return counts
}

// Broadcast delivers the envelope to every current subscriber of the
// channel. Subscriber ids that no longer resolve to a live connection
// are skipped and pruned; a connection dying mid-broadcast is a normal,
// frequent event, not an error. Cost is O(subscribers on channel).
func (d *ChannelDispatcher) Broadcast(channel string, envelope Envelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		slog.Error("Failed to marshal envelope", "channel", channel, "error", err)
		return
	}

	d.mu.RLock()
	ids := make([]uuid.UUID, 0, len(d.channels[channel]))
	for id := range d.channels[channel] {
		ids = append(ids, id)
	}
	d.mu.RUnlock()

	var dead []uuid.UUID
	for _, id := range ids {
		conn, ok := d.registry.Get(id)
		if !ok {
			dead = append(dead, id)
			continue
		}
		if !conn.Send(data) {
			slog.Warn("Disconnecting slow client", "connection_id", id.String(), "channel", channel)
			metrics.SlowClientsEvicted.Inc()
			dead = append(dead, id)
			d.registry.Unregister(id)
			continue
		}
		metrics.EnvelopesDelivered.Inc()
	}

	for _, id := range dead {
		d.DropConnection(id)
	}
}
