package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registerTestConn registers a live connection pair with the registry
// and returns its id and the client end for reading pushes.
func registerTestConn(t *testing.T, registry *ConnectionRegistry, userID string) (uuid.UUID, *ws.Conn) {
	t.Helper()

	serverConn, clientConn := newTestConnPair(t)
	conn := &Connection{
		UserID: userID,
		writer: newClientWriter(serverConn, clockwork.NewRealClock(), 30*time.Second, 5*time.Minute),
	}
	id := registry.Register(conn)
	t.Cleanup(func() { registry.Unregister(id) })
	return id, clientConn
}

func readEnvelope(t *testing.T, conn *ws.Conn) Envelope {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

func testEnvelope(channel, eventType string) Envelope {
	return Envelope{
		Channel:   channel,
		Type:      eventType,
		Payload:   json.RawMessage(`{"rating":4}`),
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatcher_BroadcastReachesSubscriber(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, clientConn := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id, "vibe_checks:venue-1")

	dispatcher.Broadcast("vibe_checks:venue-1", testEnvelope("vibe_checks:venue-1", "vibe_check_created"))

	envelope := readEnvelope(t, clientConn)
	assert.Equal(t, "vibe_checks:venue-1", envelope.Channel)
	assert.Equal(t, "vibe_check_created", envelope.Type)
	assert.JSONEq(t, `{"rating":4}`, string(envelope.Payload))
}

func TestDispatcher_BroadcastSkipsOtherChannels(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, clientConn := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id, "promotions:venue-1")

	dispatcher.Broadcast("promotions:venue-2", testEnvelope("promotions:venue-2", "promotion_created"))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err, "subscriber of a different channel must receive nothing")
}

func TestDispatcher_SubscribeIsIdempotent(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, clientConn := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id, "venue_updates")
	dispatcher.Subscribe(id, "venue_updates")

	assert.Equal(t, map[string]int{"venue_updates": 1}, dispatcher.ChannelCounts())

	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))
	readEnvelope(t, clientConn)

	// Exactly one delivery despite the duplicate subscribe.
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err)
}

func TestDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, clientConn := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id, "venue_updates")
	dispatcher.Unsubscribe(id, "venue_updates")

	assert.Empty(t, dispatcher.ChannelCounts())

	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := clientConn.ReadMessage()
	assert.Error(t, err)
}

func TestDispatcher_UnsubscribeUnknownIsNoOp(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	dispatcher.Unsubscribe(uuid.New(), "venue_updates")
	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))
}

func TestDispatcher_DropConnectionRemovesAllMemberships(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, _ := registerTestConn(t, registry, "")
	other, otherConn := registerTestConn(t, registry, "")

	dispatcher.Subscribe(id, "venue_updates")
	dispatcher.Subscribe(id, "vibe_checks:venue-1")
	dispatcher.Subscribe(other, "venue_updates")

	dispatcher.DropConnection(id)

	assert.Empty(t, dispatcher.Channels(id))
	assert.Equal(t, map[string]int{"venue_updates": 1}, dispatcher.ChannelCounts())

	// The remaining subscriber still receives broadcasts.
	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))
	readEnvelope(t, otherConn)
}

func TestDispatcher_BroadcastPrunesDeadConnections(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id, _ := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id, "venue_updates")

	// Connection dies without DropConnection: a normal, frequent event.
	registry.Unregister(id)

	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))

	// The dead id was pruned from the channel during the broadcast.
	assert.Empty(t, dispatcher.ChannelCounts())
}

func TestDispatcher_MultipleSubscribersAllReceive(t *testing.T) {
	registry := NewConnectionRegistry()
	dispatcher := NewChannelDispatcher(registry)

	id1, conn1 := registerTestConn(t, registry, "")
	id2, conn2 := registerTestConn(t, registry, "")
	dispatcher.Subscribe(id1, "venue_updates")
	dispatcher.Subscribe(id2, "venue_updates")

	dispatcher.Broadcast("venue_updates", testEnvelope("venue_updates", "venue_updated"))

	for _, conn := range []*ws.Conn{conn1, conn2} {
		envelope := readEnvelope(t, conn)
		assert.Equal(t, "venue_updated", envelope.Type)
	}
}
