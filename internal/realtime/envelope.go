package realtime

import (
	"encoding/json"
	"time"
)

// Well-known channel names. Parametric channels are built with the
// helper functions below; the bus itself treats every channel as an
// opaque string.
const (
	ChannelVenueUpdates  = "venue_updates"
	ChannelNotifications = "notifications"
)

// UserNotificationsChannel returns the per-user history channel for
// addressed notifications. Only the history store uses this scoping; on
// the wire notifications always arrive on ChannelNotifications.
func UserNotificationsChannel(userID string) string {
	return "notifications:" + userID
}

// VibeChecksChannel returns the per-venue vibe check channel.
func VibeChecksChannel(venueID string) string {
	return "vibe_checks:" + venueID
}

// PromotionsChannel returns the per-venue promotions channel.
func PromotionsChannel(venueID string) string {
	return "promotions:" + venueID
}

// VenueChannel returns the channel carrying updates for a single venue.
func VenueChannel(venueID string) string {
	return "venue:" + venueID
}

// Envelope is the unit of transmission between publishers and subscribed
// clients. The payload is opaque to the bus; its shape is a contract
// between publisher and subscriber.
type Envelope struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Watermark returns the envelope position used by the polling fallback
// to deduplicate deliveries: unix milliseconds of the publish time.
func (e Envelope) Watermark() int64 {
	return e.Timestamp.UnixMilli()
}

// Control frame actions accepted from clients.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlFrame is the client → server subscribe/unsubscribe message.
type ControlFrame struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}
