// Package history keeps a short-lived, per-channel record of published
// envelopes so the polling fallback can serve clients that lost their
// persistent connection. Entries expire after the retention window;
// this is not message durability, just a catch-up buffer.
package history

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one recorded publish on a channel.
type Entry struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Watermark returns the entry position in unix milliseconds. Polling
// clients pass back the highest watermark they have seen.
func (e Entry) Watermark() int64 {
	return e.Timestamp.UnixMilli()
}

// Store abstracts envelope history storage. The in-memory implementation
// serves a single instance; the Redis implementation lets any instance
// answer polls for envelopes published on another.
type Store interface {
	// Append records an entry on a channel.
	Append(ctx context.Context, channel string, entry Entry) error

	// Since returns entries on the channel strictly newer than the
	// watermark, oldest first.
	Since(ctx context.Context, channel string, watermark int64) ([]Entry, error)
}
