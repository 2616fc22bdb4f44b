package history

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps per-channel history in process memory. Entries older
// than the retention window are trimmed on every append and read, so an
// idle channel's buffer drains to nothing on the next touch.
type MemoryStore struct {
	clock     clockwork.Clock
	retention time.Duration

	mu       sync.RWMutex
	channels map[string][]Entry
}

func NewMemoryStore(clock clockwork.Clock, retention time.Duration) *MemoryStore {
	return &MemoryStore{
		clock:     clock,
		retention: retention,
		channels:  make(map[string][]Entry),
	}
}

func (s *MemoryStore) Append(_ context.Context, channel string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.trimLocked(channel)
	s.channels[channel] = append(entries, entry)
	return nil
}

func (s *MemoryStore) Since(_ context.Context, channel string, watermark int64) ([]Entry, error) {
	s.mu.Lock()
	entries := s.trimLocked(channel)
	s.channels[channel] = entries
	s.mu.Unlock()

	var newer []Entry
	for _, entry := range entries {
		if entry.Watermark() > watermark {
			newer = append(newer, entry)
		}
	}
	return newer, nil
}

// trimLocked drops entries past retention. Entries are appended in
// publish order, so the cut point is the first young entry.
func (s *MemoryStore) trimLocked(channel string) []Entry {
	entries := s.channels[channel]
	cutoff := s.clock.Now().Add(-s.retention)

	idx := 0
	for idx < len(entries) && entries[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	if idx == len(entries) {
		delete(s.channels, channel)
		return nil
	}
	return append([]Entry(nil), entries[idx:]...)
}
