package history

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(clock clockwork.Clock, eventType string) Entry {
	return Entry{
		Type:      eventType,
		Payload:   json.RawMessage(`{"n":1}`),
		Timestamp: clock.Now(),
	}
}

func TestMemoryStore_SinceFiltersByWatermark(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, time.Minute)
	ctx := context.Background()

	first := entryAt(clock, "first")
	require.NoError(t, store.Append(ctx, "venue_updates", first))

	clock.Advance(10 * time.Millisecond)
	second := entryAt(clock, "second")
	require.NoError(t, store.Append(ctx, "venue_updates", second))

	all, err := store.Since(ctx, "venue_updates", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "first", all[0].Type)
	assert.Equal(t, "second", all[1].Type)

	// Strictly newer than the first entry's watermark.
	newer, err := store.Since(ctx, "venue_updates", first.Watermark())
	require.NoError(t, err)
	require.Len(t, newer, 1)
	assert.Equal(t, "second", newer[0].Type)

	// Nothing newer than the latest watermark.
	none, err := store.Since(ctx, "venue_updates", second.Watermark())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_ChannelsAreIndependent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "vibe_checks:venue-1", entryAt(clock, "vibe_check_created")))

	entries, err := store.Since(ctx, "vibe_checks:venue-2", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_RetentionTrims(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "venue_updates", entryAt(clock, "old")))

	clock.Advance(59 * time.Second)
	require.NoError(t, store.Append(ctx, "venue_updates", entryAt(clock, "young")))

	clock.Advance(2 * time.Second)
	entries, err := store.Since(ctx, "venue_updates", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "entries past retention must be trimmed")
	assert.Equal(t, "young", entries[0].Type)

	clock.Advance(time.Minute)
	entries, err = store.Since(ctx, "venue_updates", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
