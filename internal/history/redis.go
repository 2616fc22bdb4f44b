package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// RedisStore keeps per-channel history in Redis sorted sets scored by
// publish time, so every instance of the server can answer polls for
// envelopes published on any other instance.
type RedisStore struct {
	rdb       *goredis.Client
	clock     clockwork.Clock
	retention time.Duration
}

// storedEntry carries a unique id so two identical publishes in the same
// millisecond remain distinct sorted-set members.
type storedEntry struct {
	ID string `json:"id"`
	Entry
}

func NewRedisStore(rdb *goredis.Client, clock clockwork.Clock, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, clock: clock, retention: retention}
}

func historyKey(channel string) string {
	return "history:" + channel
}

func (s *RedisStore) Append(ctx context.Context, channel string, entry Entry) error {
	data, err := json.Marshal(storedEntry{ID: uuid.NewString(), Entry: entry})
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	key := historyKey(channel)
	cutoff := s.clock.Now().Add(-s.retention).UnixMilli()

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: float64(entry.Watermark()), Member: data})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Since(ctx context.Context, channel string, watermark int64) ([]Entry, error) {
	members, err := s.rdb.ZRangeByScore(ctx, historyKey(channel), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(watermark, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	entries := make([]Entry, 0, len(members))
	for _, member := range members {
		var stored storedEntry
		if err := json.Unmarshal([]byte(member), &stored); err != nil {
			continue
		}
		entries = append(entries, stored.Entry)
	}
	return entries, nil
}
