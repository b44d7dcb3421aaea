package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/tracker"
)

const redisKeyPrefix = "tracker:"

// RedisStore keeps each conversation's event records in a redis list and
// rebuilds trackers by replaying the list. Saves RPUSH only the unflushed
// suffix, so the list stays append-only.
type RedisStore struct {
	cfg    Config
	client *redis.Client
	ttl    time.Duration // 0 means keys never expire
}

// NewRedisStore creates a store over an established redis client.
func NewRedisStore(cfg Config, client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{cfg: cfg, client: client, ttl: ttl}
}

func redisKey(senderID string) string {
	return redisKeyPrefix + senderID + ":events"
}

// Retrieve replays the conversation's record list into a fresh tracker.
func (s *RedisStore) Retrieve(ctx context.Context, senderID string) (*tracker.Tracker, error) {
	raw, err := s.client.LRange(ctx, redisKey(senderID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read events for %s: %w", senderID, err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	records := make([]event.Record, 0, len(raw))
	for _, item := range raw {
		var rec event.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("store: decode event for %s: %w", senderID, err)
		}
		records = append(records, rec)
	}

	events, err := event.DecodeAll(records)
	if err != nil {
		return nil, fmt.Errorf("store: decode events for %s: %w", senderID, err)
	}

	t, err := tracker.FromEvents(senderID, events, s.cfg.Domain, s.cfg.trackerOptions()...)
	if err != nil {
		return nil, err
	}
	t.MarkFlushed(records[len(records)-1].Seq)
	return t, nil
}

// Save appends the tracker's unflushed events to the conversation's list,
// taken from the pending list so truncation cannot hide them from the flush.
func (s *RedisStore) Save(ctx context.Context, t *tracker.Tracker) error {
	pending := t.PendingEvents()
	if len(pending) == 0 {
		return nil
	}

	records, err := event.EncodeAll(t.SenderID(), pending)
	if err != nil {
		return fmt.Errorf("store: encode events: %w", err)
	}

	values := make([]any, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("store: marshal event %d: %w", rec.Seq, err)
		}
		values = append(values, data)
	}

	key := redisKey(t.SenderID())
	if err := s.client.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("store: push events for %s: %w", t.SenderID(), err)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("store: refresh ttl for %s: %w", t.SenderID(), err)
		}
	}

	t.MarkFlushed(records[len(records)-1].Seq)
	return nil
}

// SenderIDs scans for every conversation key.
func (s *RedisStore) SenderIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*:events", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id := strings.TrimSuffix(strings.TrimPrefix(key, redisKeyPrefix), ":events")
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan sender ids: %w", err)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
