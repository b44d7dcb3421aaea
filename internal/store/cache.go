package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/tracker"
	"github.com/converseml/dialogue-engine/pkg/logger"
	"github.com/converseml/dialogue-engine/pkg/metrics"
)

// CacheStore is the authoritative in-memory tracker map. It serializes all
// mutation per sender id and delegates durability to an optional backend.
// Cross-conversation operations take no shared lock beyond the map itself.
type CacheStore struct {
	cfg     Config
	durable TrackerStore // nil for pure in-memory deployments
	logger  *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	// mu is the per-conversation exclusive lock: a single conversation's
	// events are never folded concurrently with each other. lastAccess and
	// evicted are guarded by it too.
	mu         sync.Mutex
	tracker    *tracker.Tracker
	lastAccess time.Time
	evicted    bool
}

// NewCacheStore creates the cache layer. durable may be nil.
func NewCacheStore(cfg Config, durable TrackerStore, log *logger.Logger) *CacheStore {
	return &CacheStore{
		cfg:     cfg,
		durable: durable,
		logger:  log,
		entries: make(map[string]*entry),
	}
}

// GetOrCreate returns the authoritative tracker for a conversation, loading
// it from the durable backend when not cached and creating an empty tracker
// when no history exists.
func (s *CacheStore) GetOrCreate(ctx context.Context, senderID string) (*tracker.Tracker, error) {
	e, err := s.entryFor(ctx, senderID)
	if err != nil {
		return nil, err
	}
	return e.tracker, nil
}

// Exclusive runs fn with the conversation's tracker under its per-sender
// lock. All update paths go through here; two conversations proceed fully
// in parallel, two updates to the same conversation never interleave.
func (s *CacheStore) Exclusive(ctx context.Context, senderID string, fn func(*tracker.Tracker) error) error {
	for {
		e, err := s.entryFor(ctx, senderID)
		if err != nil {
			return err
		}

		done, err := func() (bool, error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.evicted {
				// The janitor dropped this entry while we waited for its
				// lock. Retry against the current entry so the update is
				// never applied to a tracker the map no longer knows.
				return false, nil
			}
			e.lastAccess = time.Now()
			return true, fn(e.tracker)
		}()
		if done {
			return err
		}
	}
}

// Save flushes a tracker to the durable backend, blocking until it
// acknowledges. With no backend configured nothing can become durable, so
// nothing stays pending.
func (s *CacheStore) Save(ctx context.Context, t *tracker.Tracker) error {
	if s.durable == nil {
		t.MarkFlushed(t.LastSeq())
		return nil
	}
	if err := s.durable.Save(ctx, t); err != nil {
		return fmt.Errorf("save tracker %s: %w", t.SenderID(), err)
	}
	return nil
}

// SenderIDs lists cached conversations merged with the durable backend's.
func (s *CacheStore) SenderIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})

	s.mu.RLock()
	for id := range s.entries {
		seen[id] = struct{}{}
	}
	s.mu.RUnlock()

	if s.durable != nil {
		ids, err := s.durable.SenderIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// EvictIdle drops cached trackers idle longer than maxIdle, saving each one
// first. A tracker whose save fails stays cached.
//
// The idleness check, the save and the map delete all happen under the
// entry's lock, so an update cannot slip in between the flush and the drop.
func (s *CacheStore) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	candidates := make([]*entry, 0, len(s.entries))
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		candidates = append(candidates, e)
		ids = append(ids, id)
	}
	s.mu.Unlock()

	evicted := 0
	for i, e := range candidates {
		e.mu.Lock()
		if e.evicted || !e.lastAccess.Before(cutoff) {
			e.mu.Unlock()
			continue
		}
		if err := s.Save(ctx, e.tracker); err != nil {
			e.mu.Unlock()
			s.logger.Warn("skipping eviction, save failed",
				zap.String("sender_id", ids[i]), zap.Error(err))
			continue
		}

		e.evicted = true
		s.mu.Lock()
		if current, ok := s.entries[ids[i]]; ok && current == e {
			delete(s.entries, ids[i])
		}
		s.mu.Unlock()
		e.mu.Unlock()
		evicted++
	}

	if evicted > 0 {
		metrics.ActiveTrackers.Sub(float64(evicted))
	}
	return evicted
}

// Close saves every cached tracker and closes the durable backend.
func (s *CacheStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		e.mu.Lock()
		if err := s.Save(ctx, e.tracker); err != nil && firstErr == nil {
			firstErr = err
		}
		e.mu.Unlock()
	}

	if s.durable != nil {
		if err := s.durable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// entryFor returns the cached entry for a conversation, loading or creating
// the tracker on first access. Concurrent first accesses for the same sender
// resolve to a single entry.
func (s *CacheStore) entryFor(ctx context.Context, senderID string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[senderID]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	t, err := s.load(ctx, senderID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[senderID]; ok {
		// Another goroutine won the race; its tracker is authoritative.
		return existing, nil
	}
	e = &entry{tracker: t, lastAccess: time.Now()}
	s.entries[senderID] = e
	metrics.ActiveTrackers.Inc()
	return e, nil
}

func (s *CacheStore) load(ctx context.Context, senderID string) (*tracker.Tracker, error) {
	if s.durable != nil {
		t, err := s.durable.Retrieve(ctx, senderID)
		if err == nil {
			s.logger.Debug("tracker loaded from durable store",
				zap.String("sender_id", senderID),
				zap.Uint64("last_seq", t.LastSeq()),
			)
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("load tracker %s: %w", senderID, err)
		}
	}

	opts := append(s.cfg.trackerOptions(), tracker.WithSenderSource("api"))
	return tracker.New(senderID, s.cfg.Domain, opts...), nil
}
