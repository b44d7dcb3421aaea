// Package store owns the mapping from sender id to live tracker. The cache
// layer guarantees at most one authoritative tracker per conversation and
// serializes updates per sender; durable backends persist the append-only
// event records and rebuild trackers by replay.
package store

import (
	"context"
	"errors"

	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/tracker"
)

// ErrNotFound is returned when a conversation has no persisted history.
var ErrNotFound = errors.New("store: tracker not found")

// TrackerStore persists trackers as append-only event records and rebuilds
// them by replay.
type TrackerStore interface {
	// Retrieve rebuilds the tracker for a conversation from its persisted
	// events, or returns ErrNotFound when no history exists.
	Retrieve(ctx context.Context, senderID string) (*tracker.Tracker, error)

	// Save flushes the tracker's unpersisted events. It blocks until the
	// backend acknowledges receipt; only then may the tracker be evicted.
	Save(ctx context.Context, t *tracker.Tracker) error

	// SenderIDs lists the conversations with persisted history.
	SenderIDs(ctx context.Context) ([]string, error)

	// Close releases the backend's resources.
	Close() error
}

// Config carries what a store needs to rebuild trackers.
type Config struct {
	Domain          *domain.Domain
	MaxEventHistory int
	Observer        tracker.Observer
}

func (c Config) trackerOptions() []tracker.Option {
	var opts []tracker.Option
	if c.MaxEventHistory > 0 {
		opts = append(opts, tracker.WithMaxEventHistory(c.MaxEventHistory))
	}
	if c.Observer != nil {
		opts = append(opts, tracker.WithObserver(c.Observer))
	}
	return opts
}
