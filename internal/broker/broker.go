// Package broker provides the append-only event durability boundary. A
// broker receives every event a tracker accepts, as a fire-and-forget
// hand-off: the tracker's in-memory state is authoritative immediately and
// never blocks on publish completion.
package broker

import (
	"context"
	"fmt"

	"github.com/converseml/dialogue-engine/internal/event"
)

// EventBroker publishes persisted event records to a durable journal.
type EventBroker interface {
	// Publish appends one event record. Failures are PersistenceErrors:
	// non-fatal to in-memory state, but they must be surfaced.
	Publish(ctx context.Context, rec event.Record) error

	// IsReady reports whether the broker can accept events.
	IsReady(ctx context.Context) bool

	// Close releases the broker's resources.
	Close() error
}

// PersistenceError reports a failed durability hand-off. Retry policy
// belongs to the durability layer, not the tracker.
type PersistenceError struct {
	SenderID string
	Seq      uint64
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("publish event %d for %s: %v", e.Seq, e.SenderID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
