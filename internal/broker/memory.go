package broker

import (
	"context"
	"sync"

	"github.com/converseml/dialogue-engine/internal/event"
)

// MemoryBroker keeps published records in memory. It backs single-process
// deployments and tests; nothing survives a restart.
type MemoryBroker struct {
	mu      sync.RWMutex
	records map[string][]event.Record
	closed  bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{records: make(map[string][]event.Record)}
}

// Publish appends the record to the sender's journal.
func (b *MemoryBroker) Publish(ctx context.Context, rec event.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return &PersistenceError{SenderID: rec.SenderID, Seq: rec.Seq, Err: context.Canceled}
	}
	b.records[rec.SenderID] = append(b.records[rec.SenderID], rec)
	return nil
}

// ReadAll returns every record for a conversation in publish order.
func (b *MemoryBroker) ReadAll(ctx context.Context, senderID string) ([]event.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]event.Record(nil), b.records[senderID]...), nil
}

// IsReady reports whether the broker still accepts events.
func (b *MemoryBroker) IsReady(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close stops the broker from accepting further events.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
