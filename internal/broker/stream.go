package broker

import (
	"context"

	"github.com/converseml/dialogue-engine/internal/event"
	natsclient "github.com/converseml/dialogue-engine/internal/nats"
)

// StreamBroker publishes event records to the NATS JetStream journal.
type StreamBroker struct {
	client  *natsclient.Client
	manager *natsclient.StreamManager
}

// NewStreamBroker creates a broker over an established NATS connection.
func NewStreamBroker(client *natsclient.Client) *StreamBroker {
	return &StreamBroker{
		client:  client,
		manager: natsclient.NewStreamManager(client),
	}
}

// EnsureStream creates the underlying JetStream stream if missing.
func (b *StreamBroker) EnsureStream(ctx context.Context) error {
	return b.manager.EnsureStream(ctx)
}

// Publish appends the record to the dialogue event stream.
func (b *StreamBroker) Publish(ctx context.Context, rec event.Record) error {
	if _, err := b.manager.PublishRecord(ctx, rec); err != nil {
		return &PersistenceError{SenderID: rec.SenderID, Seq: rec.Seq, Err: err}
	}
	return nil
}

// ReadAll returns every record for a conversation from the stream.
func (b *StreamBroker) ReadAll(ctx context.Context, senderID string) ([]event.Record, error) {
	var all []event.Record
	var after uint64
	for {
		records, last, hasMore, err := b.manager.ReadRecords(ctx, senderID, after, 200)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if !hasMore {
			return all, nil
		}
		after = last
	}
}

// IsReady reports whether the NATS connection is established.
func (b *StreamBroker) IsReady(ctx context.Context) bool {
	return b.client.IsConnected()
}

// Close is a no-op; the NATS connection is owned by the caller.
func (b *StreamBroker) Close() error { return nil }
