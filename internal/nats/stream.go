package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/converseml/dialogue-engine/internal/event"
)

const (
	// StreamName is the name of the dialogue events stream.
	StreamName = "DIALOGUE_EVENTS"

	// SubjectPrefix is the prefix for all dialogue event subjects.
	SubjectPrefix = "dialogue"
)

// StreamManager handles JetStream stream operations for dialogue events.
type StreamManager struct {
	client *Client
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client) *StreamManager {
	return &StreamManager{client: client}
}

// EnsureStream ensures the dialogue events stream exists with proper
// configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Append-only journal of all dialogue events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// subjectToken makes an opaque sender id safe as a NATS subject token.
func subjectToken(senderID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, senderID)
}

// EventSubject returns the subject for one conversation event.
func EventSubject(senderID string, eventType event.Type) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, subjectToken(senderID), eventType)
}

// ConversationFilter returns the filter subject matching all events of a
// conversation.
func ConversationFilter(senderID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, subjectToken(senderID))
}

// PublishRecord publishes a persisted event record to JetStream.
func (m *StreamManager) PublishRecord(ctx context.Context, rec event.Record) (uint64, error) {
	subject := EventSubject(rec.SenderID, rec.Type)

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event record: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish event record: %w", err)
	}

	return ack.Sequence, nil
}

// ReadRecords retrieves event records for a conversation starting after a
// stream sequence, in stream order.
func (m *StreamManager) ReadRecords(ctx context.Context, senderID string, afterSequence uint64, limit int) ([]event.Record, uint64, bool, error) {
	js := m.client.JetStream()

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: ConversationFilter(senderID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	var records []event.Record
	var lastSequence uint64

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch records: %w", err)
	}

	for msg := range batch.Messages() {
		var rec event.Record
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			continue
		}

		if meta, err := msg.Metadata(); err == nil {
			lastSequence = meta.Sequence.Stream
		}

		records = append(records, rec)
	}

	if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
		return nil, 0, false, fmt.Errorf("batch error: %w", batch.Error())
	}

	hasMore := len(records) == limit

	return records, lastSequence, hasMore, nil
}
