package broker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

func testRecord(senderID string, seq uint64) event.Record {
	payload, _ := json.Marshal(map[string]string{"slot_name": "city", "value": "berlin"})
	return event.Record{
		SenderID:  senderID,
		Seq:       seq,
		Type:      event.TypeSlotSet,
		Payload:   payload,
		Timestamp: 1714564800 + float64(seq),
	}
}

func TestMemoryBrokerPublishAndRead(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := b.Publish(ctx, testRecord("s1", seq)); err != nil {
			t.Fatalf("Publish(%d) error = %v", seq, err)
		}
	}
	if err := b.Publish(ctx, testRecord("s2", 1)); err != nil {
		t.Fatal(err)
	}

	records, err := b.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ReadAll() = %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			t.Errorf("records[%d].Seq = %d, want %d: publish order lost", i, rec.Seq, i+1)
		}
	}
}

func TestMemoryBrokerRejectsAfterClose(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	if !b.IsReady(ctx) {
		t.Fatal("IsReady() = false before close")
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if b.IsReady(ctx) {
		t.Error("IsReady() = true after close")
	}

	err := b.Publish(ctx, testRecord("s1", 1))
	var perr *PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("Publish() after close error = %v, want PersistenceError", err)
	}
	if perr.SenderID != "s1" || perr.Seq != 1 {
		t.Errorf("PersistenceError = %+v", perr)
	}
}

func TestSQLBrokerRoundTrip(t *testing.T) {
	b, err := NewSQLiteBroker(filepath.Join(t.TempDir(), "events.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteBroker() error = %v", err)
	}
	defer b.Close()
	ctx := context.Background()

	if !b.IsReady(ctx) {
		t.Fatal("IsReady() = false")
	}

	for seq := uint64(1); seq <= 2; seq++ {
		if err := b.Publish(ctx, testRecord("s1", seq)); err != nil {
			t.Fatalf("Publish(%d) error = %v", seq, err)
		}
	}

	records, err := b.ReadAll(ctx, "s1")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ReadAll() = %d records, want 2", len(records))
	}
	if records[0].Type != event.TypeSlotSet || records[0].Seq != 1 {
		t.Errorf("records[0] = %+v", records[0])
	}

	other, err := b.ReadAll(ctx, "other")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("ReadAll(other) = %d records, want 0", len(other))
	}
}
