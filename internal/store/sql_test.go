package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/tracker"
)

func newSQLiteTestStore(t *testing.T) (*SQLStore, Config) {
	t.Helper()
	cfg := Config{Domain: testDomain(t)}
	s, err := NewSQLiteStore(cfg, filepath.Join(t.TempDir(), "trackers.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, cfg
}

func TestSQLStoreRoundTrip(t *testing.T) {
	s, cfg := newSQLiteTestStore(t)
	ctx := context.Background()

	tr := tracker.New("s1", cfg.Domain)
	events := []event.Event{
		&event.UserUttered{Text: "book a table", Intent: "request_booking"},
		&event.SlotSet{SlotName: "city", Value: "berlin"},
		&event.ActionExecuted{ActionName: "action_book"},
	}
	for _, e := range events {
		if err := tr.Update(e, cfg.Domain); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if tr.FlushedSeq() != 3 {
		t.Errorf("FlushedSeq() = %d, want 3", tr.FlushedSeq())
	}

	got, err := s.Retrieve(ctx, "s1")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if v, _ := got.Slot("city"); v != "berlin" {
		t.Errorf("Slot(city) = %v, want berlin", v)
	}
	if got.LatestAction() != "action_book" {
		t.Errorf("LatestAction() = %q, want action_book", got.LatestAction())
	}
	if msg := got.LatestMessage(); msg == nil || msg.Intent != "request_booking" {
		t.Errorf("LatestMessage() = %+v", msg)
	}
	if got.FlushedSeq() != 3 {
		t.Errorf("retrieved FlushedSeq() = %d, want 3", got.FlushedSeq())
	}
}

func TestSQLStoreSaveIsIncremental(t *testing.T) {
	s, cfg := newSQLiteTestStore(t)
	ctx := context.Background()

	tr := tracker.New("s1", cfg.Domain)
	if err := tr.Update(&event.ActionExecuted{ActionName: "action_greet"}, cfg.Domain); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, tr); err != nil {
		t.Fatal(err)
	}

	// Saving again with nothing new must not write duplicate rows.
	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("idempotent Save() error = %v", err)
	}

	if err := tr.Update(&event.ActionExecuted{ActionName: "action_book"}, cfg.Domain); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, tr); err != nil {
		t.Fatal(err)
	}

	got, err := s.Retrieve(ctx, "s1")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if n := len(got.Events()); n != 2 {
		t.Errorf("EventCount = %d, want 2", n)
	}
}

func TestSQLStoreSaveKeepsTruncatedEvents(t *testing.T) {
	cfg := Config{Domain: testDomain(t), MaxEventHistory: 2}
	s, err := NewSQLiteStore(cfg, filepath.Join(t.TempDir(), "trackers.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	// A single batch larger than the window truncates before the first
	// flush; the dropped prefix must still reach the durable store.
	tr := tracker.New("s1", cfg.Domain, tracker.WithMaxEventHistory(cfg.MaxEventHistory))
	err = tr.UpdateWithEvents([]event.Event{
		&event.SlotSet{SlotName: "city", Value: "berlin"},
		&event.ActionExecuted{ActionName: "action_greet"},
		&event.SlotSet{SlotName: "guests", Value: 4.0},
		&event.ActionExecuted{ActionName: "action_book"},
	}, cfg.Domain)
	if err != nil {
		t.Fatalf("UpdateWithEvents() error = %v", err)
	}
	if len(tr.Events()) != 2 {
		t.Fatalf("EventCount = %d, want window of 2", len(tr.Events()))
	}

	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Retrieve(ctx, "s1")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if v, _ := got.Slot("city"); v != "berlin" {
		t.Errorf("replayed Slot(city) = %v, want berlin", v)
	}
	if v, _ := got.Slot("guests"); v != 4.0 {
		t.Errorf("replayed Slot(guests) = %v, want 4", v)
	}
	if got.LatestAction() != tr.LatestAction() {
		t.Errorf("replayed LatestAction() = %q, want %q", got.LatestAction(), tr.LatestAction())
	}
	if got.FlushedSeq() != 4 {
		t.Errorf("replayed FlushedSeq() = %d, want 4", got.FlushedSeq())
	}
}

func TestSQLStoreSaveAfterFailedFlushAndTruncation(t *testing.T) {
	s, cfg := newSQLiteTestStore(t)
	ctx := context.Background()

	// Simulate a missed flush: events append and truncate while flushedSeq
	// stays behind. The eventual successful save must cover every event.
	tr := tracker.New("s1", cfg.Domain, tracker.WithMaxEventHistory(2))
	for _, e := range []event.Event{
		&event.SlotSet{SlotName: "city", Value: "berlin"},
		&event.ActionExecuted{ActionName: "action_greet"},
		&event.SlotSet{SlotName: "guests", Value: 2.0},
		&event.ActionExecuted{ActionName: "action_book"},
	} {
		if err := tr.Update(e, cfg.Domain); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Save(ctx, tr); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := s.Retrieve(ctx, "s1")
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if n := len(got.PendingEvents()); n != 0 {
		t.Errorf("retrieved PendingEvents() = %d, want 0", n)
	}
	if v, _ := got.Slot("city"); v != "berlin" {
		t.Errorf("replayed Slot(city) = %v, want berlin", v)
	}
	if v, _ := got.Slot("guests"); v != 2.0 {
		t.Errorf("replayed Slot(guests) = %v, want 2", v)
	}
}

func TestSQLStoreRetrieveMissing(t *testing.T) {
	s, _ := newSQLiteTestStore(t)
	if _, err := s.Retrieve(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retrieve(absent) error = %v, want ErrNotFound", err)
	}
}

func TestSQLStoreSenderIDs(t *testing.T) {
	s, cfg := newSQLiteTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		tr := tracker.New(id, cfg.Domain)
		if err := tr.Update(&event.Restarted{}, cfg.Domain); err != nil {
			t.Fatal(err)
		}
		if err := s.Save(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.SenderIDs(ctx)
	if err != nil {
		t.Fatalf("SenderIDs() error = %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("SenderIDs() = %v, want 2 ids", ids)
	}
}
