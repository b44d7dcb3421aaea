package service

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/converseml/dialogue-engine/internal/broker"
	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/store"
	"github.com/converseml/dialogue-engine/internal/tracker"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

func testDomain(t *testing.T) *domain.Domain {
	t.Helper()
	d, err := domain.New("1.0", []domain.Slot{
		{Name: "city", Type: domain.SlotText},
		{Name: "guests", Type: domain.SlotFloat},
	}, []string{"action_greet", "action_book"})
	if err != nil {
		t.Fatalf("domain.New() error = %v", err)
	}
	return d
}

// captureBroker records published event records for assertions.
type captureBroker struct {
	mu      sync.Mutex
	records []event.Record
	failing bool
}

func (b *captureBroker) Publish(ctx context.Context, rec event.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failing {
		return errors.New("broker down")
	}
	b.records = append(b.records, rec)
	return nil
}

func (b *captureBroker) IsReady(ctx context.Context) bool { return true }
func (b *captureBroker) Close() error                     { return nil }

func (b *captureBroker) published() []event.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.Record(nil), b.records...)
}

func newTestService(t *testing.T, b broker.EventBroker) (*ConversationService, *domain.Domain) {
	t.Helper()
	d := testDomain(t)
	log := logger.NewNop()
	cache := store.NewCacheStore(store.Config{Domain: d}, nil, log)
	svc := NewConversationService(cache, d, b, log)
	t.Cleanup(svc.Close)
	return svc, d
}

func TestAddEventReturnsUpdatedState(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	st, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "berlin"})
	if err != nil {
		t.Fatalf("AddEvent() error = %v", err)
	}
	if st.SenderID != "s1" {
		t.Errorf("SenderID = %q", st.SenderID)
	}
	if st.Slots["city"] != "berlin" {
		t.Errorf("Slots[city] = %v, want berlin", st.Slots["city"])
	}
	if st.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1", st.EventCount)
	}
}

func TestAddEventValidationFailureLeavesStateUntouched(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "berlin"}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.AddEvent(ctx, "s1", &event.ActionExecuted{ActionName: "action_unknown"})
	if err == nil {
		t.Fatal("AddEvent() = nil error for unknown action")
	}
	if !tracker.IsValidation(err) {
		t.Errorf("error = %v, want ValidationError", err)
	}

	st, err := svc.GetState(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if st.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1", st.EventCount)
	}
}

func TestEventsArePublishedInOrder(t *testing.T) {
	b := &captureBroker{}
	svc, _ := newTestService(t, b)
	ctx := context.Background()

	if _, err := svc.AddEvent(ctx, "s1", &event.UserUttered{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddEvents(ctx, "s1", []event.Event{
		&event.ActionExecuted{ActionName: "action_greet"},
		&event.SlotSet{SlotName: "city", Value: "berlin"},
	}); err != nil {
		t.Fatal(err)
	}

	svc.Close() // drain the publish queue

	records := b.published()
	if len(records) != 3 {
		t.Fatalf("published = %d records, want 3", len(records))
	}
	for i, rec := range records {
		if rec.Seq != uint64(i+1) {
			t.Errorf("records[%d].Seq = %d, want %d", i, rec.Seq, i+1)
		}
	}
	if records[2].Type != event.TypeSlotSet {
		t.Errorf("records[2].Type = %s", records[2].Type)
	}
}

func TestPublishFailureDoesNotAffectState(t *testing.T) {
	b := &captureBroker{failing: true}
	svc, _ := newTestService(t, b)
	ctx := context.Background()

	st, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "berlin"})
	if err != nil {
		t.Fatalf("AddEvent() error = %v, want nil despite broker failure", err)
	}
	if st.Slots["city"] != "berlin" {
		t.Errorf("Slots[city] = %v, want berlin", st.Slots["city"])
	}
}

func TestRestart(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "berlin"}); err != nil {
		t.Fatal(err)
	}
	st, err := svc.Restart(ctx, "s1")
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if st.Slots["city"] != nil {
		t.Errorf("Slots[city] = %v, want nil after restart", st.Slots["city"])
	}
	if st.EventCount != 2 {
		t.Errorf("EventCount = %d, want 2: restart keeps history", st.EventCount)
	}
}

func TestStateAtReconstructsPastState(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "berlin"}); err != nil {
		t.Fatal(err)
	}
	first, err := svc.GetState(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	// Pad past the float truncation of the reported event time.
	cutoff := time.Unix(0, int64(first.LatestEventTime*float64(time.Second))).Add(time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	if _, err := svc.AddEvent(ctx, "s1", &event.SlotSet{SlotName: "city", Value: "munich"}); err != nil {
		t.Fatal(err)
	}

	past, err := svc.StateAt(ctx, "s1", cutoff)
	if err != nil {
		t.Fatalf("StateAt() error = %v", err)
	}
	if past.Slots["city"] != "berlin" {
		t.Errorf("past Slots[city] = %v, want berlin", past.Slots["city"])
	}
	if past.EventCount != 1 {
		t.Errorf("past EventCount = %d, want 1", past.EventCount)
	}

	// The live tracker keeps its present state.
	current, err := svc.GetState(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if current.Slots["city"] != "munich" {
		t.Errorf("current Slots[city] = %v, want munich", current.Slots["city"])
	}
}

func TestGetEventsMatchesState(t *testing.T) {
	svc, d := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.AddEvents(ctx, "s1", []event.Event{
		&event.UserUttered{Text: "hi"},
		&event.ActionExecuted{ActionName: "action_greet"},
	}); err != nil {
		t.Fatal(err)
	}

	records, err := svc.GetEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("GetEvents() = %d records, want 2", len(records))
	}

	// The records replay to the same state the service reports.
	events, err := event.DecodeAll(records)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := tracker.FromEvents("s1", events, d)
	if err != nil {
		t.Fatal(err)
	}
	st, err := svc.GetState(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(replayed.CurrentState(), st) {
		t.Errorf("replayed state diverged:\n%+v\n%+v", replayed.CurrentState(), st)
	}
}

func TestListReturnsSortedIDs(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, id := range []string{"zulu", "alpha", "mike"} {
		if _, err := svc.AddEvent(ctx, id, &event.UserUttered{Text: "hi"}); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"alpha", "mike", "zulu"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("List() = %v, want %v", ids, want)
	}
}
