package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/service"
	"github.com/converseml/dialogue-engine/internal/store"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

func newStreamRouter(t *testing.T) (*chi.Mux, *service.ConversationService) {
	t.Helper()
	d, err := domain.New("1.0", []domain.Slot{
		{Name: "city", Type: domain.SlotText},
	}, []string{"action_greet"})
	if err != nil {
		t.Fatalf("domain.New() error = %v", err)
	}

	log := logger.NewNop()
	cache := store.NewCacheStore(store.Config{Domain: d}, nil, log)
	svc := service.NewConversationService(cache, d, nil, log)
	t.Cleanup(svc.Close)

	h := NewStreamHandler(svc, nil, log)
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{id}/stream", h.Stream)
	return r, svc
}

func TestStreamRejectsMalformedAfterSequence(t *testing.T) {
	r, _ := newStreamRouter(t)

	for _, seq := range []string{"abc", "-1", "1.5", "9999999999999999999999"} {
		req := httptest.NewRequest(http.MethodGet,
			"/api/v1/conversations/s1/stream?after_sequence="+seq, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("after_sequence=%q status = %d, want 400", seq, rec.Code)
		}
	}
}

func TestStreamReplaySkipsSeenHistory(t *testing.T) {
	r, svc := newStreamRouter(t)
	ctx := context.Background()

	for _, e := range []event.Event{
		&event.SlotSet{SlotName: "city", Value: "berlin"},
		&event.ActionExecuted{ActionName: "action_greet"},
		&event.SlotSet{SlotName: "city", Value: "munich"},
	} {
		if _, err := svc.AddEvent(ctx, "s1", e); err != nil {
			t.Fatal(err)
		}
	}

	reqCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/conversations/s1/stream?after_sequence=2", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "event: connected") {
		t.Errorf("body missing connected event:\n%s", body)
	}
	if !strings.Contains(body, "event: replay_complete") {
		t.Errorf("body missing replay_complete event:\n%s", body)
	}
	if got := strings.Count(body, "event: event\n"); got != 1 {
		t.Errorf("replayed %d events, want 1 (only seq 3):\n%s", got, body)
	}
	if !strings.Contains(body, `"last_sequence":3`) {
		t.Errorf("replay_complete missing last_sequence 3:\n%s", body)
	}
}
