// Package handler provides HTTP handlers for the tracker API. Handlers are
// the inbound dispatch boundary: they turn raw payloads into well-formed
// events and route them to the right tracker; the core never parses
// transport payloads itself.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/middleware"
	"github.com/converseml/dialogue-engine/internal/service"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

// ConversationHandler handles conversation and tracker endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// eventRequest is the inbound payload for appending an event. The sequence
// index is always assigned server-side.
type eventRequest struct {
	EventType event.Type      `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp float64         `json:"timestamp,omitempty"`
}

func (r eventRequest) toEvent(senderID string) (event.Event, error) {
	return event.Decode(event.Record{
		SenderID:  senderID,
		Type:      r.EventType,
		Payload:   r.Payload,
		Timestamp: r.Timestamp,
	})
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": ids,
		"total":         len(ids),
	})
}

// GetState handles GET /api/v1/conversations/{id}/tracker
// Supports ?until=<unix seconds> to reconstruct state as of a past time.
func (h *ConversationHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if until := r.URL.Query().Get("until"); until != "" {
		ts, err := strconv.ParseFloat(until, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid until timestamp")
			return
		}
		sec := int64(ts)
		nsec := int64((ts - float64(sec)) * float64(time.Second))
		st, err := h.service.StateAt(ctx, senderID, time.Unix(sec, nsec))
		if err != nil {
			h.logger.Error("failed to reconstruct state", zap.String("sender_id", senderID), zap.Error(err))
			writeTrackerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	st, err := h.service.GetState(ctx, senderID)
	if err != nil {
		h.logger.Error("failed to get state", zap.String("sender_id", senderID), zap.Error(err))
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// ListEvents handles GET /api/v1/conversations/{id}/events
func (h *ConversationHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.service.GetEvents(ctx, senderID)
	if err != nil {
		h.logger.Error("failed to list events", zap.String("sender_id", senderID), zap.Error(err))
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sender_id": senderID,
		"events":    records,
		"total":     len(records),
	})
}

// AppendEvent handles POST /api/v1/conversations/{id}/events
func (h *ConversationHandler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	evt, err := req.toEvent(senderID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Sequence indices are assigned at append time, never taken from the
	// wire.
	evt.Head().Seq = 0

	st, err := h.service.AddEvent(ctx, senderID, evt)
	if err != nil {
		h.logger.Error("failed to append event",
			zap.String("sender_id", senderID),
			zap.String("event_type", string(req.EventType)),
			zap.Error(err),
		)
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, st)
}

// AppendEvents handles POST /api/v1/conversations/{id}/events/batch. The
// batch is validated as a whole before any event is applied, so a bad entry
// rejects the entire request.
func (h *ConversationHandler) AppendEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var reqs []eventRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "empty event batch")
		return
	}

	events := make([]event.Event, 0, len(reqs))
	for _, req := range reqs {
		evt, err := req.toEvent(senderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		evt.Head().Seq = 0
		events = append(events, evt)
	}

	st, err := h.service.AddEvents(ctx, senderID, events)
	if err != nil {
		h.logger.Error("failed to append event batch",
			zap.String("sender_id", senderID),
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, st)
}

// Restart handles POST /api/v1/conversations/{id}/restart
func (h *ConversationHandler) Restart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.service.Restart(ctx, senderID)
	if err != nil {
		h.logger.Error("failed to restart conversation", zap.String("sender_id", senderID), zap.Error(err))
		writeTrackerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}
