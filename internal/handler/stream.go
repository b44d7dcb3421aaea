package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/middleware"
	natsclient "github.com/converseml/dialogue-engine/internal/nats"
	"github.com/converseml/dialogue-engine/internal/service"
	"github.com/converseml/dialogue-engine/pkg/logger"
	"github.com/converseml/dialogue-engine/pkg/metrics"
)

// StreamHandler streams conversation events over SSE: first a replay of the
// retained history, then a live tail of newly published events.
type StreamHandler struct {
	service *service.ConversationService
	nats    *natsclient.Client // nil disables the live tail
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc *service.ConversationService, nc *natsclient.Client, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		service: svc,
		nats:    nc,
		logger:  log,
	}
}

// replayCompleteEvent marks the end of the history replay.
type replayCompleteEvent struct {
	LastSequence uint64 `json:"last_sequence"`
	EventCount   int    `json:"event_count"`
}

// Stream handles GET /api/v1/conversations/{id}/stream
// Supports ?after_sequence=N to skip already-seen history.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID := chi.URLParam(r, "id")

	if err := middleware.ValidateSenderID(senderID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		var err error
		afterSequence, err = strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after_sequence parameter")
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	done := ctx.Done()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"sender_id": senderID,
	})

	// Subscribe before the replay so no live event falls into the gap.
	var live chan *nats.Msg
	if h.nats != nil {
		live = make(chan *nats.Msg, 64)
		sub, err := h.nats.Conn().ChanSubscribe(natsclient.ConversationFilter(senderID), live)
		if err != nil {
			h.logger.Error("failed to subscribe for live tail",
				zap.String("sender_id", senderID), zap.Error(err))
			live = nil
		} else {
			defer sub.Unsubscribe()
		}
	}

	records, err := h.service.GetEvents(ctx, senderID)
	if err != nil {
		h.logger.Error("failed to replay events",
			zap.String("sender_id", senderID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "replay_error",
			"message": "failed to replay events",
		})
		return
	}

	var lastSequence uint64
	replayed := 0
	for _, rec := range records {
		if rec.Seq <= afterSequence {
			continue
		}
		select {
		case <-done:
			return
		default:
		}
		sendSSEEvent(w, flusher, "event", rec)
		lastSequence = rec.Seq
		replayed++
	}

	sendSSEEvent(w, flusher, "replay_complete", &replayCompleteEvent{
		LastSequence: lastSequence,
		EventCount:   replayed,
	})

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.logger.Debug("SSE client disconnected", zap.String("sender_id", senderID))
			return

		case msg := <-live:
			var rec event.Record
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				continue
			}
			if rec.Seq <= lastSequence {
				continue // already sent during replay
			}
			sendSSEEvent(w, flusher, "event", rec)
			lastSequence = rec.Seq

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]any{
				"timestamp": time.Now().UTC(),
			})
		}
	}
}

// sendSSEEvent writes one server-sent event and flushes it.
func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventName string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, payload)
	flusher.Flush()
}
