// Package service provides the conversation orchestration layer: it routes
// inbound events to the right tracker, serialized per conversation, and
// hands accepted events to the durability broker.
package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/broker"
	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/internal/store"
	"github.com/converseml/dialogue-engine/internal/tracker"
	"github.com/converseml/dialogue-engine/pkg/logger"
	"github.com/converseml/dialogue-engine/pkg/metrics"
)

// ConversationService handles conversation operations.
type ConversationService struct {
	store  *store.CacheStore
	domain *domain.Domain
	pub    *publisher // nil when no broker is configured
	logger *logger.Logger
}

// NewConversationService creates the service. eventBroker may be nil.
func NewConversationService(cache *store.CacheStore, d *domain.Domain, eventBroker broker.EventBroker, log *logger.Logger) *ConversationService {
	s := &ConversationService{
		store:  cache,
		domain: d,
		logger: log,
	}
	if eventBroker != nil {
		s.pub = newPublisher(eventBroker, log)
	}
	return s
}

// SlotObserver surfaces rejected slot values to logs and metrics. It is the
// observability half of the "recorded but inert" contract for invalid
// SlotSet events.
type SlotObserver struct {
	Logger *logger.Logger
}

// SlotRejected implements tracker.Observer.
func (o *SlotObserver) SlotRejected(senderID, slotName string, value any, err error) {
	metrics.SlotRejections.WithLabelValues(slotName).Inc()
	o.Logger.Warn("slot value rejected",
		zap.String("sender_id", senderID),
		zap.String("slot", slotName),
		zap.Any("value", value),
		zap.Error(err),
	)
}

// AddEvent appends one event to a conversation and returns the resulting
// state. The update is serialized with all other updates to the same
// conversation; distinct conversations proceed in parallel.
func (s *ConversationService) AddEvent(ctx context.Context, senderID string, e event.Event) (tracker.State, error) {
	return s.addEvents(ctx, senderID, []event.Event{e}, false)
}

// AddEvents appends a batch of events in order with a single history
// truncation pass at the end.
func (s *ConversationService) AddEvents(ctx context.Context, senderID string, events []event.Event) (tracker.State, error) {
	return s.addEvents(ctx, senderID, events, true)
}

func (s *ConversationService) addEvents(ctx context.Context, senderID string, events []event.Event, batch bool) (tracker.State, error) {
	var st tracker.State
	err := s.store.Exclusive(ctx, senderID, func(t *tracker.Tracker) error {
		var err error
		if batch {
			err = t.UpdateWithEvents(events, s.domain)
		} else {
			err = t.Update(events[0], s.domain)
		}
		if err != nil {
			return err
		}

		for _, e := range events {
			metrics.EventsAppended.WithLabelValues(string(e.EventType())).Inc()
			s.schedulePublish(senderID, e)
		}

		// Flush to the durable store. The in-memory tracker stays
		// authoritative; a failed flush is reported, not propagated.
		if err := s.store.Save(ctx, t); err != nil {
			s.logger.Error("tracker flush failed",
				zap.String("sender_id", senderID), zap.Error(err))
		}

		st = t.CurrentState()
		return nil
	})
	return st, err
}

// schedulePublish hands the event to the broker pipeline, fire-and-forget.
func (s *ConversationService) schedulePublish(senderID string, e event.Event) {
	if s.pub == nil {
		return
	}
	rec, err := event.Encode(senderID, e)
	if err != nil {
		s.logger.Error("event encode failed",
			zap.String("sender_id", senderID), zap.Error(err))
		return
	}
	s.pub.enqueue(rec)
}

// GetState returns the current state snapshot of a conversation.
func (s *ConversationService) GetState(ctx context.Context, senderID string) (tracker.State, error) {
	var st tracker.State
	err := s.store.Exclusive(ctx, senderID, func(t *tracker.Tracker) error {
		st = t.CurrentState()
		return nil
	})
	return st, err
}

// GetEvents returns the retained event records of a conversation.
func (s *ConversationService) GetEvents(ctx context.Context, senderID string) ([]event.Record, error) {
	var records []event.Record
	err := s.store.Exclusive(ctx, senderID, func(t *tracker.Tracker) error {
		var err error
		records, err = t.Records()
		return err
	})
	return records, err
}

// Restart appends a restart checkpoint: slot values reset, history stays.
func (s *ConversationService) Restart(ctx context.Context, senderID string) (tracker.State, error) {
	return s.AddEvent(ctx, senderID, &event.Restarted{})
}

// StateAt reconstructs the conversation state as of the target time. The
// live tracker is unchanged.
func (s *ConversationService) StateAt(ctx context.Context, senderID string, target time.Time) (tracker.State, error) {
	start := time.Now()
	var st tracker.State
	err := s.store.Exclusive(ctx, senderID, func(t *tracker.Tracker) error {
		past, err := t.TravelBackInTime(target, s.domain)
		if err != nil {
			return err
		}
		st = past.CurrentState()
		return nil
	})
	if err == nil {
		metrics.ReplayDuration.Observe(time.Since(start).Seconds())
	}
	return st, err
}

// List returns the known conversation ids, sorted.
func (s *ConversationService) List(ctx context.Context) ([]string, error) {
	ids, err := s.store.SenderIDs(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// Close drains the publish pipeline.
func (s *ConversationService) Close() {
	if s.pub != nil {
		s.pub.close()
	}
}
