package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/converseml/dialogue-engine/internal/broker"
	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/pkg/logger"
	"github.com/converseml/dialogue-engine/pkg/metrics"
)

const (
	publishQueueSize = 1024
	publishTimeout   = 5 * time.Second
)

// publisher hands event records to the broker asynchronously. A single
// worker drains the queue, so records enqueued under a conversation's lock
// keep their per-conversation order. Publish failures are logged and
// counted; the tracker's in-memory state stays authoritative.
type publisher struct {
	broker   broker.EventBroker
	queue    chan event.Record
	done     chan struct{}
	closeOne sync.Once
	logger   *logger.Logger
}

func newPublisher(b broker.EventBroker, log *logger.Logger) *publisher {
	p := &publisher{
		broker: b,
		queue:  make(chan event.Record, publishQueueSize),
		done:   make(chan struct{}),
		logger: log,
	}
	go p.loop()
	return p
}

// enqueue schedules a record for publication. Callers hold the per-sender
// lock, so a full queue sheds the record instead of blocking: a stalled
// broker must not stall conversation updates. The drop is counted and
// logged; the tracker's own durability path is unaffected.
func (p *publisher) enqueue(rec event.Record) {
	select {
	case p.queue <- rec:
	default:
		metrics.PublishDrops.Inc()
		p.logger.Warn("publish queue full, dropping event",
			zap.String("sender_id", rec.SenderID),
			zap.Uint64("sequence_index", rec.Seq),
			zap.String("event_type", string(rec.Type)),
		)
	}
}

func (p *publisher) loop() {
	defer close(p.done)
	for rec := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.broker.Publish(ctx, rec)
		cancel()
		if err != nil {
			metrics.PublishFailures.WithLabelValues("event").Inc()
			p.logger.Error("event publish failed",
				zap.String("sender_id", rec.SenderID),
				zap.Uint64("sequence_index", rec.Seq),
				zap.String("event_type", string(rec.Type)),
				zap.Error(err),
			)
		}
	}
}

// close drains the queue and stops the worker. Safe to call more than once.
func (p *publisher) close() {
	p.closeOne.Do(func() { close(p.queue) })
	<-p.done
}
