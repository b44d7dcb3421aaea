package service

import (
	"testing"
	"time"

	"github.com/converseml/dialogue-engine/internal/event"
	"github.com/converseml/dialogue-engine/pkg/logger"
)

func TestEnqueueShedsWhenQueueIsFull(t *testing.T) {
	// No worker draining the queue: the second enqueue finds it full and
	// must return instead of blocking the caller.
	p := &publisher{
		queue:  make(chan event.Record, 1),
		done:   make(chan struct{}),
		logger: logger.NewNop(),
	}

	returned := make(chan struct{})
	go func() {
		p.enqueue(event.Record{SenderID: "s1", Seq: 1, Type: event.TypeRestarted})
		p.enqueue(event.Record{SenderID: "s1", Seq: 2, Type: event.TypeRestarted})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	if got := len(p.queue); got != 1 {
		t.Errorf("queued records = %d, want 1 (second record shed)", got)
	}
	rec := <-p.queue
	if rec.Seq != 1 {
		t.Errorf("queued Seq = %d, want the first record", rec.Seq)
	}
}
