package event

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Record is the persisted shape of an event as handed to the durability
// layer: header fields at the top level, variant fields in the payload.
//
// Timestamp carries float seconds for readability; TimestampNs carries the
// same instant at full precision. Decoding prefers TimestampNs, because a
// float64 cannot represent current epochs to the nanosecond and a
// Save/Retrieve cycle must reproduce timestamps exactly.
type Record struct {
	SenderID    string          `json:"sender_id"`
	Seq         uint64          `json:"sequence_index"`
	Type        Type            `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   float64         `json:"timestamp"`
	TimestampNs int64           `json:"timestamp_ns,omitempty"`
}

// registry maps each known event type to a constructor for decoding.
var registry = map[Type]func() Event{
	TypeUserUttered:           func() Event { return &UserUttered{} },
	TypeActionExecuted:        func() Event { return &ActionExecuted{} },
	TypeSlotSet:               func() Event { return &SlotSet{} },
	TypeRestarted:             func() Event { return &Restarted{} },
	TypeConversationPaused:    func() Event { return &ConversationPaused{} },
	TypeConversationResumed:   func() Event { return &ConversationResumed{} },
	TypeActionReverted:        func() Event { return &ActionReverted{} },
	TypeUserUtteranceReverted: func() Event { return &UserUtteranceReverted{} },
}

// Encode converts an event to its persisted record.
func Encode(senderID string, e Event) (Record, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", e.EventType(), err)
	}

	h := e.Head()
	rec := Record{
		SenderID:  senderID,
		Seq:       h.Seq,
		Type:      e.EventType(),
		Payload:   payload,
		Timestamp: unixSeconds(h.Timestamp),
	}
	if !h.Timestamp.IsZero() {
		rec.TimestampNs = h.Timestamp.UnixNano()
	}
	return rec, nil
}

// Decode converts a persisted record back to an event. Unknown event types
// are rejected; the event set is a closed union.
func Decode(rec Record) (Event, error) {
	newEvent, ok := registry[rec.Type]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", rec.Type)
	}

	e := newEvent()
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, e); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", rec.Type, err)
		}
	}

	h := e.Head()
	h.Seq = rec.Seq
	if rec.TimestampNs != 0 {
		h.Timestamp = time.Unix(0, rec.TimestampNs).UTC()
	} else {
		h.Timestamp = fromUnixSeconds(rec.Timestamp)
	}
	return e, nil
}

// EncodeAll converts a slice of events to records in order.
func EncodeAll(senderID string, events []Event) ([]Record, error) {
	records := make([]Record, 0, len(events))
	for _, e := range events {
		rec, err := Encode(senderID, e)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// DecodeAll converts a slice of records to events in order.
func DecodeAll(records []Record) ([]Event, error) {
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		e, err := Decode(rec)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// fromUnixSeconds is the lossy fallback for records written without a
// nanosecond field. Rounding beats truncation: float error sits on both
// sides of the true instant.
func fromUnixSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*float64(time.Second)))).UTC()
}
