package event

import (
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeUserUttered(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	in := &UserUttered{
		Header:   Header{Seq: 7, Timestamp: ts},
		Text:     "book a table",
		Intent:   "request_booking",
		Entities: map[string]string{"cuisine": "thai"},
	}

	rec, err := Encode("sender-1", in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if rec.SenderID != "sender-1" || rec.Seq != 7 || rec.Type != TypeUserUttered {
		t.Fatalf("record header = %+v", rec)
	}

	out, err := Decode(rec)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := out.(*UserUttered)
	if !ok {
		t.Fatalf("Decode() type = %T", out)
	}
	if got.Text != in.Text || got.Intent != in.Intent || got.Entities["cuisine"] != "thai" {
		t.Errorf("payload round trip = %+v", got)
	}
	if got.Head().Seq != 7 {
		t.Errorf("Seq = %d, want 7", got.Head().Seq)
	}
	if !got.Head().Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Head().Timestamp, ts)
	}
}

func TestDecodeMarkerEventWithEmptyPayload(t *testing.T) {
	out, err := Decode(Record{Type: TypeRestarted, Seq: 3, Timestamp: 1714564800})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := out.(*Restarted); !ok {
		t.Fatalf("Decode() type = %T, want *Restarted", out)
	}
	if out.Head().Seq != 3 {
		t.Errorf("Seq = %d, want 3", out.Head().Seq)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Record{Type: "bot.uttered"})
	if err == nil {
		t.Fatal("Decode() = nil error for unknown type")
	}
	if !strings.Contains(err.Error(), "unknown event type") {
		t.Errorf("error = %v", err)
	}
}

func TestEncodeAllPreservesOrder(t *testing.T) {
	events := []Event{
		&UserUttered{Header: Header{Seq: 1}, Text: "hi"},
		&ActionExecuted{Header: Header{Seq: 2}, ActionName: "action_greet"},
		&SlotSet{Header: Header{Seq: 3}, SlotName: "city", Value: "berlin"},
	}

	records, err := EncodeAll("s", events)
	if err != nil {
		t.Fatalf("EncodeAll() error = %v", err)
	}
	decoded, err := DecodeAll(records)
	if err != nil {
		t.Fatalf("DecodeAll() error = %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("len = %d, want 3", len(decoded))
	}
	for i, e := range decoded {
		if e.Head().Seq != uint64(i+1) {
			t.Errorf("decoded[%d].Seq = %d, want %d", i, e.Head().Seq, i+1)
		}
	}
	if ss, ok := decoded[2].(*SlotSet); !ok || ss.SlotName != "city" || ss.Value != "berlin" {
		t.Errorf("decoded[2] = %#v", decoded[2])
	}
}

func TestTimestampRoundTripsExactly(t *testing.T) {
	// Nanosecond components a float64-seconds field cannot represent.
	for _, ns := range []int{1, 123_456_789, 500_000_000, 999_999_999} {
		ts := time.Date(2024, 5, 1, 12, 0, 0, ns, time.UTC)
		rec, err := Encode("s", &Restarted{Header: Header{Seq: 1, Timestamp: ts}})
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if rec.TimestampNs != ts.UnixNano() {
			t.Errorf("TimestampNs = %d, want %d", rec.TimestampNs, ts.UnixNano())
		}
		out, err := Decode(rec)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if !out.Head().Timestamp.Equal(ts) {
			t.Errorf("timestamp = %v, want %v (ns=%d)", out.Head().Timestamp, ts, ns)
		}
	}
}

func TestDecodeFallsBackToFloatSeconds(t *testing.T) {
	// Records written before the nanosecond field carry only float seconds.
	out, err := Decode(Record{Type: TypeRestarted, Seq: 1, Timestamp: 1714564800.5})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := time.Unix(1714564800, 500_000_000).UTC()
	if diff := out.Head().Timestamp.Sub(want); diff > time.Microsecond || diff < -time.Microsecond {
		t.Errorf("timestamp = %v, want %v within float precision", out.Head().Timestamp, want)
	}
}

func TestTypeIsValid(t *testing.T) {
	if !TypeSlotSet.IsValid() {
		t.Error("TypeSlotSet reported invalid")
	}
	if Type("bot.uttered").IsValid() {
		t.Error("unknown type reported valid")
	}
}
