// Package tracker implements the event-sourced dialogue state tracker: an
// append-only, bounded window of conversation events folded deterministically
// into current slot values and derived state.
//
// A Tracker is not safe for concurrent use. Callers must serialize access
// per sender id; the store package provides that serialization.
package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/event"
)

// Observer receives non-fatal anomalies surfaced during a fold. Rejected
// slot values are recorded in history but must not be silently swallowed.
type Observer interface {
	SlotRejected(senderID, slotName string, value any, err error)
}

// Tracker holds one conversation's event window and the state derived from
// it. Slot values are only ever set through the fold path.
type Tracker struct {
	senderID        string
	senderSource    string
	maxEventHistory int
	observer        Observer

	events []event.Event
	// pending holds appended events not yet acknowledged by durability.
	// Truncation never touches it, so bounding the window cannot drop an
	// event before it was flushed.
	pending []event.Event
	// baseline is the implicit snapshot captured when truncation drops the
	// oldest events: replaying the retained suffix from baseline reproduces
	// the current state exactly.
	baseline *state
	state    *state

	nextSeq    uint64
	flushedSeq uint64
	clock      func() time.Time
}

// Option configures a tracker at construction time.
type Option func(*Tracker)

// WithMaxEventHistory bounds the in-memory event window. Zero means
// unbounded.
func WithMaxEventHistory(n int) Option {
	return func(t *Tracker) { t.maxEventHistory = n }
}

// WithSenderSource records the provenance of the conversation's messages.
func WithSenderSource(source string) Option {
	return func(t *Tracker) { t.senderSource = source }
}

// WithObserver wires the anomaly observer.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// New creates an empty tracker for a conversation.
func New(senderID string, d *domain.Domain, opts ...Option) *Tracker {
	t := &Tracker{
		senderID: senderID,
		baseline: newState(d),
		state:    newState(d),
		nextSeq:  1,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromEvents reconstructs a tracker by replaying events in order, identically
// to repeated Update calls. The events must be sorted by sequence index; a
// violation is fatal to the reconstruction and no tracker is returned.
func FromEvents(senderID string, events []event.Event, d *domain.Domain, opts ...Option) (*Tracker, error) {
	var lastSeq uint64
	for i, e := range events {
		seq := e.Head().Seq
		if seq != 0 && seq <= lastSeq {
			return nil, &ValidationError{
				SenderID: senderID,
				Msg:      fmt.Sprintf("events not sorted by sequence index at position %d (seq %d after %d)", i, seq, lastSeq),
			}
		}
		if seq != 0 {
			lastSeq = seq
		}
	}

	t := New(senderID, d, opts...)
	for _, e := range events {
		if err := t.Update(e, d); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Update validates the event against the domain, assigns it the next
// sequence index, appends it to history, folds its effect into state and
// applies the history bound. The tracker is unchanged when an error is
// returned.
func (t *Tracker) Update(e event.Event, d *domain.Domain) error {
	if err := t.validateReferences(e, d); err != nil {
		return err
	}

	t.append(e)
	t.applyTo(t.state, d, len(t.events)-1)
	t.truncate(d)
	return nil
}

// UpdateWithEvents applies events in order with a single truncation pass at
// the end. Semantics are identical to repeated Update calls.
func (t *Tracker) UpdateWithEvents(events []event.Event, d *domain.Domain) error {
	for _, e := range events {
		if err := t.validateReferences(e, d); err != nil {
			return err
		}
	}
	for _, e := range events {
		t.append(e)
		t.applyTo(t.state, d, len(t.events)-1)
	}
	t.truncate(d)
	return nil
}

// TravelBackInTime reconstructs a tracker holding only the events at or
// before the target time. The receiver is unchanged; the returned tracker
// has no durability side effects.
func (t *Tracker) TravelBackInTime(target time.Time, d *domain.Domain) (*Tracker, error) {
	var prefix []event.Event
	for _, e := range t.events {
		if e.Head().Timestamp.After(target) {
			break
		}
		prefix = append(prefix, e)
	}

	opts := []Option{WithSenderSource(t.senderSource)}
	if t.maxEventHistory > 0 {
		opts = append(opts, WithMaxEventHistory(t.maxEventHistory))
	}
	if t.observer != nil {
		opts = append(opts, WithObserver(t.observer))
	}
	return FromEvents(t.senderID, prefix, d, opts...)
}

// validateReferences fails fast on unknown slot or action names before any
// state mutation.
func (t *Tracker) validateReferences(e event.Event, d *domain.Domain) error {
	switch evt := e.(type) {
	case *event.SlotSet:
		if _, err := d.Slot(evt.SlotName); err != nil {
			return &ValidationError{SenderID: t.senderID, Msg: "slot_set references unknown slot", Err: err}
		}
	case *event.ActionExecuted:
		if err := d.ValidateAction(evt.ActionName); err != nil {
			return &ValidationError{SenderID: t.senderID, Msg: "action_executed references unknown action", Err: err}
		}
		if evt.Followup != "" {
			if err := d.ValidateAction(evt.Followup); err != nil {
				return &ValidationError{SenderID: t.senderID, Msg: "followup references unknown action", Err: err}
			}
		}
	}
	return nil
}

// append assigns the next sequence index and timestamp when the event does
// not already carry them (replayed events keep theirs).
func (t *Tracker) append(e event.Event) {
	h := e.Head()
	if h.Seq == 0 {
		h.Seq = t.nextSeq
	}
	if h.Seq >= t.nextSeq {
		t.nextSeq = h.Seq + 1
	}
	if h.Timestamp.IsZero() {
		h.Timestamp = t.clock().UTC()
	}
	t.events = append(t.events, e)
	t.pending = append(t.pending, e)
}

// applyTo folds the effect of the event at index idx into s. Revert events
// consult only the history before idx, so the fold stays deterministic
// under replay.
func (t *Tracker) applyTo(s *state, d *domain.Domain, idx int) {
	switch evt := t.events[idx].(type) {
	case *event.UserUttered:
		s.latestMessage = evt
	case *event.ActionExecuted:
		s.latestAction = evt.ActionName
		s.followupAction = evt.Followup
	case *event.SlotSet:
		t.applySlotSet(s, d, evt)
	case *event.Restarted:
		s.reset(d)
	case *event.ConversationPaused:
		s.paused = true
	case *event.ConversationResumed:
		s.paused = false
	case *event.ActionReverted:
		t.revert(s, d, idx, event.TypeActionExecuted)
	case *event.UserUtteranceReverted:
		t.revert(s, d, idx, event.TypeUserUttered)
	}
}

// applySlotSet validates the value against the slot's declared type. History
// keeps the event either way; only a valid value changes state. The
// asymmetry is deliberate: history is authoritative, derived state ignores
// invalid effects.
func (t *Tracker) applySlotSet(s *state, d *domain.Domain, evt *event.SlotSet) {
	slot, err := d.Slot(evt.SlotName)
	if err != nil {
		// Unknown slots are rejected in Update before append; hitting one
		// here means the domain shrank between appends. Treat as inert.
		t.notifyRejected(evt.SlotName, evt.Value, err)
		return
	}
	if err := slot.Validate(evt.Value); err != nil {
		t.notifyRejected(evt.SlotName, evt.Value, err)
		return
	}
	s.slots[evt.SlotName] = evt.Value
}

func (t *Tracker) notifyRejected(slotName string, value any, err error) {
	if t.observer != nil {
		t.observer.SlotRejected(t.senderID, slotName, value, err)
	}
}

// revert removes the effect of the most recent event of the target type by
// re-folding from the last restart boundary minus that event and everything
// after it. Slot effects are not invertible in general, so an undo stack
// would corrupt state; re-deriving from the prefix is the only safe path.
func (t *Tracker) revert(s *state, d *domain.Domain, idx int, target event.Type) {
	boundary := t.restartBoundary(idx)

	match := -1
	for i := idx - 1; i >= boundary; i-- {
		if t.events[i].EventType() == target {
			match = i
			break
		}
	}
	if match < 0 {
		// Nothing to revert within knowable history (the target may have
		// been truncated away). The revert stays in history as a no-op.
		return
	}

	fresh := t.startState(d, boundary)
	for i := boundary; i < match; i++ {
		t.applyTo(fresh, d, i)
	}
	*s = *fresh
}

// restartBoundary returns the index just after the most recent Restarted
// event before idx, or zero when none is retained.
func (t *Tracker) restartBoundary(idx int) int {
	for i := idx - 1; i >= 0; i-- {
		if t.events[i].EventType() == event.TypeRestarted {
			return i + 1
		}
	}
	return 0
}

// startState returns the fold starting point for a given boundary: the
// truncation baseline at the window start, or a clean reset just after a
// Restarted marker.
func (t *Tracker) startState(d *domain.Domain, boundary int) *state {
	if boundary == 0 {
		return t.baseline.clone()
	}
	fresh := newState(d)
	fresh.reset(d)
	return fresh
}

// truncate drops the oldest events when the window exceeds the configured
// bound. The dropped prefix is folded into the baseline snapshot first, so
// replaying the retained suffix still reproduces current state. The suffix
// since the most recent Restarted marker is always kept whole, even above
// the bound: history integrity dominates the size limit.
func (t *Tracker) truncate(d *domain.Domain) {
	if t.maxEventHistory <= 0 || len(t.events) <= t.maxEventHistory {
		return
	}

	cut := len(t.events) - t.maxEventHistory
	if r := t.lastRestartedIndex(); r >= 0 && r < cut {
		cut = r
	}
	if cut <= 0 {
		return
	}

	base := t.baseline.clone()
	for i := 0; i < cut; i++ {
		t.applyTo(base, d, i)
	}
	t.baseline = base
	t.events = append([]event.Event(nil), t.events[cut:]...)
}

func (t *Tracker) lastRestartedIndex() int {
	for i := len(t.events) - 1; i >= 0; i-- {
		if t.events[i].EventType() == event.TypeRestarted {
			return i
		}
	}
	return -1
}

// SenderID returns the conversation identity. It never changes after
// construction.
func (t *Tracker) SenderID() string { return t.senderID }

// SenderSource returns the provenance of the conversation's messages.
func (t *Tracker) SenderSource() string { return t.senderSource }

// MaxEventHistory returns the configured window bound, zero if unbounded.
func (t *Tracker) MaxEventHistory() int { return t.maxEventHistory }

// Slots returns a copy of the current slot values.
func (t *Tracker) Slots() map[string]any {
	slots := make(map[string]any, len(t.state.slots))
	for name, value := range t.state.slots {
		slots[name] = value
	}
	return slots
}

// Slot returns the current value of one slot.
func (t *Tracker) Slot(name string) (any, bool) {
	value, ok := t.state.slots[name]
	return value, ok
}

// Events returns a copy of the retained event window in sequence order.
func (t *Tracker) Events() []event.Event {
	return append([]event.Event(nil), t.events...)
}

// PendingEvents returns the events not yet acknowledged by durability, in
// sequence order. Unlike the window, this list survives truncation, so a
// flush after truncation still sees everything appended since the last one.
func (t *Tracker) PendingEvents() []event.Event {
	return append([]event.Event(nil), t.pending...)
}

// LastSeq returns the sequence index of the most recent event, zero for an
// empty tracker.
func (t *Tracker) LastSeq() uint64 {
	if len(t.events) == 0 {
		return 0
	}
	return t.events[len(t.events)-1].Head().Seq
}

// FlushedSeq returns the highest sequence index acknowledged by durability.
func (t *Tracker) FlushedSeq() uint64 { return t.flushedSeq }

// MarkFlushed records that durability has acknowledged events up to seq and
// releases them from the pending list.
func (t *Tracker) MarkFlushed(seq uint64) {
	if seq > t.flushedSeq {
		t.flushedSeq = seq
	}
	kept := 0
	for _, e := range t.pending {
		if e.Head().Seq > t.flushedSeq {
			t.pending[kept] = e
			kept++
		}
	}
	t.pending = t.pending[:kept]
}

// LatestMessage returns the most recent user utterance, nil if none.
func (t *Tracker) LatestMessage() *event.UserUttered { return t.state.latestMessage }

// LatestAction returns the name of the most recently executed action.
func (t *Tracker) LatestAction() string { return t.state.latestAction }

// FollowupAction returns the scheduled followup action, empty if none.
func (t *Tracker) FollowupAction() string { return t.state.followupAction }

// ActiveLoop returns the active sub-dialogue, empty if none.
func (t *Tracker) ActiveLoop() string { return t.state.activeLoop }

// IsPaused reports whether the conversation is paused.
func (t *Tracker) IsPaused() bool { return t.state.paused }

// LatestEventTime returns the timestamp of the most recent event.
func (t *Tracker) LatestEventTime() time.Time {
	if len(t.events) == 0 {
		return time.Time{}
	}
	return t.events[len(t.events)-1].Head().Timestamp
}

// CurrentState returns the externally visible snapshot of the conversation.
func (t *Tracker) CurrentState() State {
	st := State{
		SenderID:       t.senderID,
		Slots:          t.Slots(),
		LatestMessage:  t.state.latestMessage,
		LatestAction:   t.state.latestAction,
		FollowupAction: t.state.followupAction,
		ActiveLoop:     t.state.activeLoop,
		Paused:         t.state.paused,
		EventCount:     len(t.events),
	}
	if last := t.LatestEventTime(); !last.IsZero() {
		st.LatestEventTime = float64(last.UnixNano()) / float64(time.Second)
	}
	return st
}

// Records encodes the retained events into their persisted shape.
func (t *Tracker) Records() ([]event.Record, error) {
	return event.EncodeAll(t.senderID, t.events)
}

// IsValidation reports whether err is a tracker validation error.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
