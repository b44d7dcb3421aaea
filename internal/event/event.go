// Package event defines the immutable conversation events that make up a
// dialogue history and the wire codec used to persist them.
package event

import (
	"time"
)

// Type identifies the kind of a conversation event.
type Type string

const (
	// TypeUserUttered records a parsed user utterance.
	TypeUserUttered Type = "user.uttered"
	// TypeActionExecuted records an action taken by the assistant.
	TypeActionExecuted Type = "action.executed"
	// TypeSlotSet records a slot value change.
	TypeSlotSet Type = "slot.set"
	// TypeRestarted marks a conversation restart checkpoint.
	TypeRestarted Type = "conversation.restarted"
	// TypeConversationPaused records the conversation being paused.
	TypeConversationPaused Type = "conversation.paused"
	// TypeConversationResumed records the conversation being resumed.
	TypeConversationResumed Type = "conversation.resumed"
	// TypeActionReverted undoes the effect of the most recent action.
	TypeActionReverted Type = "action.reverted"
	// TypeUserUtteranceReverted undoes the effect of the most recent utterance.
	TypeUserUtteranceReverted Type = "utterance.reverted"
)

// IsValid reports whether the type is one of the known event kinds.
func (t Type) IsValid() bool {
	_, ok := registry[t]
	return ok
}

// Header carries the identity fields shared by every event variant.
// Seq is assigned at append time and is the sole total order within a
// conversation.
type Header struct {
	Seq       uint64    `json:"-"`
	Timestamp time.Time `json:"-"`
}

// Event is the closed union of conversation event variants. Events are
// immutable once appended to a tracker.
type Event interface {
	EventType() Type
	Head() *Header
}

// UserUttered records a user message after NLU parsing. The tracker never
// parses raw text itself; it receives the structured result.
type UserUttered struct {
	Header
	Text     string            `json:"text"`
	Intent   string            `json:"intent,omitempty"`
	Entities map[string]string `json:"entities,omitempty"`
}

// ActionExecuted records an action the policy decided to run. Followup, when
// set, schedules the named action to run next.
type ActionExecuted struct {
	Header
	ActionName string `json:"action_name"`
	Followup   string `json:"followup,omitempty"`
}

// SlotSet records a slot value change. The value is validated against the
// slot's declared type during the fold; an invalid value stays in history but
// has no effect on state.
type SlotSet struct {
	Header
	SlotName string `json:"slot_name"`
	Value    any    `json:"value"`
}

// Restarted resets derived state to initial values. History is kept; the
// event acts as a checkpoint marker, not a log truncation.
type Restarted struct {
	Header
}

// ConversationPaused stops the conversation from being processed further.
type ConversationPaused struct {
	Header
}

// ConversationResumed resumes a paused conversation.
type ConversationResumed struct {
	Header
}

// ActionReverted removes the effect of the most recent ActionExecuted from
// derived state. The reverted events remain in history.
type ActionReverted struct {
	Header
}

// UserUtteranceReverted removes the effect of the most recent UserUttered
// from derived state. The reverted events remain in history.
type UserUtteranceReverted struct {
	Header
}

func (e *UserUttered) EventType() Type           { return TypeUserUttered }
func (e *ActionExecuted) EventType() Type        { return TypeActionExecuted }
func (e *SlotSet) EventType() Type               { return TypeSlotSet }
func (e *Restarted) EventType() Type             { return TypeRestarted }
func (e *ConversationPaused) EventType() Type    { return TypeConversationPaused }
func (e *ConversationResumed) EventType() Type   { return TypeConversationResumed }
func (e *ActionReverted) EventType() Type        { return TypeActionReverted }
func (e *UserUtteranceReverted) EventType() Type { return TypeUserUtteranceReverted }

func (h *Header) Head() *Header { return h }
