package tracker

import (
	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/event"
)

// state is the derived snapshot a fold produces: slot values plus the
// latest-message/action bookkeeping. It never outlives the invariant that
// it equals the fold of the tracker's events.
type state struct {
	slots          map[string]any
	latestMessage  *event.UserUttered
	latestAction   string
	followupAction string
	activeLoop     string
	paused         bool
}

func newState(d *domain.Domain) *state {
	return &state{slots: d.InitialSlots()}
}

func (s *state) clone() *state {
	dup := *s
	dup.slots = make(map[string]any, len(s.slots))
	for name, value := range s.slots {
		dup.slots[name] = value
	}
	return &dup
}

// reset returns derived state to the domain's initial values. History is
// untouched; only the snapshot changes.
func (s *state) reset(d *domain.Domain) {
	s.slots = d.InitialSlots()
	s.latestMessage = nil
	s.latestAction = ""
	s.followupAction = ""
	s.activeLoop = ""
	s.paused = false
}

// State is the externally visible snapshot of a conversation.
type State struct {
	SenderID        string             `json:"sender_id"`
	Slots           map[string]any     `json:"slots"`
	LatestMessage   *event.UserUttered `json:"latest_message,omitempty"`
	LatestAction    string             `json:"latest_action,omitempty"`
	FollowupAction  string             `json:"followup_action,omitempty"`
	ActiveLoop      string             `json:"active_loop,omitempty"`
	Paused          bool               `json:"paused"`
	LatestEventTime float64            `json:"latest_event_time,omitempty"`
	EventCount      int                `json:"event_count"`
}
