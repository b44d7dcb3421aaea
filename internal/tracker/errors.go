package tracker

import "fmt"

// ValidationError reports a caller contract violation: an out-of-order event
// sequence or a reference to a slot or action the domain does not know.
// Nothing is mutated before a ValidationError is returned.
type ValidationError struct {
	SenderID string
	Msg      string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tracker %s: %s: %v", e.SenderID, e.Msg, e.Err)
	}
	return fmt.Sprintf("tracker %s: %s", e.SenderID, e.Msg)
}

func (e *ValidationError) Unwrap() error { return e.Err }
