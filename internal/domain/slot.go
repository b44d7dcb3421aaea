package domain

import (
	"fmt"
	"strings"
)

// SlotType identifies the value type a slot accepts.
type SlotType string

const (
	// SlotText accepts string values.
	SlotText SlotType = "text"
	// SlotBool accepts boolean values.
	SlotBool SlotType = "bool"
	// SlotCategorical accepts values from a fixed set.
	SlotCategorical SlotType = "categorical"
	// SlotFloat accepts numeric values, optionally bounded.
	SlotFloat SlotType = "float"
	// SlotList accepts list values.
	SlotList SlotType = "list"
	// SlotAny accepts any value.
	SlotAny SlotType = "any"
)

// IsValid reports whether the slot type is one of the known kinds.
func (t SlotType) IsValid() bool {
	switch t {
	case SlotText, SlotBool, SlotCategorical, SlotFloat, SlotList, SlotAny:
		return true
	}
	return false
}

// Slot describes one typed, named piece of conversation state. Values
// parsed from JSON are validated as JSON representations: numbers arrive as
// float64, lists as []any.
type Slot struct {
	Name                  string   `json:"name"`
	Type                  SlotType `json:"type"`
	InitialValue          any      `json:"initial_value,omitempty"`
	Values                []string `json:"values,omitempty"`
	Min                   *float64 `json:"min,omitempty"`
	Max                   *float64 `json:"max,omitempty"`
	InfluenceConversation bool     `json:"influence_conversation"`
}

// TypeMismatchError reports a slot value that failed type validation.
// The offending event stays in history; only its state effect is dropped.
type TypeMismatchError struct {
	Slot  string
	Type  SlotType
	Value any
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("value %v is not valid for %s slot %q", e.Value, e.Type, e.Slot)
}

// Validate checks a candidate value against the slot's declared type.
// Values are rejected, never coerced. A nil value is always accepted and
// clears the slot.
func (s Slot) Validate(value any) error {
	if value == nil {
		return nil
	}

	mismatch := func() error {
		return &TypeMismatchError{Slot: s.Name, Type: s.Type, Value: value}
	}

	switch s.Type {
	case SlotText:
		if _, ok := value.(string); !ok {
			return mismatch()
		}
	case SlotBool:
		if _, ok := value.(bool); !ok {
			return mismatch()
		}
	case SlotCategorical:
		str, ok := value.(string)
		if !ok {
			return mismatch()
		}
		for _, candidate := range s.Values {
			if strings.EqualFold(candidate, str) {
				return nil
			}
		}
		return mismatch()
	case SlotFloat:
		f, ok := asFloat(value)
		if !ok {
			return mismatch()
		}
		if s.Min != nil && f < *s.Min {
			return mismatch()
		}
		if s.Max != nil && f > *s.Max {
			return mismatch()
		}
	case SlotList:
		if _, ok := value.([]any); !ok {
			return mismatch()
		}
	case SlotAny:
		// accepts everything
	default:
		return fmt.Errorf("slot %q has unknown type %q", s.Name, s.Type)
	}

	return nil
}

// asFloat accepts the numeric types a JSON decode or Go caller may produce.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
