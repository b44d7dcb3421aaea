package domain

import (
	"errors"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }

func TestSlotValidate(t *testing.T) {
	tests := []struct {
		name    string
		slot    Slot
		value   any
		wantErr bool
	}{
		{"text accepts string", Slot{Name: "city", Type: SlotText}, "berlin", false},
		{"text rejects number", Slot{Name: "city", Type: SlotText}, 42.0, true},
		{"nil clears any slot", Slot{Name: "city", Type: SlotText}, nil, false},

		{"bool accepts bool", Slot{Name: "confirmed", Type: SlotBool}, true, false},
		{"bool rejects string", Slot{Name: "confirmed", Type: SlotBool}, "yes", true},

		{"categorical accepts member", Slot{Name: "size", Type: SlotCategorical, Values: []string{"small", "large"}}, "small", false},
		{"categorical ignores case", Slot{Name: "size", Type: SlotCategorical, Values: []string{"small", "large"}}, "LARGE", false},
		{"categorical rejects outsider", Slot{Name: "size", Type: SlotCategorical, Values: []string{"small", "large"}}, "medium", true},
		{"categorical rejects non-string", Slot{Name: "size", Type: SlotCategorical, Values: []string{"small"}}, 1.0, true},

		{"float accepts float64", Slot{Name: "guests", Type: SlotFloat}, 3.0, false},
		{"float accepts int", Slot{Name: "guests", Type: SlotFloat}, 3, false},
		{"float rejects string", Slot{Name: "guests", Type: SlotFloat}, "three", true},
		{"float honors min", Slot{Name: "guests", Type: SlotFloat, Min: floatPtr(1)}, 0.5, true},
		{"float honors max", Slot{Name: "guests", Type: SlotFloat, Max: floatPtr(10)}, 11.0, true},
		{"float within bounds", Slot{Name: "guests", Type: SlotFloat, Min: floatPtr(1), Max: floatPtr(10)}, 5.0, false},

		{"list accepts slice", Slot{Name: "toppings", Type: SlotList}, []any{"a", "b"}, false},
		{"list rejects scalar", Slot{Name: "toppings", Type: SlotList}, "a", true},

		{"any accepts map", Slot{Name: "meta", Type: SlotAny}, map[string]any{"k": "v"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.slot.Validate(tt.value)
			if tt.wantErr && err == nil {
				t.Fatalf("Validate(%v) = nil, want error", tt.value)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate(%v) = %v, want nil", tt.value, err)
			}
			if tt.wantErr {
				var mismatch *TypeMismatchError
				if !errors.As(err, &mismatch) {
					t.Fatalf("Validate(%v) = %v, want TypeMismatchError", tt.value, err)
				}
				if mismatch.Slot != tt.slot.Name {
					t.Errorf("mismatch.Slot = %q, want %q", mismatch.Slot, tt.slot.Name)
				}
			}
		})
	}
}
