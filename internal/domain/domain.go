// Package domain holds the static conversation schema: the slots a tracker
// may hold and the action names a policy may execute. A Domain is loaded
// once per process and shared read-only by all trackers.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

// ErrUnknownSlot is returned when an event references a slot name absent
// from the domain.
var ErrUnknownSlot = errors.New("domain: unknown slot")

// ErrUnknownAction is returned when an event references an action name
// absent from the domain.
var ErrUnknownAction = errors.New("domain: unknown action")

// Domain is the immutable schema shared by all conversations. It is safe
// for concurrent use without locking; nothing mutates it after New.
type Domain struct {
	version string
	slots   map[string]Slot
	actions map[string]struct{}
}

// descriptor is the on-disk JSON shape of a domain file.
type descriptor struct {
	Version string   `json:"version"`
	Slots   []Slot   `json:"slots"`
	Actions []string `json:"actions"`
}

// New builds a domain from slot definitions and valid action names.
func New(version string, slots []Slot, actions []string) (*Domain, error) {
	d := &Domain{
		version: version,
		slots:   make(map[string]Slot, len(slots)),
		actions: make(map[string]struct{}, len(actions)),
	}

	for _, slot := range slots {
		if slot.Name == "" {
			return nil, fmt.Errorf("domain: slot with empty name")
		}
		if !slot.Type.IsValid() {
			return nil, fmt.Errorf("domain: slot %q has invalid type %q", slot.Name, slot.Type)
		}
		if _, exists := d.slots[slot.Name]; exists {
			return nil, fmt.Errorf("domain: duplicate slot %q", slot.Name)
		}
		if slot.InitialValue != nil {
			if err := slot.Validate(slot.InitialValue); err != nil {
				return nil, fmt.Errorf("domain: slot %q initial value: %w", slot.Name, err)
			}
		}
		d.slots[slot.Name] = slot
	}

	for _, action := range actions {
		if action == "" {
			return nil, fmt.Errorf("domain: action with empty name")
		}
		d.actions[action] = struct{}{}
	}

	return d, nil
}

// Load reads a domain descriptor from a JSON file.
func Load(path string) (*Domain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read domain file: %w", err)
	}

	var desc descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse domain file: %w", err)
	}

	return New(desc.Version, desc.Slots, desc.Actions)
}

// Version returns the domain descriptor version.
func (d *Domain) Version() string { return d.version }

// Slot looks up a slot definition by name.
func (d *Domain) Slot(name string) (Slot, error) {
	slot, ok := d.slots[name]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}
	return slot, nil
}

// HasAction reports whether an action name is part of the domain.
func (d *Domain) HasAction(name string) bool {
	_, ok := d.actions[name]
	return ok
}

// ValidateAction fails fast when an action name is absent from the domain.
func (d *Domain) ValidateAction(name string) error {
	if !d.HasAction(name) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	return nil
}

// InitialSlots returns a fresh slot-value map holding each slot's initial
// value. Every fold starts from this map.
func (d *Domain) InitialSlots() map[string]any {
	slots := make(map[string]any, len(d.slots))
	for name, slot := range d.slots {
		slots[name] = slot.InitialValue
	}
	return slots
}

// SlotNames returns the slot names in sorted order.
func (d *Domain) SlotNames() []string {
	names := make([]string, 0, len(d.slots))
	for name := range d.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActionNames returns the action names in sorted order.
func (d *Domain) ActionNames() []string {
	names := make([]string, 0, len(d.actions))
	for name := range d.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
