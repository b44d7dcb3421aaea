package middleware

import (
	"errors"
	"unicode/utf8"
)

// ValidateSenderID validates a conversation identifier. Sender ids are
// opaque strings chosen by the channel, not necessarily UUIDs.
func ValidateSenderID(id string) error {
	if len(id) == 0 {
		return errors.New("sender ID cannot be empty")
	}
	if len(id) > 255 {
		return errors.New("sender ID exceeds maximum length")
	}
	if !utf8.ValidString(id) {
		return errors.New("sender ID must be valid UTF-8")
	}
	return nil
}

// ValidateTenantID validates a tenant ID.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return errors.New("tenant ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("tenant ID exceeds maximum length")
	}
	return nil
}
