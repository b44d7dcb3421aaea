package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/converseml/dialogue-engine/internal/domain"
	"github.com/converseml/dialogue-engine/internal/tracker"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeTrackerError maps tracker and domain errors onto HTTP statuses.
// Caller contract violations are 400s; anything else is a 500.
func writeTrackerError(w http.ResponseWriter, err error) {
	switch {
	case tracker.IsValidation(err),
		errors.Is(err, domain.ErrUnknownSlot),
		errors.Is(err, domain.ErrUnknownAction):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
