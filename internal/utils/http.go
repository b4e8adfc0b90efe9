// Package utils holds small HTTP helpers shared by handlers.
package utils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

type ErrorMessage struct {
	Error string `json:"error"`
}

// LogAndHTTPError logs err with the debug message, then writes it as a JSON error response.
// Cancelled requests are not logged.
func LogAndHTTPError(w http.ResponseWriter, err error, debug string, code int) {
	if shouldLog(err) {
		log.Error().Err(err).Int("status", code).Msg(debug)
	}
	WriteHTTPError(w, err, code)
}

func shouldLog(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// WriteHTTPError writes err as {"error": "..."} with the given status.
func WriteHTTPError(w http.ResponseWriter, err error, code int) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	WriteJSON(w, code, &ErrorMessage{Error: msg})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("error writing response")
	}
}
