package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"

	"github.com/zyra-ai-sei/sdk-backend/internal/checkpoint"
	"github.com/zyra-ai-sei/sdk-backend/internal/conversation"
)

// Envelope wraps every JSON response body.
type Envelope struct {
	Status int    `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// itemList wraps array payloads so data is always an object.
type itemList struct {
	Items any `json:"items"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeData sends v inside the envelope. Slices are wrapped as {items}.
func writeData(w http.ResponseWriter, status int, v any) {
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Slice {
		v = itemList{Items: v}
	}
	writeJSON(w, status, Envelope{Status: status, Data: v})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Envelope{Status: status, Error: msg})
}

// statusFor maps a service error to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	var sie *conversation.SessionInitError
	var pe *checkpoint.PersistenceError
	switch {
	case errors.Is(err, conversation.ErrEmptyPrompt),
		errors.Is(err, conversation.ErrEmptyThread),
		errors.Is(err, conversation.ErrInvalidStatus):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &sie):
		return http.StatusServiceUnavailable, "Session initialization failed"
	case errors.As(err, &pe):
		return http.StatusInternalServerError, "storage unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
