package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// apiError is the wire shape of every error response.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteBadRequest reports a malformed request.
func WriteBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: "bad_request", Message: message})
}

// WriteNotFound reports a missing resource.
func WriteNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, apiError{Error: "not_found"})
}

// WriteMethodNotAllowed reports an unsupported verb.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method_not_allowed"})
}

// WriteUnauthorized reports a failed authentication.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, apiError{Error: "unauthorized", Message: message})
}

// WriteInternal reports a server-side failure without leaking internals.
// The error is logged here; the client sees only a generic message.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("api: internal error", "err", err)
	writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal", Message: "internal server error"})
}
