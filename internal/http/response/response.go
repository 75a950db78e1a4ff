// Package response writes the JSON envelope shared by every API route.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Envelope is the body of every JSON response. Exactly one of Data and Error
// is set.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type Meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

const unknownRequestID = "req-unknown"

var now = time.Now

// JSON writes a success envelope carrying data.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, r, status, Envelope{Success: true, Data: data})
}

// Error writes a failure envelope. details is omitted when nil.
func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	write(w, r, status, Envelope{Error: &ErrorBody{Code: code, Message: message, Details: details}})
}

// NoContent writes an empty 204.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func write(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Meta = Meta{RequestID: requestID(r), Timestamp: now().UTC()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.WarnContext(r.Context(), "write response body failed",
			"request_id", env.Meta.RequestID, "status", status, "error", err)
	}
}

func requestID(r *http.Request) string {
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	if id := r.Header.Get(chimiddleware.RequestIDHeader); id != "" {
		return id
	}
	return unknownRequestID
}
