// Package httperr defines the application error taxonomy and the error
// responder collaborator used by the router and request contexts. A response
// body is always the JSON object {message, code?, errors?} and is written at
// most once per request.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is an explicit application error carrying an HTTP status code.
// Typical instances are 4xx validation or cancellation errors raised by
// resources and script hooks. Internal faults should be plain errors; the
// responder maps those to 500 with a generic body.
type Error struct {
	Status  int            `json:"-"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Errors  map[string]any `json:"errors,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// New returns an application error with the given status and message.
func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

// BadRequest returns a 400 application error.
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, message)
}

// NotFound is the uniform payload for requests no resource answered.
var NotFound = &Error{Status: http.StatusNotFound, Message: "Resource not found"}

// StatusOf extracts the status code carried by err, or falls back to
// fallback when err carries none. It unwraps wrapped errors.
func StatusOf(err error, fallback int) int {
	var apperr *Error
	if errors.As(err, &apperr) && apperr.Status != 0 {
		return apperr.Status
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) && sc.StatusCode() != 0 {
		return sc.StatusCode()
	}
	return fallback
}

type body struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Errors  map[string]any `json:"errors,omitempty"`
}

// Respond writes err to w as a JSON error body. Application errors keep
// their status, message and detail; anything else becomes a generic 500 so
// internals never leak to clients. Respond is a no-op if the response
// headers were already sent by a writer that exposes that fact.
func Respond(err error, r *http.Request, w http.ResponseWriter) {
	if ws, ok := w.(interface{ Written() bool }); ok && ws.Written() {
		return
	}

	status := http.StatusInternalServerError
	b := body{Message: "Internal server error"}

	var apperr *Error
	if errors.As(err, &apperr) {
		status = apperr.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		b = body{Message: apperr.Message, Code: apperr.Code, Errors: apperr.Errors}
	}

	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(b)
}
