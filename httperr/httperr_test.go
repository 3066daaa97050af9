package httperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRespondApplicationError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)

	Respond(New(http.StatusForbidden, "nope"), req, rec)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if got["message"] != "nope" {
		t.Errorf("message = %q, want %q", got["message"], "nope")
	}
	if _, ok := got["code"]; ok {
		t.Error("empty code should be omitted")
	}
}

func TestRespondInternalErrorIsGeneric(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Respond(errors.New("pg: connection refused"), req, rec)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if got["message"] != "Internal server error" {
		t.Errorf("internal detail leaked: %q", got["message"])
	}
}

func TestRespondWrappedError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	Respond(fmt.Errorf("handling widget: %w", New(422, "bad widget")), req, rec)

	if rec.Code != 422 {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback int
		want     int
	}{
		{"app error", New(403, "x"), 500, 403},
		{"plain error", errors.New("x"), 500, 500},
		{"wrapped app error", fmt.Errorf("w: %w", New(409, "x")), 500, 409},
		{"zero status falls back", &Error{Message: "x"}, 500, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err, tt.fallback); got != tt.want {
				t.Errorf("StatusOf() = %d, want %d", got, tt.want)
			}
		})
	}
}
