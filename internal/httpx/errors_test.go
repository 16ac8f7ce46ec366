package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteHTTPError(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	Write(rr, req, BadState("cannot complete a pending job"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rr.Code)
	}
	var e Error
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != "bad_state" || e.RequestID != "req-1" {
		t.Fatalf("got %+v", e)
	}
}

func TestWriteUnknownErrorIsOpaque(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Write(rr, req, errors.New("secret database detail"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rr.Code)
	}
	var e Error
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Message != "internal server error" {
		t.Fatalf("leaked detail: %q", e.Message)
	}
}

func TestWithDetails(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	Write(rr, req, BadRequest("validation failed").WithDetails(map[string]string{"email": "required"}))
	var e Error
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Details["email"] != "required" {
		t.Fatalf("details %+v", e.Details)
	}
}
