package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/triggers"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var response Response
	if err := json.NewDecoder(w.Result().Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"message": "hello"}

	JSON(w, http.StatusOK, data)

	result := w.Result()
	if result.StatusCode != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, result.StatusCode)
	}

	if result.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", result.Header.Get("Content-Type"))
	}

	if !decodeResponse(t, w).Success {
		t.Error("Response should be successful")
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid input")

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	response := decodeResponse(t, w)
	if response.Success {
		t.Error("Response should not be successful")
	}
	if response.Error == nil {
		t.Fatal("Response should have error")
	}
	if response.Error.Code != "BAD_REQUEST" {
		t.Errorf("Expected error code 'BAD_REQUEST', got '%s'", response.Error.Code)
	}
	if response.Error.Message != "Invalid input" {
		t.Errorf("Expected message 'Invalid input', got '%s'", response.Error.Message)
	}
}

func TestValidationErrorResponse(t *testing.T) {
	w := httptest.NewRecorder()
	errors := ValidationErrors{
		{Field: "ID", Message: "is required"},
		{Field: "CNF", Message: "is out of range"},
	}

	ValidationErrorResponse(w, errors)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}

	response := decodeResponse(t, w)
	if response.Error.Code != "VALIDATION_ERROR" {
		t.Errorf("Expected error code 'VALIDATION_ERROR', got '%s'", response.Error.Code)
	}
	if len(response.Error.Details) != 2 {
		t.Errorf("Expected 2 error details, got %d", len(response.Error.Details))
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantKind   string
	}{
		{"stopped", fmt.Errorf("reload: %w", triggers.ErrStopped), http.StatusServiceUnavailable, "STOPPED", ""},
		{"transport", errs.New(errs.Transport, "list triggers", errors.New("database is locked")), http.StatusServiceUnavailable, "UNAVAILABLE", "transport"},
		{"resolution", errs.New(errs.Resolution, "ancestors", errors.New("timeout")), http.StatusServiceUnavailable, "UNAVAILABLE", "resolution"},
		{"protocol", errs.New(errs.Protocol, "decode", errors.New("bad frame")), http.StatusBadRequest, "BAD_REQUEST", "protocol"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			response := decodeResponse(t, w)
			if response.Error.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, response.Error.Code)
			}
			if response.Error.Kind != tt.wantKind {
				t.Errorf("Expected kind %q, got %q", tt.wantKind, response.Error.Kind)
			}
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "x") }, http.StatusBadRequest},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "x") }, http.StatusNotFound},
		{"internal", func(w http.ResponseWriter) { InternalError(w, "x") }, http.StatusInternalServerError},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "x") }, http.StatusServiceUnavailable},
		{"ok", func(w http.ResponseWriter) { OK(w, nil) }, http.StatusOK},
		{"accepted", func(w http.ResponseWriter) { Accepted(w, nil) }, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}
