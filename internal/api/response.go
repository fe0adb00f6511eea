package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Spatial-NVR/SpatialRTLS/internal/errs"
	"github.com/Spatial-NVR/SpatialRTLS/internal/triggers"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo represents error information in a response
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Kind    string            `json:"kind,omitempty"`
	Details []ValidationError `json:"details,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, code, message string) {
	writeError(w, status, &ErrorInfo{Code: code, Message: message})
}

func writeError(w http.ResponseWriter, status int, info *ErrorInfo) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   info,
	})
}

// ValidationErrorResponse sends a validation error response
func ValidationErrorResponse(w http.ResponseWriter, errors ValidationErrors) {
	writeError(w, http.StatusBadRequest, &ErrorInfo{
		Code:    "VALIDATION_ERROR",
		Message: "Request validation failed",
		Details: errors,
	})
}

// FromError maps an engine error to a response. Store and transport
// failures are reported as unavailable, malformed input as a bad request.
func FromError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, triggers.ErrStopped):
		status, code = http.StatusServiceUnavailable, "STOPPED"
	case kind == errs.Protocol:
		status, code = http.StatusBadRequest, "BAD_REQUEST"
	case kind == errs.Transport || kind == errs.Resolution:
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	info := &ErrorInfo{Code: code, Message: err.Error()}
	if kind != errs.Unknown {
		info.Kind = kind.String()
	}
	writeError(w, status, info)
}

// Common error responses
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func ServiceUnavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, "UNAVAILABLE", message)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Accepted sends a 202 Accepted response
func Accepted(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusAccepted, data)
}
