package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/sot-ingest/internal/errors"
)

// ErrorBody is the error payload
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// respondServiceError maps categorized errors to a status code. Internal
// causes are logged, never returned to the client.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)

	switch catErr.Category {
	case apperrors.CategoryValidation, apperrors.CategoryNotFound:
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
	default:
		s.logger.WithError(err).WithField("category", catErr.Category).Error("Request failed")
		status := catErr.StatusCode
		if status < 500 {
			status = http.StatusInternalServerError
		}
		respondError(w, status, ErrCodeInternalError, "An internal error occurred", nil)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
