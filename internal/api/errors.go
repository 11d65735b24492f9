package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/character-harvester/internal/errors"
	"github.com/character-harvester/internal/logging"
	"github.com/character-harvester/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Error codes written by the middleware.
const (
	ErrCodeInvalidInput  = apperrors.CodeInvalidParameter
	ErrCodeRateLimited   = apperrors.CodeRateLimitExceeded
	ErrCodeInternalError = apperrors.CodeInternal
)

// respondError writes the {"error":{...}} envelope workers decode.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	respondJSON(w, statusCode, ErrorResponse{Error: types.ServiceError{Code: code, Message: message, Details: details}})
}

// respondServiceError maps err through the error categories. Server-side
// failures are logged with their cause; the client only sees the message.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("category", catErr.Category).Warn("Request failed")
	}
	respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
}

// respondJSON writes data as the response body. A nil data writes headers only.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.WithError(err).Debug("failed to write response body")
	}
}
