package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/brixsport/backend/internal/apperrors"
)

// errorBody is the uniform error envelope
type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps an error to its HTTP shape. Operational errors surface
// their message; database/internal errors collapse to a generic one so
// nothing about the persistence layer leaks.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	appErr := apperrors.From(err)

	if !appErr.Operational() {
		logger.Error("request failed", zap.Error(appErr))
		writeJSON(w, appErr.Status, errorBody{
			Success: false,
			Error:   "internal_error",
			Message: "internal server error",
		})
		return
	}

	writeJSON(w, appErr.Status, errorBody{
		Success: false,
		Error:   appErr.Code,
		Message: appErr.Message,
	})
}

// writeForbidden is the fixed body for authorization denials
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "Insufficient permissions"})
}

// writeUnauthorized is the fixed body for unauthenticated requests
func writeUnauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "authentication required"
	}
	writeJSON(w, http.StatusUnauthorized, errorBody{
		Success: false,
		Error:   "AUTHENTICATION_ERROR",
		Message: message,
	})
}
