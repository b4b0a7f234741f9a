// Package response writes the API's JSON bodies and its error envelope.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/goclaw/ordersaga/pkg/logger"
)

// JSON writes status and, unless data is nil, data encoded as JSON.
func JSON(w http.ResponseWriter, status int, data any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if data == nil {
		return
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		logger.Global().Error("Failed to encode response body", "status", status, "error", err)
	}
}

func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	ErrorWithDetails(w, status, code, message, nil, requestID)
}

// ErrorWithDetails attaches details, typically the failing fields of a request body.
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}})
}
