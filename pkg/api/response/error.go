package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/saga"
)

// ErrorResponse wraps every non-2xx body the API writes.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// errorKinds is checked in order; the first sentinel err wraps decides the status.
var errorKinds = []struct {
	target error
	status int
}{
	{saga.ErrInvalidArgument, http.StatusBadRequest},
	{saga.ErrNotFound, http.StatusNotFound},
	{eventbus.ErrDeadLetterNotFound, http.StatusNotFound},
	{saga.ErrVersionConflict, http.StatusConflict},
	{saga.ErrPreconditionFailed, http.StatusConflict},
	{saga.ErrTransient, http.StatusServiceUnavailable},
	{eventbus.ErrBrokerClosed, http.StatusServiceUnavailable},
	{context.DeadlineExceeded, http.StatusGatewayTimeout},
}

var statusCodes = map[int]string{
	http.StatusBadRequest:         ErrCodeBadRequest,
	http.StatusNotFound:           ErrCodeNotFound,
	http.StatusMethodNotAllowed:   ErrCodeMethodNotAllowed,
	http.StatusConflict:           ErrCodeConflict,
	http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
	http.StatusGatewayTimeout:     ErrCodeGatewayTimeout,
}

// HTTPStatusFromError maps saga and event bus error kinds to an HTTP status. A version
// conflict that outlived the machine's retries is a 409, not an outage.
func HTTPStatusFromError(err error) int {
	for _, k := range errorKinds {
		if errors.Is(err, k.target) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// ErrorCodeFromStatus returns the error code written for status.
func ErrorCodeFromStatus(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternalServer
}

// HandleError writes err with the status its kind maps to. Unclassified failures are
// reported with a generic message; their text stays in the server log.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	Error(w, status, ErrorCodeFromStatus(status), msg, requestID)
}
