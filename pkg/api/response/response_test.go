package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/saga"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   any
		body   string
	}{
		{name: "saga", status: http.StatusOK, data: map[string]string{"orderId": "order-1", "state": "completed"}, body: `{"orderId":"order-1","state":"completed"}`},
		{name: "accepted command", status: http.StatusAccepted, data: map[string]string{"eventType": "OrderCreated"}, body: `{"eventType":"OrderCreated"}`},
		{name: "html is not escaped", status: http.StatusOK, data: map[string]string{"reason": "a<b"}, body: `{"reason":"a<b"}`},
		{name: "headers only", status: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			JSON(w, tt.status, tt.data)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
			if tt.body == "" {
				assert.Zero(t, w.Body.Len())
				return
			}
			assert.JSONEq(t, tt.body, w.Body.String())
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationFailed, "validation failed",
		map[string]any{"Amount": "numeric"}, "req-123")

	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decodeError(t, w)
	assert.Equal(t, ErrCodeValidationFailed, got.Code)
	assert.Equal(t, "req-123", got.RequestID)
	assert.Equal(t, "numeric", got.Details["Amount"])
}

func TestError_OmitsEmptyDetails(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusNotFound, ErrCodeNotFound, "no saga", "")
	assert.JSONEq(t, `{"error":{"code":"NOT_FOUND","message":"no saga","request_id":""}}`, w.Body.String())
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid argument", err: fmt.Errorf("%w: order id is required", saga.ErrInvalidArgument), want: http.StatusBadRequest},
		{name: "saga not found", err: fmt.Errorf("cancel order-1: %w", saga.ErrNotFound), want: http.StatusNotFound},
		{name: "dead letter not found", err: eventbus.ErrDeadLetterNotFound, want: http.StatusNotFound},
		{name: "version conflict", err: saga.ErrVersionConflict, want: http.StatusConflict},
		{name: "precondition failed", err: saga.ErrPreconditionFailed, want: http.StatusConflict},
		{name: "transient", err: saga.Transient("publish orders", errors.New("connection refused")), want: http.StatusServiceUnavailable},
		{name: "broker closed", err: eventbus.ErrBrokerClosed, want: http.StatusServiceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromError(tt.err))
		})
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "kind keeps its message",
			err:     fmt.Errorf("get order-9: %w", saga.ErrNotFound),
			status:  http.StatusNotFound,
			code:    ErrCodeNotFound,
			message: "get order-9: " + saga.ErrNotFound.Error(),
		},
		{
			name:    "unclassified failure is masked",
			err:     errors.New("pq: password authentication failed"),
			status:  http.StatusInternalServerError,
			code:    ErrCodeInternalServer,
			message: "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleError(w, tt.err, "req-9")

			require.Equal(t, tt.status, w.Code)
			got := decodeError(t, w)
			assert.Equal(t, tt.code, got.Code)
			assert.Equal(t, tt.message, got.Message)
			assert.Equal(t, "req-9", got.RequestID)
		})
	}
}

func TestErrorCodeFromStatus(t *testing.T) {
	tests := map[int]string{
		http.StatusBadRequest:         ErrCodeBadRequest,
		http.StatusNotFound:           ErrCodeNotFound,
		http.StatusMethodNotAllowed:   ErrCodeMethodNotAllowed,
		http.StatusConflict:           ErrCodeConflict,
		http.StatusServiceUnavailable: ErrCodeServiceUnavailable,
		http.StatusGatewayTimeout:     ErrCodeGatewayTimeout,
		http.StatusTeapot:             ErrCodeInternalServer,
	}
	for status, want := range tests {
		assert.Equal(t, want, ErrorCodeFromStatus(status), "status %d", status)
	}
}
