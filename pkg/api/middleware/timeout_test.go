package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/ordersaga/pkg/api/response"
)

func TestTimeout(t *testing.T) {
	tests := []struct {
		name     string
		limit    time.Duration
		delay    time.Duration
		wantCode int
	}{
		{name: "fast saga lookup", limit: 200 * time.Millisecond, delay: 5 * time.Millisecond, wantCode: http.StatusOK},
		{name: "slow storage", limit: 30 * time.Millisecond, delay: 300 * time.Millisecond, wantCode: http.StatusGatewayTimeout},
		{name: "disabled", limit: 0, delay: 20 * time.Millisecond, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Timeout(tt.limit)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(tt.delay):
				case <-r.Context().Done():
					return
				}
				_, _ = w.Write([]byte(`{"state":"created"}`))
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/sagas/o-1", nil)
			req = req.WithContext(WithRequestID(req.Context(), "req-timeout"))
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusGatewayTimeout {
				assert.Equal(t, `{"state":"created"}`, w.Body.String())
				return
			}
			var body response.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, response.ErrCodeGatewayTimeout, body.Error.Code)
			assert.Equal(t, "req-timeout", body.Error.RequestID)
			assert.Contains(t, body.Error.Message, "30ms")
		})
	}
}

func TestTimeout_CopiesHeadersAndStatus(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Location", "/api/v1/sagas/o-1")
		w.WriteHeader(http.StatusAccepted)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"eventId":"e-1"}`))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "/api/v1/sagas/o-1", w.Header().Get("Location"))
	assert.Equal(t, `{"eventId":"e-1"}`, w.Body.String())
}

func TestTimeout_LateWritesAreRejected(t *testing.T) {
	lateErr := make(chan error, 1)
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		time.Sleep(20 * time.Millisecond)
		_, err := w.Write([]byte("too late"))
		lateErr <- err
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/deadletters", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)

	select {
	case err := <-lateErr:
		assert.True(t, errors.Is(err, http.ErrHandlerTimeout))
	case <-time.After(time.Second):
		t.Fatal("handler never finished")
	}
	assert.NotContains(t, w.Body.String(), "too late")
}

func TestTimeout_PropagatesPanic(t *testing.T) {
	h := Timeout(time.Second)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	assert.PanicsWithValue(t, "handler bug", func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestTimeout_SkipsWebSocketUpgrade(t *testing.T) {
	var hasDeadline bool
	h := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline = r.Context().Deadline()
		w.WriteHeader(http.StatusSwitchingProtocols)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.False(t, hasDeadline)
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
}
