package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWriter(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		size   int
	}{
		{name: "nothing written", write: func(http.ResponseWriter) {}, status: http.StatusOK},
		{name: "implicit ok", write: func(w http.ResponseWriter) { _, _ = w.Write([]byte("accepted")) }, status: http.StatusOK, size: 8},
		{
			name: "first status wins",
			write: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusConflict)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("{}"))
			},
			status: http.StatusConflict,
			size:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := wrapWriter(httptest.NewRecorder())
			tt.write(sw)
			assert.Equal(t, tt.status, sw.Status())
			assert.Equal(t, tt.size, sw.size)
		})
	}
}

func TestStatusWriter_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := wrapWriter(rec)
	assert.Same(t, rec, sw.Unwrap())

	_, _, err := sw.Hijack()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support hijacking")
}
