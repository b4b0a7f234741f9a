package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// Recovery turns a handler panic into a 500 JSON error. The panic value and stack go to the
// log only; the client sees a generic message and the request id to quote. http.ErrAbortHandler
// is re-raised so net/http can abort the connection.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = r.Header.Get(RequestIDHeader)
				}
				log.ErrorContext(r.Context(), "Panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestID,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
					"internal server error", requestID)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
