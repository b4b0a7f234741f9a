package middleware

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// Timeout bounds each request by d and answers 504 when the handler overruns. The handler
// keeps running with a cancelled context; anything it writes afterwards is discarded.
// Websocket upgrades are exempt, as is everything when d is not positive.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if websocket.IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()

			bw := &bufferedWriter{header: make(http.Header)}
			finished := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
						return
					}
					close(finished)
				}()
				next.ServeHTTP(bw, r.WithContext(ctx))
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-finished:
				bw.copyTo(w)
			case <-ctx.Done():
				bw.abandon()
				logger.FromContext(r.Context()).WarnContext(r.Context(), "Request timed out",
					"method", r.Method,
					"path", r.URL.Path,
					"timeout", d,
				)
				response.Error(w, http.StatusGatewayTimeout, response.ErrCodeGatewayTimeout,
					fmt.Sprintf("request did not complete within %s", d), GetRequestID(r.Context()))
			}
		})
	}
}

// bufferedWriter holds a response until the handler has finished in time.
type bufferedWriter struct {
	mu        sync.Mutex
	header    http.Header
	status    int
	body      bytes.Buffer
	abandoned bool
}

func (bw *bufferedWriter) Header() http.Header { return bw.header }

func (bw *bufferedWriter) WriteHeader(code int) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if !bw.abandoned && bw.status == 0 {
		bw.status = code
	}
}

func (bw *bufferedWriter) Write(b []byte) (int, error) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.abandoned {
		return 0, http.ErrHandlerTimeout
	}
	if bw.status == 0 {
		bw.status = http.StatusOK
	}
	return bw.body.Write(b)
}

func (bw *bufferedWriter) abandon() {
	bw.mu.Lock()
	bw.abandoned = true
	bw.mu.Unlock()
}

func (bw *bufferedWriter) copyTo(w http.ResponseWriter) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	maps.Copy(w.Header(), bw.header)
	if bw.status == 0 {
		bw.status = http.StatusOK
	}
	w.WriteHeader(bw.status)
	_, _ = bw.body.WriteTo(w)
}
