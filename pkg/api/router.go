package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/api/handlers"
	"github.com/goclaw/ordersaga/pkg/api/middleware"
	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/logger"
)

// Handlers groups what the router mounts. A nil handler leaves its routes out.
type Handlers struct {
	Saga       *handlers.SagaHandler
	DeadLetter *handlers.DeadLetterHandler
	Events     *handlers.WebSocketHandler
	Health     *handlers.HealthHandler

	// Metrics enables request metrics when set.
	Metrics middleware.MetricsRecorder
}

// NewRouter builds the chi router. Middleware order matters: the request id must exist
// before tracing and logging read it, and Recovery sits inside both so a panic is still
// logged and traced as a 500.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.Tracing(middleware.DefaultTracingOptions()),
		middleware.Logger(log),
		middleware.Recovery(log),
	)
	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}
	r.Use(
		middleware.CORS(&cfg.Server.CORS),
		middleware.Timeout(requestTimeout(cfg.Server.HTTP)),
	)

	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)
	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes mounts the versioned API and the unversioned probes.
func RegisterRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if s := h.Saga; s != nil {
			r.Get("/sagas", s.ListSagas)
			r.Get("/sagas/{orderId}", s.GetSaga)
			r.Post("/orders", s.CreateOrder)
			r.Post("/orders/{orderId}/cancel", s.CancelOrder)
		}
		if d := h.DeadLetter; d != nil {
			r.Get("/deadletters", d.ListDeadLetters)
			r.Get("/deadletters/{id}", d.GetDeadLetter)
		}
		if h.Events != nil {
			r.Handle("/events/ws", h.Events)
		}
	})

	if hh := h.Health; hh != nil {
		r.Get("/health", hh.Health)
		r.Get("/ready", hh.Ready)
		r.Get("/status", hh.Status)
	}
}

func notFound(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusNotFound, response.ErrCodeNotFound,
		"no route for "+r.URL.Path, middleware.GetRequestID(r.Context()))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed,
		r.Method+" is not allowed on "+r.URL.Path, middleware.GetRequestID(r.Context()))
}

// requestTimeout falls back to the read timeout when no request timeout is set.
func requestTimeout(hc config.HTTPConfig) time.Duration {
	if hc.RequestTimeout > 0 {
		return hc.RequestTimeout
	}
	return hc.ReadTimeout
}
