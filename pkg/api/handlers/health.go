// Package handlers implements the HTTP endpoints of the saga service.
package handlers

import (
	"net/http"

	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/engine"
	"github.com/goclaw/ordersaga/pkg/version"
)

// Runtime is the part of the engine the probes report on.
type Runtime interface {
	IsHealthy() bool
	IsReady() bool
	GetStatus() *engine.EngineStatus
}

type probeResponse struct {
	Status string   `json:"status"`
	State  string   `json:"state,omitempty"`
	Issues []string `json:"issues,omitempty"`
}

type statusResponse struct {
	*engine.EngineStatus
	Build version.Info `json:"build"`
}

type HealthHandler struct {
	engine Runtime
}

func NewHealthHandler(eng Runtime) *HealthHandler {
	return &HealthHandler{engine: eng}
}

// Health is the liveness probe. It fails only once the engine has stopped or failed.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.engine.IsHealthy() {
		h.probe(w, http.StatusOK, probeResponse{Status: "ok"})
		return
	}
	h.probe(w, http.StatusServiceUnavailable, h.explain("unhealthy"))
}

// Ready is the readiness probe: consumers are running and the publisher circuit is closed.
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	if h.engine.IsReady() {
		h.probe(w, http.StatusOK, probeResponse{Status: "ready"})
		return
	}
	h.probe(w, http.StatusServiceUnavailable, h.explain("not_ready"))
}

// Status reports engine, lane and publisher state together with the build identity.
func (h *HealthHandler) Status(w http.ResponseWriter, _ *http.Request) {
	status := h.engine.GetStatus()
	if status == nil {
		status = &engine.EngineStatus{State: "unknown"}
	}
	w.Header().Set("Cache-Control", "no-store")
	response.JSON(w, http.StatusOK, statusResponse{EngineStatus: status, Build: version.Get()})
}

func (h *HealthHandler) probe(w http.ResponseWriter, code int, body probeResponse) {
	w.Header().Set("Cache-Control", "no-store")
	response.JSON(w, code, body)
}

func (h *HealthHandler) explain(verdict string) probeResponse {
	resp := probeResponse{Status: verdict}
	status := h.engine.GetStatus()
	if status == nil {
		return resp
	}
	resp.State = status.State
	if status.State != "running" {
		resp.Issues = append(resp.Issues, "engine is "+status.State)
	}
	if status.Degraded {
		resp.Issues = append(resp.Issues, "publisher circuit open")
	}
	return resp
}
