package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/ordersaga/pkg/api/middleware"
	"github.com/goclaw/ordersaga/pkg/api/models"
	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/eventbus"
)

// DeadLetterHandler serves the dead-letter inspection endpoints.
type DeadLetterHandler struct {
	store eventbus.DeadLetterStore
}

// NewDeadLetterHandler creates a dead-letter handler.
func NewDeadLetterHandler(store eventbus.DeadLetterStore) *DeadLetterHandler {
	return &DeadLetterHandler{store: store}
}

// ListDeadLetters handles GET /api/v1/deadletters?channel=.
func (h *DeadLetterHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	channel := strings.TrimSpace(r.URL.Query().Get("channel"))
	entries, err := h.store.List(r.Context(), channel)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}

	items := make([]models.DeadLetterResponse, 0, len(entries))
	for _, dl := range entries {
		items = append(items, toDeadLetterResponse(dl))
	}
	response.JSON(w, http.StatusOK, models.DeadLetterListResponse{Items: items, Total: len(items)})
}

// GetDeadLetter handles GET /api/v1/deadletters/{id}.
func (h *DeadLetterHandler) GetDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dl, err := h.store.Get(r.Context(), id)
	if err != nil {
		response.HandleError(w, err, middleware.GetRequestID(r.Context()))
		return
	}
	response.JSON(w, http.StatusOK, toDeadLetterResponse(dl))
}

func toDeadLetterResponse(dl eventbus.DeadLetter) models.DeadLetterResponse {
	return models.DeadLetterResponse{
		ID:             dl.ID,
		Channel:        dl.Channel,
		EventID:        dl.EventID,
		EventType:      dl.EventType,
		OrderID:        dl.OrderID,
		Reason:         dl.Reason,
		Attempts:       dl.Attempts,
		Body:           dl.Body,
		DeadLetteredAt: dl.DeadLetteredAt,
	}
}
