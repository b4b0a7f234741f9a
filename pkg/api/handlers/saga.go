package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/goclaw/ordersaga/pkg/api/middleware"
	"github.com/goclaw/ordersaga/pkg/api/models"
	"github.com/goclaw/ordersaga/pkg/api/response"
	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/saga"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SagaReader is the read side of the saga state machine.
type SagaReader interface {
	Get(ctx context.Context, orderID string) (*saga.Record, error)
	ListByState(ctx context.Context, state saga.State) ([]*saga.Record, error)
}

// OrderSender publishes the commands that start and cancel sagas.
type OrderSender interface {
	SendOrderCreated(ctx context.Context, orderID string, amount decimal.Decimal) (eventbus.Envelope, error)
	SendOrderCancelled(ctx context.Context, orderID, reason string) (eventbus.Envelope, error)
}

// SagaHandler serves saga inspection and order command endpoints.
type SagaHandler struct {
	sagas     SagaReader
	sender    OrderSender
	channel   string
	logger    logger.Logger
	validator *validator.Validate
}

// NewSagaHandler creates a saga handler. ordersChannel is reported back in command responses.
func NewSagaHandler(sagas SagaReader, sender OrderSender, ordersChannel string, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	return &SagaHandler{
		sagas:     sagas,
		sender:    sender,
		channel:   ordersChannel,
		logger:    log,
		validator: validator.New(),
	}
}

// ListSagas handles GET /api/v1/sagas?state=&limit=&offset=. Without a state filter every saga
// is listed.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	limit, offset, err := pagination(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID)
		return
	}

	states := saga.AllStates()
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		state, err := saga.ParseState(raw)
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), requestID)
			return
		}
		states = []saga.State{state}
	}

	var records []*saga.Record
	for _, state := range states {
		batch, err := h.sagas.ListByState(r.Context(), state)
		if err != nil {
			h.writeSagaError(w, r, err)
			return
		}
		records = append(records, batch...)
	}
	if len(states) > 1 {
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		})
	}

	total := len(records)
	start := min(offset, total)
	end := min(start+limit, total)

	items := make([]models.SagaResponse, 0, end-start)
	for _, rec := range records[start:end] {
		items = append(items, toSagaResponse(rec))
	}
	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetSaga handles GET /api/v1/sagas/{orderId}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if strings.TrimSpace(orderID) == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "order id is required", middleware.GetRequestID(r.Context()))
		return
	}

	rec, err := h.sagas.Get(r.Context(), orderID)
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, toSagaResponse(rec))
}

// CreateOrder handles POST /api/v1/orders.
func (h *SagaHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req models.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			"validation failed", validationDetails(err), requestID)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "amount must be a decimal number", requestID)
		return
	}

	env, err := h.sender.SendOrderCreated(r.Context(), req.OrderID, amount)
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusAccepted, h.accepted(env))
}

// CancelOrder handles POST /api/v1/orders/{orderId}/cancel.
func (h *SagaHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req models.CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", requestID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
			"validation failed", validationDetails(err), requestID)
		return
	}

	env, err := h.sender.SendOrderCancelled(r.Context(), orderID, req.Reason)
	if err != nil {
		h.writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusAccepted, h.accepted(env))
}

func (h *SagaHandler) accepted(env eventbus.Envelope) models.EventAcceptedResponse {
	return models.EventAcceptedResponse{
		EventID:   env.EventID,
		EventType: env.EventType,
		OrderID:   env.OrderID,
		Channel:   h.channel,
		CreatedAt: env.CreatedAt,
	}
}

// writeSagaError maps saga error kinds to HTTP statuses.
func (h *SagaHandler) writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	status := response.HTTPStatusFromError(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable:
		h.logger.ErrorContext(r.Context(), "Saga request failed", "status", status, "error", err)
	case status == http.StatusServiceUnavailable:
		h.logger.WarnContext(r.Context(), "Saga backend unavailable", "error", err)
	}
	response.HandleError(w, err, middleware.GetRequestID(r.Context()))
}

func toSagaResponse(rec *saga.Record) models.SagaResponse {
	return models.SagaResponse{
		OrderID:           rec.OrderID,
		Amount:            rec.Amount,
		State:             rec.State.String(),
		Terminal:          rec.State.IsTerminal(),
		PaymentProcessed:  rec.PaymentProcessed,
		ShippingProcessed: rec.ShippingProcessed,
		ErrorMessage:      rec.ErrorMessage,
		Version:           rec.Version,
		CreatedAt:         rec.CreatedAt,
		UpdatedAt:         rec.UpdatedAt,
	}
}

func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxListLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

func validationDetails(err error) map[string]interface{} {
	details := make(map[string]interface{})
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
	}
	return details
}
