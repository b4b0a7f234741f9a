// Package models defines the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateOrderRequest starts a saga by publishing OrderCreated.
type CreateOrderRequest struct {
	OrderID string `json:"orderId" validate:"required,min=1,max=128"`
	// Amount is a decimal string such as "19.99".
	Amount string `json:"amount" validate:"required,numeric"`
}

// CancelOrderRequest cancels a saga by publishing OrderCancelled.
type CancelOrderRequest struct {
	Reason string `json:"reason" validate:"required,min=1,max=512"`
}

// EventAcceptedResponse is returned when a command event has been published.
type EventAcceptedResponse struct {
	EventID   string    `json:"eventId"`
	EventType string    `json:"eventType"`
	OrderID   string    `json:"orderId"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"createdAt"`
}

// SagaResponse is one saga record.
type SagaResponse struct {
	OrderID           string          `json:"orderId"`
	Amount            decimal.Decimal `json:"amount"`
	State             string          `json:"state"`
	Terminal          bool            `json:"terminal"`
	PaymentProcessed  bool            `json:"paymentProcessed"`
	ShippingProcessed bool            `json:"shippingProcessed"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// SagaListResponse is a page of sagas, oldest first.
type SagaListResponse struct {
	Items  []SagaResponse `json:"items"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// DeadLetterResponse is one dead-lettered message.
type DeadLetterResponse struct {
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	EventID        string    `json:"eventId,omitempty"`
	EventType      string    `json:"eventType,omitempty"`
	OrderID        string    `json:"orderId,omitempty"`
	Reason         string    `json:"reason"`
	Attempts       int       `json:"attempts"`
	Body           string    `json:"body"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// DeadLetterListResponse lists dead letters, oldest first.
type DeadLetterListResponse struct {
	Items []DeadLetterResponse `json:"items"`
	Total int                  `json:"total"`
}
