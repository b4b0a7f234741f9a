package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire shape of every saga event.
//
// OrderID doubles as the correlation id. Payload holds the type-specific fields.
type Envelope struct {
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	OrderID     string          `json:"orderId"`
	CreatedAt   time.Time       `json:"createdAt"`
	Attempt     int             `json:"attempt,omitempty"`
	TraceParent string          `json:"traceparent,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope creates an envelope with a generated event id.
func NewEnvelope(eventType, orderID string, payload any) (Envelope, error) {
	if strings.TrimSpace(eventType) == "" {
		return Envelope{}, fmt.Errorf("eventbus: event type is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventbus: marshal payload: %w", err)
	}

	return Envelope{
		EventID:   uuid.NewString(),
		EventType: eventType,
		OrderID:   orderID,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodeEnvelope parses raw message bytes.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("eventbus: invalid envelope json: %w", err)
	}
	if strings.TrimSpace(env.EventType) == "" {
		return env, fmt.Errorf("eventbus: envelope has no event type")
	}
	return env, nil
}

// Marshal encodes the envelope for transport.
func (e Envelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	return body, nil
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("eventbus: %s envelope has empty payload", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventbus: decode %s payload: %w", e.EventType, err)
	}
	return nil
}
