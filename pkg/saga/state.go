package saga

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// State defines the lifecycle of an order saga.
type State int

const (
	StateCreated State = iota
	StatePaymentSucceeded
	StatePaymentFailed
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateCreated:          "created",
	StatePaymentSucceeded: "payment-succeeded",
	StatePaymentFailed:    "payment-failed",
	StateCompleted:        "completed",
	StateFailed:           "failed",
	StateCancelled:        "cancelled",
}

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{
		StateCreated,
		StatePaymentSucceeded,
		StatePaymentFailed,
		StateCompleted,
		StateFailed,
		StateCancelled,
	}
}

// String returns the string form of State.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseState parses the string form produced by String.
func ParseState(value string) (State, error) {
	for state, name := range stateNames {
		if name == value {
			return state, nil
		}
	}
	return 0, fmt.Errorf("unknown saga state %q: %w", value, ErrInvalidArgument)
}

// IsTerminal reports whether the state admits no further payment or shipping transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal saga state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Record is the durable state of one order saga.
type Record struct {
	OrderID           string          `json:"orderId"`
	Amount            decimal.Decimal `json:"amount"`
	State             State           `json:"state"`
	PaymentProcessed  bool            `json:"paymentProcessed"`
	ShippingProcessed bool            `json:"shippingProcessed"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`

	// Version is owned by the store. Upsert succeeds only when it matches the stored value.
	Version int64 `json:"version"`
}

// NewRecord creates a record in StateCreated.
func NewRecord(orderID string, amount decimal.Decimal, now time.Time) *Record {
	now = now.UTC()
	return &Record{
		OrderID:   orderID,
		Amount:    amount,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to mutate independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	copied := *r
	return &copied
}
