package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Aggregate types
const (
	AggregatePaymentAttempt = "payment_attempt"
)

// Payment attempt events. The suffix is the lower-cased attempt status.
const (
	EventPaymentAttemptInitiating           = "payment.attempt.initiating"
	EventPaymentAttemptAwaitingConfirmation = "payment.attempt.awaiting_confirmation"
	EventPaymentAttemptSucceeded            = "payment.attempt.succeeded"
	EventPaymentAttemptFailed               = "payment.attempt.failed"
	EventPaymentAttemptTimedOut             = "payment.attempt.timed_out"
	EventPaymentAttemptCancelled            = "payment.attempt.cancelled"

	// EventMobileMoneyCallbackReceived carries a provider callback relayed by
	// another service that terminates the provider's webhook.
	EventMobileMoneyCallbackReceived = "mobilemoney.callback.received"
)

// Event data structures

// PaymentAttemptData is the data for payment.attempt.* events
type PaymentAttemptData struct {
	CorrelationReference string     `json:"correlation_reference"`
	GatewayReference     string     `json:"gateway_reference,omitempty"`
	Status               string     `json:"status"`
	AmountMinor          int64      `json:"amount_minor"`
	Currency             string     `json:"currency"`
	PayerMSISDN          string     `json:"payer_msisdn"`
	AttemptsMade         int        `json:"attempts_made"`
	LastError            string     `json:"last_error,omitempty"`
	FailureKind          string     `json:"failure_kind,omitempty"`
	ReceiptID            string     `json:"receipt_id,omitempty"`
	ReconciledLate       bool       `json:"reconciled_late,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// MobileMoneyCallbackData is the data for mobilemoney.callback.received
// events. It is also the provider's webhook body.
type MobileMoneyCallbackData struct {
	CorrelationReference string `json:"reference,omitempty"`
	TransactionID        string `json:"transaction_id" validate:"required"`
	Status               string `json:"status" validate:"required"`
	ReceiptNumber        string `json:"receipt_number,omitempty"`
	SettledAmount        string `json:"settled_amount,omitempty" validate:"omitempty,numeric"`
	Currency             string `json:"currency,omitempty" validate:"required_with=SettledAmount"`
	Reason               string `json:"reason,omitempty"`
}
