package confirmation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"lendpay/internal/common/events"
	"lendpay/internal/payment"
)

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, a payment.Attempt) error

func (f ObserverFunc) AttemptChanged(ctx context.Context, a payment.Attempt) error {
	return f(ctx, a)
}

// EventObserver publishes a payment.attempt.<status> event for every status
// change. Poll bookkeeping that leaves the status unchanged is not published.
type EventObserver struct {
	publisher events.EventPublisher

	mu   sync.Mutex
	last map[string]payment.Status
}

// NewEventObserver creates an observer publishing through publisher.
func NewEventObserver(publisher events.EventPublisher) *EventObserver {
	return &EventObserver{
		publisher: publisher,
		last:      make(map[string]payment.Status),
	}
}

// AttemptChanged implements Observer. Calls for one attempt come from its
// owning goroutine only, but different attempts notify concurrently.
func (o *EventObserver) AttemptChanged(ctx context.Context, a payment.Attempt) error {
	if !o.statusChanged(a) {
		return nil
	}

	event, err := AttemptEvent(a)
	if err != nil {
		return err
	}
	return o.publisher.Publish(ctx, event)
}

// statusChanged forgets attempts once terminal; a late reconciliation then
// reads as a change again.
func (o *EventObserver) statusChanged(a payment.Attempt) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev, seen := o.last[a.CorrelationReference]
	if a.IsTerminal() {
		delete(o.last, a.CorrelationReference)
	} else {
		o.last[a.CorrelationReference] = a.Status
	}
	return !seen || prev != a.Status
}

// AttemptEvent builds the event describing a.
func AttemptEvent(a payment.Attempt) (*events.Event, error) {
	data := events.PaymentAttemptData{
		CorrelationReference: a.CorrelationReference,
		GatewayReference:     a.GatewayReference,
		Status:               string(a.Status),
		AmountMinor:          a.Amount.AmountMinor,
		Currency:             string(a.Amount.Currency),
		PayerMSISDN:          a.PayerMSISDN,
		AttemptsMade:         a.AttemptsMade,
		LastError:            a.LastError,
		FailureKind:          string(a.FailureKind),
		ReceiptID:            a.ReceiptID,
		ReconciledLate:       a.ReconciledLate,
		CompletedAt:          a.CompletedAt,
	}

	eventType := "payment.attempt." + strings.ToLower(string(a.Status))
	event, err := events.NewEvent(eventType, events.AggregatePaymentAttempt, a.CorrelationReference, data)
	if err != nil {
		return nil, fmt.Errorf("building %s event: %w", eventType, err)
	}
	return event.WithCorrelation(a.CorrelationReference, ""), nil
}
