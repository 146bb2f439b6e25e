// Package payment contains the value types for mobile-money push payments.
package payment

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"lendpay/internal/common/money"
)

// Status represents the status of a payment attempt.
type Status string

const (
	StatusInitiating           Status = "INITIATING"
	StatusAwaitingConfirmation Status = "AWAITING_CONFIRMATION"
	StatusSucceeded            Status = "SUCCEEDED"
	StatusFailed               Status = "FAILED"
	StatusTimedOut             Status = "TIMED_OUT"
	StatusCancelled            Status = "CANCELLED"
)

// IsTerminal returns true if no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// FailureKind classifies why an attempt ended in FAILED.
type FailureKind string

const (
	FailureValidationRejected   FailureKind = "validation_rejected"
	FailureProviderUnavailable  FailureKind = "provider_unavailable"
	FailureAuthenticationFailed FailureKind = "authentication_failed"
	FailurePaymentDeclined      FailureKind = "payment_declined"
)

// Retryable reports whether the caller may retry with a new attempt.
func (k FailureKind) Retryable() bool {
	return k == FailureProviderUnavailable
}

// Source records where the observation behind the latest transition came from.
type Source string

const (
	SourceSubmit   Source = "submit"
	SourcePoll     Source = "poll"
	SourceCallback Source = "callback"
	SourceCaller   Source = "caller"
	SourceTimer    Source = "timer"
)

var msisdnPattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// Request validation errors.
var (
	ErrPayerRequired     = errors.New("payer msisdn is required")
	ErrInvalidPayer      = errors.New("payer msisdn must be 9 to 15 digits")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrNarrativeTooLong  = errors.New("narrative must be at most 140 characters")
)

// MaxNarrativeLength is the longest narrative passed to the provider.
const MaxNarrativeLength = 140

// PaymentRequest is the immutable input for one push payment.
// Fields are unexported so a request cannot change after construction.
type PaymentRequest struct {
	payerMSISDN string
	amount      money.Money
	reference   string
	narrative   string
}

// NewPaymentRequest validates and builds a PaymentRequest. An empty reference
// is allowed; the orchestrator mints one when the attempt is created.
func NewPaymentRequest(payerMSISDN string, amount money.Money, reference, narrative string) (PaymentRequest, error) {
	if payerMSISDN == "" {
		return PaymentRequest{}, ErrPayerRequired
	}
	if !msisdnPattern.MatchString(payerMSISDN) {
		return PaymentRequest{}, fmt.Errorf("%w: %q", ErrInvalidPayer, payerMSISDN)
	}
	if !amount.IsPositive() {
		return PaymentRequest{}, ErrAmountNotPositive
	}
	if len([]rune(narrative)) > MaxNarrativeLength {
		return PaymentRequest{}, ErrNarrativeTooLong
	}

	return PaymentRequest{
		payerMSISDN: payerMSISDN,
		amount:      amount,
		reference:   reference,
		narrative:   narrative,
	}, nil
}

func (r PaymentRequest) PayerMSISDN() string { return r.payerMSISDN }
func (r PaymentRequest) Amount() money.Money { return r.amount }
func (r PaymentRequest) Reference() string   { return r.reference }
func (r PaymentRequest) Narrative() string   { return r.narrative }

// WithReference returns a copy of r carrying the given correlation reference.
func (r PaymentRequest) WithReference(reference string) PaymentRequest {
	r.reference = reference
	return r
}

// Validate reports whether r was built through NewPaymentRequest.
func (r PaymentRequest) Validate() error {
	if r.payerMSISDN == "" {
		return ErrPayerRequired
	}
	if !r.amount.IsPositive() {
		return ErrAmountNotPositive
	}
	return nil
}

// Attempt is the mutable state of one payment attempt. Values handed out by
// the orchestrator are copies; mutating one has no effect on the tracked attempt.
type Attempt struct {
	CorrelationReference string       `json:"correlation_reference"`
	GatewayReference     string       `json:"gateway_reference,omitempty"`
	ProviderCorrelation  string       `json:"provider_correlation_id,omitempty"`
	PayerMSISDN          string       `json:"payer_msisdn"`
	Amount               money.Money  `json:"amount"`
	Narrative            string       `json:"narrative,omitempty"`
	Status               Status       `json:"status"`
	AttemptsMade         int          `json:"attempts_made"`
	MaxAttempts          int          `json:"max_attempts"`
	LastError            string       `json:"last_error,omitempty"`
	FailureKind          FailureKind  `json:"failure_kind,omitempty"`
	ReceiptID            string       `json:"receipt_id,omitempty"`
	SettledAmount        *money.Money `json:"settled_amount,omitempty"`
	LastSource           Source       `json:"last_source,omitempty"`
	ReconciledLate       bool         `json:"reconciled_late,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the attempt is in a terminal state.
func (a Attempt) IsTerminal() bool {
	return a.Status.IsTerminal()
}
