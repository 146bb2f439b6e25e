package confirmation

import (
	"context"
	"errors"

	"lendpay/internal/common/money"
	"lendpay/internal/payment"
)

// Gateway error kinds. Provider adapters wrap one of these so the
// orchestrator can tell business rejections from transient failures.
var (
	ErrValidationRejected   = errors.New("validation rejected by provider")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrAuthenticationFailed = errors.New("provider authentication failed")
)

// GatewayStatus is the provider-side status of a push payment.
type GatewayStatus string

const (
	GatewayPending   GatewayStatus = "PENDING"
	GatewayCompleted GatewayStatus = "COMPLETED"
	GatewayFailed    GatewayStatus = "FAILED"
)

// IsConclusive returns true for COMPLETED and FAILED.
func (s GatewayStatus) IsConclusive() bool {
	return s == GatewayCompleted || s == GatewayFailed
}

// Gateway issues push-payment requests and status lookups. Implementations
// hold no attempt state and never retry.
type Gateway interface {
	// Submit asks the provider to prompt the payer. Acceptance only means the
	// request was queued.
	Submit(ctx context.Context, req payment.PaymentRequest) (SubmitResult, error)
	// CheckStatus is read-only and safe to repeat.
	CheckStatus(ctx context.Context, gatewayRef string) (StatusResult, error)
}

// SubmitResult is the provider acknowledgment of a push payment.
type SubmitResult struct {
	GatewayReference      string
	ProviderCorrelationID string
}

// StatusResult is a provider status observation.
type StatusResult struct {
	Status        GatewayStatus
	ReceiptID     string
	SettledAmount *money.Money
	Reason        string
}

// Callback is a final status pushed by the provider out-of-band.
type Callback struct {
	CorrelationReference string
	GatewayReference     string
	Status               GatewayStatus
	ReceiptID            string
	SettledAmount        *money.Money
	Reason               string
}

func classifySubmitError(err error) payment.FailureKind {
	switch {
	case errors.Is(err, ErrValidationRejected):
		return payment.FailureValidationRejected
	case errors.Is(err, ErrAuthenticationFailed):
		return payment.FailureAuthenticationFailed
	default:
		return payment.FailureProviderUnavailable
	}
}
