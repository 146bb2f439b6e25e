package payment

import (
	"errors"
	"fmt"
	"time"

	"lendpay/internal/common/money"
)

var (
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrGatewayReferenceSet = errors.New("gateway reference already set")
)

// Outcome is a conclusive provider observation for an attempt awaiting confirmation.
type Outcome struct {
	Completed     bool
	ReceiptID     string
	SettledAmount *money.Money
	Reason        string
	Source        Source
}

// NewAttempt creates an attempt in INITIATING for req. The request must
// already carry its correlation reference.
func NewAttempt(req PaymentRequest, maxAttempts int, now time.Time) (*Attempt, error) {
	if req.Reference() == "" {
		return nil, errors.New("correlation reference is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	return &Attempt{
		CorrelationReference: req.Reference(),
		PayerMSISDN:          req.PayerMSISDN(),
		Amount:               req.Amount(),
		Narrative:            req.Narrative(),
		Status:               StatusInitiating,
		MaxAttempts:          maxAttempts,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

func (a *Attempt) transitionError(to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
}

func (a *Attempt) touch(now time.Time, source Source) {
	a.UpdatedAt = now.UTC()
	a.LastSource = source
}

func (a *Attempt) finish(status Status, now time.Time, source Source) {
	a.Status = status
	a.touch(now, source)
	done := a.UpdatedAt
	a.CompletedAt = &done
}

// MarkAwaitingConfirmation records the provider acknowledgment.
func (a *Attempt) MarkAwaitingConfirmation(gatewayRef, providerCorrelation string, now time.Time) error {
	if a.Status != StatusInitiating {
		return a.transitionError(StatusAwaitingConfirmation)
	}
	if a.GatewayReference != "" {
		return ErrGatewayReferenceSet
	}
	if gatewayRef == "" {
		return errors.New("gateway reference is required")
	}
	a.Status = StatusAwaitingConfirmation
	a.GatewayReference = gatewayRef
	a.ProviderCorrelation = providerCorrelation
	a.touch(now, SourceSubmit)
	return nil
}

// MarkSubmitFailed moves an INITIATING attempt straight to FAILED.
func (a *Attempt) MarkSubmitFailed(kind FailureKind, detail string, now time.Time) error {
	if a.Status != StatusInitiating {
		return a.transitionError(StatusFailed)
	}
	a.FailureKind = kind
	a.LastError = detail
	a.finish(StatusFailed, now, SourceSubmit)
	return nil
}

// RecordPoll counts one issued status poll. Inconclusive polls pass their
// error detail; conclusive ones pass "".
func (a *Attempt) RecordPoll(detail string, now time.Time) error {
	if a.Status != StatusAwaitingConfirmation {
		return a.transitionError(a.Status)
	}
	if a.MaxAttempts > 0 && a.AttemptsMade >= a.MaxAttempts {
		return fmt.Errorf("attempt budget of %d exhausted", a.MaxAttempts)
	}
	a.AttemptsMade++
	if detail != "" {
		a.LastError = detail
	}
	a.touch(now, SourcePoll)
	return nil
}

// ApplyOutcome applies a conclusive COMPLETED or FAILED observation.
func (a *Attempt) ApplyOutcome(o Outcome, now time.Time) error {
	to := StatusFailed
	if o.Completed {
		to = StatusSucceeded
	}
	if a.Status != StatusAwaitingConfirmation {
		return a.transitionError(to)
	}
	a.applyOutcome(o, to, now)
	return nil
}

// ReconcileLate applies a callback outcome to a TIMED_OUT attempt. Only
// TIMED_OUT may be left this way, and only when the caller's policy allows it.
func (a *Attempt) ReconcileLate(o Outcome, now time.Time) error {
	to := StatusFailed
	if o.Completed {
		to = StatusSucceeded
	}
	if a.Status != StatusTimedOut || a.ReconciledLate {
		return a.transitionError(to)
	}
	a.ReconciledLate = true
	a.applyOutcome(o, to, now)
	return nil
}

func (a *Attempt) applyOutcome(o Outcome, to Status, now time.Time) {
	a.ReceiptID = o.ReceiptID
	a.SettledAmount = o.SettledAmount
	if o.Completed {
		a.LastError = ""
		a.FailureKind = ""
	} else {
		a.FailureKind = FailurePaymentDeclined
		a.LastError = o.Reason
		if a.LastError == "" {
			a.LastError = "payment failed at provider"
		}
	}
	a.finish(to, now, o.Source)
}

// MarkTimedOut closes an attempt whose attempt budget or deadline ran out.
func (a *Attempt) MarkTimedOut(detail string, now time.Time) error {
	if a.Status != StatusAwaitingConfirmation {
		return a.transitionError(StatusTimedOut)
	}
	if detail != "" {
		a.LastError = detail
	}
	a.finish(StatusTimedOut, now, SourceTimer)
	return nil
}

// MarkCancelled closes a non-terminal attempt at the caller's request.
func (a *Attempt) MarkCancelled(reason string, now time.Time) error {
	if a.Status.IsTerminal() {
		return a.transitionError(StatusCancelled)
	}
	if reason != "" {
		a.LastError = reason
	}
	a.finish(StatusCancelled, now, SourceCaller)
	return nil
}
