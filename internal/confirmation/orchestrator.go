// Package confirmation drives mobile-money push payments from initiation to a
// terminal outcome: it submits through a Gateway, polls for the provider's
// verdict, and applies cancellations and provider callbacks.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lendpay/internal/common/money"
	"lendpay/internal/payment"
)

var (
	ErrNotFound           = errors.New("payment attempt not found")
	ErrDuplicateReference = errors.New("duplicate correlation reference")
	ErrAttemptActive      = errors.New("payment attempt is still active")
	ErrReferenceMismatch  = errors.New("gateway reference does not match attempt")
	ErrClosed             = errors.New("orchestrator closed")
)

const (
	cancelReason   = "cancelled by caller"
	shutdownReason = "confirmation stopped: orchestrator closed"

	defaultNotifyTimeout = 5 * time.Second
)

// Observer receives every committed attempt snapshot, in order, from the
// attempt's owning goroutine. The owner waits for each call, bounded by the
// notify timeout, so observers must honour ctx.
type Observer interface {
	AttemptChanged(ctx context.Context, a payment.Attempt) error
}

// ReferenceLookup reports whether a correlation reference already belongs to
// an attempt outside the in-memory registry, such as an archived one.
type ReferenceLookup func(ctx context.Context, ref string) (bool, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an observer for attempt changes.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

// WithClock overrides the time source used for timestamps and deadlines.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithReferenceLookup makes Start reject references the lookup reports as
// used, so a forgotten attempt's reference is never reissued.
func WithReferenceLookup(fn ReferenceLookup) Option {
	return func(o *Orchestrator) { o.refLookup = fn }
}

// WithNotifyTimeout bounds each observer call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.notifyTimeout = d }
}

// WithReferenceGenerator overrides how missing correlation references are minted.
func WithReferenceGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newRef = fn }
}

// Orchestrator owns the lifecycle of payment attempts.
type Orchestrator struct {
	gateway   Gateway
	registry  *registry
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	newRef    func() string
	refLookup ReferenceLookup

	notifyTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an orchestrator submitting through gateway.
func New(gateway Gateway, logger *slog.Logger, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		gateway:  gateway,
		registry: newRegistry(),
		logger:   logger,
		now:      time.Now,
		newRef:   func() string { return ulid.Make().String() },
		ctx:      ctx,
		cancel:   cancel,

		notifyTimeout: defaultNotifyTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) isClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}

// Start creates a new attempt for req and submits it. It returns once the
// provider has acknowledged or rejected the request; confirmation continues
// in the background. A rejected submit yields a handle already in FAILED.
// Errors are returned only for invalid input, a reused correlation
// reference (including one the reference lookup reports), a failed lookup,
// or a closed orchestrator; no attempt is created in those cases.
func (o *Orchestrator) Start(ctx context.Context, req payment.PaymentRequest, policy PollPolicy) (*Handle, error) {
	if o.isClosed() {
		return nil, ErrClosed
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("start payment: %w", err)
	}
	if req.Reference() == "" {
		req = req.WithReference(o.newRef())
	}
	if o.refLookup != nil {
		used, err := o.refLookup(ctx, req.Reference())
		if err != nil {
			return nil, fmt.Errorf("start payment %s: check reference: %w", req.Reference(), err)
		}
		if used {
			return nil, fmt.Errorf("start payment %s: %w", req.Reference(), ErrDuplicateReference)
		}
	}

	attempt, err := payment.NewAttempt(req, policy.MaxAttempts, o.now())
	if err != nil {
		return nil, fmt.Errorf("start payment: %w", err)
	}

	t := newTracker(attempt, policy)
	if err := o.registry.insert(t); err != nil {
		return nil, fmt.Errorf("start payment %s: %w", t.ref, err)
	}
	h := &Handle{t: t}
	o.notify(t.snapshot())

	o.logger.Info("submitting push payment",
		"correlation_reference", t.ref,
		"amount", attempt.Amount.AmountMinor,
		"currency", attempt.Amount.Currency,
	)

	result, err := o.gateway.Submit(ctx, req)
	if err != nil {
		o.failSubmit(t, classifySubmitError(err), err)
		return h, nil
	}

	if _, err := o.apply(t, func(a *payment.Attempt) error {
		return a.MarkAwaitingConfirmation(result.GatewayReference, result.ProviderCorrelationID, o.now())
	}); err != nil {
		o.failSubmit(t, payment.FailureProviderUnavailable, fmt.Errorf("unusable acknowledgment: %w", err))
		return h, nil
	}

	o.mu.RLock()
	if o.closed {
		o.mu.RUnlock()
		o.cancelAttempt(t, shutdownReason)
		t.stop()
		return h, nil
	}
	o.wg.Add(1)
	o.mu.RUnlock()

	go o.run(t)
	return h, nil
}

func (o *Orchestrator) failSubmit(t *tracker, kind payment.FailureKind, cause error) {
	detail := fmt.Errorf("payment %s: submit: %w", t.ref, cause).Error()
	o.apply(t, func(a *payment.Attempt) error {
		return a.MarkSubmitFailed(kind, detail, o.now())
	})
	t.stop()

	o.logger.Warn("push payment submit failed",
		"correlation_reference", t.ref,
		"failure_kind", kind,
		"retryable", kind.Retryable(),
		"error", cause,
	)
}

// Get returns a snapshot of the attempt. It never blocks on the poll loop.
func (o *Orchestrator) Get(ref string) (payment.Attempt, error) {
	t, ok := o.registry.get(ref)
	if !ok {
		return payment.Attempt{}, ErrNotFound
	}
	return t.snapshot(), nil
}

// Handle returns the handle of a tracked attempt.
func (o *Orchestrator) Handle(ref string) (*Handle, error) {
	t, ok := o.registry.get(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return &Handle{t: t}, nil
}

// Wait blocks until the attempt is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, ref string) (payment.Attempt, error) {
	h, err := o.Handle(ref)
	if err != nil {
		return payment.Attempt{}, err
	}
	return h.Wait(ctx)
}

// List returns snapshots of all tracked attempts, oldest first.
func (o *Orchestrator) List() []payment.Attempt {
	trackers := o.registry.list()
	out := make([]payment.Attempt, len(trackers))
	for i, t := range trackers {
		out[i] = t.snapshot()
	}
	return out
}

// Cancel asks the attempt's owner to cancel it. The owner applies the
// cancellation at its next check point; an in-flight status call is not
// aborted. Cancelling a terminal attempt is a no-op.
func (o *Orchestrator) Cancel(ref string) error {
	t, ok := o.registry.get(ref)
	if !ok {
		return ErrNotFound
	}
	if t.snapshot().IsTerminal() {
		return nil
	}
	t.requestCancel()
	o.logger.Info("payment cancellation requested", "correlation_reference", ref)
	return nil
}

// Forget evicts a terminal attempt from the registry.
func (o *Orchestrator) Forget(ref string) error {
	t, ok := o.registry.get(ref)
	if !ok {
		return ErrNotFound
	}
	if !t.snapshot().IsTerminal() {
		return ErrAttemptActive
	}
	// Ends any late-callback window still held by the owner.
	t.requestCancel()
	o.registry.remove(ref)
	return nil
}

// Reconcile hands a provider callback to the attempt's owner and waits for it
// to be applied. It reports whether the callback changed the attempt. An
// unknown correlation reference falls back to the gateway reference.
// Callbacks for attempts whose owner has finished are ignored.
func (o *Orchestrator) Reconcile(ctx context.Context, cb Callback) (bool, error) {
	var (
		t  *tracker
		ok bool
	)
	if cb.CorrelationReference != "" {
		t, ok = o.registry.get(cb.CorrelationReference)
	}
	if !ok && cb.GatewayReference != "" {
		t, ok = o.registry.findByGatewayReference(cb.GatewayReference)
	}
	if !ok {
		return false, ErrNotFound
	}

	msg := reconcileMsg{callback: cb, reply: make(chan reconcileResult, 1)}
	select {
	case t.inbox <- msg:
	case <-t.stopped:
		o.logger.Info("provider callback ignored: attempt closed",
			"correlation_reference", t.ref,
			"callback_status", cb.Status,
			"status", t.snapshot().Status,
		)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case r := <-msg.reply:
		return r.applied, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Close stops every poll loop. Attempts still awaiting confirmation are
// cancelled so their Done channels close.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		o.cancel()
		o.wg.Wait()
	})
}

func (o *Orchestrator) run(t *tracker) {
	defer o.wg.Done()
	defer t.stop()

	if o.confirm(t) && t.policy.LateCallbackWindow > 0 {
		o.awaitLateCallback(t)
	}
}

// confirm is the poll loop. It returns true if the attempt timed out.
func (o *Orchestrator) confirm(t *tracker) bool {
	p := t.policy
	var deadline time.Time
	if p.MaxWallClock > 0 {
		deadline = t.createdAt.Add(p.MaxWallClock)
	}

	for {
		if reason, stop := o.stopRequested(t); stop {
			o.cancelAttempt(t, reason)
			return false
		}

		a := t.snapshot()
		if a.AttemptsMade >= p.MaxAttempts {
			o.timeOut(t, fmt.Sprintf("no confirmation after %d status checks", a.AttemptsMade))
			return true
		}
		now := o.now()
		if !deadline.IsZero() && !now.Before(deadline) {
			o.timeOut(t, fmt.Sprintf("no confirmation within %s", p.MaxWallClock))
			return true
		}

		wait := p.Interval(a.AttemptsMade)
		if !deadline.IsZero() && deadline.Sub(now) < wait {
			wait = deadline.Sub(now)
		}

		timer := time.NewTimer(wait)
	waiting:
		for {
			select {
			case <-t.cancelCh:
				timer.Stop()
				o.cancelAttempt(t, cancelReason)
				return false
			case <-o.ctx.Done():
				timer.Stop()
				o.cancelAttempt(t, shutdownReason)
				return false
			case msg := <-t.inbox:
				if o.handleCallback(t, msg) {
					timer.Stop()
					return false
				}
			case <-timer.C:
				break waiting
			}
		}

		if !deadline.IsZero() && !o.now().Before(deadline) {
			o.timeOut(t, fmt.Sprintf("no confirmation within %s", p.MaxWallClock))
			return true
		}
		if reason, stop := o.stopRequested(t); stop {
			o.cancelAttempt(t, reason)
			return false
		}

		res, err := o.gateway.CheckStatus(o.ctx, a.GatewayReference)
		if o.applyPoll(t, res, err) {
			return false
		}
	}
}

// applyPoll records one status poll and applies its result. A cancellation
// observed before the result is applied wins. It returns true when the
// attempt is terminal.
func (o *Orchestrator) applyPoll(t *tracker, res StatusResult, pollErr error) bool {
	reason, stop := o.stopRequested(t)

	var detail string
	switch {
	case pollErr != nil:
		detail = fmt.Errorf("payment %s: check status: %w", t.ref, pollErr).Error()
	case res.Status != GatewayPending && !res.Status.IsConclusive():
		detail = fmt.Sprintf("payment %s: check status: unrecognised provider status %q", t.ref, res.Status)
	}

	next, err := o.apply(t, func(a *payment.Attempt) error {
		now := o.now()
		if err := a.RecordPoll(detail, now); err != nil {
			return err
		}
		if stop {
			return a.MarkCancelled(reason, now)
		}
		if detail == "" && res.Status.IsConclusive() {
			return a.ApplyOutcome(outcomeOf(res.Status, res.ReceiptID, res.SettledAmount, res.Reason, payment.SourcePoll), now)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("failed to record status poll",
			"correlation_reference", t.ref,
			"error", err,
		)
		return next.IsTerminal()
	}

	if detail != "" {
		o.logger.Warn("status check inconclusive",
			"correlation_reference", t.ref,
			"gateway_reference", next.GatewayReference,
			"attempts_made", next.AttemptsMade,
			"error", detail,
		)
	}
	return next.IsTerminal()
}

// handleCallback applies a provider callback on the owner goroutine and
// replies to the waiting Reconcile call. It returns true when the callback
// made the attempt terminal.
func (o *Orchestrator) handleCallback(t *tracker, msg reconcileMsg) bool {
	cb := msg.callback
	current := t.snapshot()

	if cb.GatewayReference != "" && current.GatewayReference != "" && cb.GatewayReference != current.GatewayReference {
		msg.reply <- reconcileResult{err: fmt.Errorf("%w: callback %s, attempt %s",
			ErrReferenceMismatch, cb.GatewayReference, current.GatewayReference)}
		return false
	}
	if !cb.Status.IsConclusive() {
		msg.reply <- reconcileResult{}
		return false
	}

	outcome := outcomeOf(cb.Status, cb.ReceiptID, cb.SettledAmount, cb.Reason, payment.SourceCallback)
	next, err := o.apply(t, func(a *payment.Attempt) error {
		if a.Status == payment.StatusTimedOut {
			return a.ReconcileLate(outcome, o.now())
		}
		return a.ApplyOutcome(outcome, o.now())
	})
	if err != nil {
		o.logger.Info("provider callback not applied",
			"correlation_reference", t.ref,
			"status", next.Status,
			"error", err,
		)
		msg.reply <- reconcileResult{}
		return false
	}

	msg.reply <- reconcileResult{applied: true}
	return next.IsTerminal()
}

// awaitLateCallback keeps a TIMED_OUT attempt open to callbacks for the
// policy's late-callback window.
func (o *Orchestrator) awaitLateCallback(t *tracker) {
	timer := time.NewTimer(t.policy.LateCallbackWindow)
	defer timer.Stop()

	for {
		select {
		case msg := <-t.inbox:
			if o.handleCallback(t, msg) {
				return
			}
		case <-t.cancelCh:
			return
		case <-o.ctx.Done():
			return
		case <-timer.C:
			return
		}
	}
}

func (o *Orchestrator) stopRequested(t *tracker) (string, bool) {
	if t.cancelRequested() {
		return cancelReason, true
	}
	if o.ctx.Err() != nil {
		return shutdownReason, true
	}
	return "", false
}

func (o *Orchestrator) cancelAttempt(t *tracker, reason string) {
	o.apply(t, func(a *payment.Attempt) error {
		return a.MarkCancelled(reason, o.now())
	})
}

func (o *Orchestrator) timeOut(t *tracker, detail string) {
	o.apply(t, func(a *payment.Attempt) error {
		return a.MarkTimedOut(detail, o.now())
	})
}

// apply commits a transition on the owner goroutine, then logs and notifies
// observers.
func (o *Orchestrator) apply(t *tracker, fn func(a *payment.Attempt) error) (payment.Attempt, error) {
	prev := t.snapshot().Status
	next, err := t.commit(fn)
	if err != nil {
		return next, err
	}

	if next.Status != prev {
		o.logger.Info("payment attempt transitioned",
			"correlation_reference", next.CorrelationReference,
			"gateway_reference", next.GatewayReference,
			"from", prev,
			"to", next.Status,
			"attempts_made", next.AttemptsMade,
			"source", next.LastSource,
		)
	}
	o.notify(next)
	return next, nil
}

func (o *Orchestrator) notify(a payment.Attempt) {
	for _, obs := range o.observers {
		ctx, cancel := context.WithTimeout(context.Background(), o.notifyTimeout)
		if err := obs.AttemptChanged(ctx, a); err != nil {
			o.logger.Error("attempt observer failed",
				"correlation_reference", a.CorrelationReference,
				"status", a.Status,
				"error", err,
			)
		}
		cancel()
	}
}

func outcomeOf(status GatewayStatus, receiptID string, settled *money.Money, reason string, source payment.Source) payment.Outcome {
	return payment.Outcome{
		Completed:     status == GatewayCompleted,
		ReceiptID:     receiptID,
		SettledAmount: settled,
		Reason:        reason,
		Source:        source,
	}
}
