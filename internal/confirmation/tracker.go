package confirmation

import (
	"context"
	"sync"
	"time"

	"lendpay/internal/payment"
)

type reconcileResult struct {
	applied bool
	err     error
}

type reconcileMsg struct {
	callback Callback
	reply    chan reconcileResult
}

// tracker holds one attempt. Exactly one goroutine at a time owns writes:
// the Start caller until the submit result is committed, then the poll loop.
// Everyone else talks to the owner through cancelCh and inbox.
type tracker struct {
	ref       string
	createdAt time.Time
	policy    PollPolicy

	mu      sync.RWMutex
	attempt payment.Attempt

	cancelOnce sync.Once
	cancelCh   chan struct{}
	inbox      chan reconcileMsg

	doneOnce sync.Once
	done     chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
}

func newTracker(a *payment.Attempt, policy PollPolicy) *tracker {
	return &tracker{
		ref:       a.CorrelationReference,
		createdAt: a.CreatedAt,
		policy:    policy,
		attempt:   *a,
		cancelCh:  make(chan struct{}),
		inbox:     make(chan reconcileMsg),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

func (t *tracker) reference() string { return t.ref }

// snapshot returns a copy of the current attempt.
func (t *tracker) snapshot() payment.Attempt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempt
}

// commit applies fn to a copy of the attempt and publishes the copy only if
// fn succeeds, so readers never see a half-applied transition.
func (t *tracker) commit(fn func(a *payment.Attempt) error) (payment.Attempt, error) {
	t.mu.Lock()
	next := t.attempt
	if err := fn(&next); err != nil {
		current := t.attempt
		t.mu.Unlock()
		return current, err
	}
	t.attempt = next
	t.mu.Unlock()

	if next.IsTerminal() {
		t.doneOnce.Do(func() { close(t.done) })
	}
	return next, nil
}

func (t *tracker) requestCancel() {
	t.cancelOnce.Do(func() { close(t.cancelCh) })
}

func (t *tracker) cancelRequested() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

// stop marks that no owner will read the inbox again.
func (t *tracker) stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// Handle is the caller's view of one attempt.
type Handle struct {
	t *tracker
}

// Reference returns the attempt's correlation reference.
func (h *Handle) Reference() string { return h.t.ref }

// Snapshot returns a consistent copy of the attempt's current state.
func (h *Handle) Snapshot() payment.Attempt { return h.t.snapshot() }

// Done is closed once the attempt reaches a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.t.done }

// Cancel requests cancellation. It is a no-op once the attempt is terminal.
func (h *Handle) Cancel() {
	if h.t.snapshot().IsTerminal() {
		return
	}
	h.t.requestCancel()
}

// Wait blocks until the attempt is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (payment.Attempt, error) {
	select {
	case <-h.t.done:
		return h.t.snapshot(), nil
	case <-ctx.Done():
		return h.t.snapshot(), ctx.Err()
	}
}
