package confirmation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendpay/internal/common/money"
	"lendpay/internal/payment"
)

type statusReply struct {
	res StatusResult
	err error
}

// fakeGateway acknowledges every submit with gatewayRef and replays statuses
// in order, repeating the last one.
type fakeGateway struct {
	mu         sync.Mutex
	gatewayRef string
	submitErr  error
	statuses   []statusReply
	submits    int
	checks     int

	// When set, CheckStatus signals entered and blocks until release is closed.
	entered chan struct{}
	release chan struct{}
}

func (g *fakeGateway) Submit(ctx context.Context, req payment.PaymentRequest) (SubmitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.submitErr != nil {
		return SubmitResult{}, g.submitErr
	}
	return SubmitResult{GatewayReference: g.gatewayRef, ProviderCorrelationID: "conv-" + req.Reference()}, nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, gatewayRef string) (StatusResult, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
		<-g.release
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if len(g.statuses) == 0 {
		return StatusResult{Status: GatewayPending}, nil
	}
	i := g.checks - 1
	if i >= len(g.statuses) {
		i = len(g.statuses) - 1
	}
	r := g.statuses[i]
	return r.res, r.err
}

func (g *fakeGateway) counts() (submits, checks int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits, g.checks
}

func pending() statusReply { return statusReply{res: StatusResult{Status: GatewayPending}} }

func completed(receipt string) statusReply {
	return statusReply{res: StatusResult{Status: GatewayCompleted, ReceiptID: receipt}}
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []payment.Status
}

func (r *recordingObserver) AttemptChanged(_ context.Context, a payment.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, a.Status)
	return nil
}

func (r *recordingObserver) seen() []payment.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]payment.Status(nil), r.statuses...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, gw Gateway, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(gw, testLogger(), opts...)
	t.Cleanup(o.Close)
	return o
}

func testRequest(t *testing.T, reference string) payment.PaymentRequest {
	t.Helper()
	req, err := payment.NewPaymentRequest("0712345678", money.New(50000, money.KES), reference, "loan repayment")
	require.NoError(t, err)
	return req
}

func fastPolicy(maxAttempts int) PollPolicy {
	return PollPolicy{Interval: FixedInterval(time.Millisecond), MaxAttempts: maxAttempts}
}

func slowPolicy() PollPolicy {
	return PollPolicy{Interval: FixedInterval(time.Hour), MaxAttempts: 5}
}

func waitTerminal(t *testing.T, h *Handle) payment.Attempt {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, err := h.Wait(ctx)
	require.NoError(t, err, "attempt did not reach a terminal status")
	return a
}

func TestStart_SucceedsAfterPendingPolls(t *testing.T) {
	gw := &fakeGateway{
		gatewayRef: "G-1",
		statuses:   []statusReply{pending(), pending(), completed("RCPT-9")},
	}
	obs := &recordingObserver{}
	o := newTestOrchestrator(t, gw, WithObserver(obs))

	h, err := o.Start(context.Background(), testRequest(t, "R-1"), fastPolicy(5))
	require.NoError(t, err)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusSucceeded, a.Status)
	require.Equal(t, 3, a.AttemptsMade)
	require.Equal(t, "G-1", a.GatewayReference)
	require.Equal(t, "RCPT-9", a.ReceiptID)
	require.Equal(t, payment.SourcePoll, a.LastSource)
	require.Empty(t, a.LastError)
	require.NotNil(t, a.CompletedAt)

	seen := obs.seen()
	require.Equal(t, payment.StatusInitiating, seen[0])
	require.Equal(t, payment.StatusAwaitingConfirmation, seen[1])
	require.Equal(t, payment.StatusSucceeded, seen[len(seen)-1])
	terminal := 0
	for _, s := range seen {
		if s.IsTerminal() {
			terminal++
		}
	}
	require.Equal(t, 1, terminal)
}

func TestStart_ValidationRejectedFailsWithoutPolling(t *testing.T) {
	gw := &fakeGateway{submitErr: fmt.Errorf("%w: payer msisdn not registered", ErrValidationRejected)}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-2"), fastPolicy(5))
	require.NoError(t, err)

	select {
	case <-h.Done():
	default:
		t.Fatal("done channel should be closed when submit is rejected")
	}

	a := h.Snapshot()
	require.Equal(t, payment.StatusFailed, a.Status)
	require.Equal(t, 0, a.AttemptsMade)
	require.Equal(t, payment.FailureValidationRejected, a.FailureKind)
	require.False(t, a.FailureKind.Retryable())
	require.Contains(t, a.LastError, "payer msisdn not registered")
	require.Empty(t, a.GatewayReference)

	_, checks := gw.counts()
	require.Equal(t, 0, checks)
}

func TestStart_SubmitErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      payment.FailureKind
		retryable bool
	}{
		{"unavailable", fmt.Errorf("%w: 503", ErrProviderUnavailable), payment.FailureProviderUnavailable, true},
		{"authentication", fmt.Errorf("%w: bad key", ErrAuthenticationFailed), payment.FailureAuthenticationFailed, false},
		{"unclassified", errors.New("connection reset"), payment.FailureProviderUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, &fakeGateway{submitErr: tt.err})

			h, err := o.Start(context.Background(), testRequest(t, "R-"+tt.name), fastPolicy(3))
			require.NoError(t, err)

			a := h.Snapshot()
			require.Equal(t, payment.StatusFailed, a.Status)
			require.Equal(t, tt.kind, a.FailureKind)
			require.Equal(t, tt.retryable, a.FailureKind.Retryable())
		})
	}
}

func TestStart_TimesOutWhenBudgetExhausted(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-3"}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-3"), fastPolicy(5))
	require.NoError(t, err)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusTimedOut, a.Status)
	require.Equal(t, 5, a.AttemptsMade)
	require.Equal(t, payment.SourceTimer, a.LastSource)

	_, checks := gw.counts()
	require.Equal(t, 5, checks)
}

func TestStart_ProviderFailure(t *testing.T) {
	gw := &fakeGateway{
		gatewayRef: "G-4",
		statuses: []statusReply{
			pending(),
			{res: StatusResult{Status: GatewayFailed, Reason: "insufficient funds"}},
		},
	}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-4"), fastPolicy(5))
	require.NoError(t, err)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusFailed, a.Status)
	require.Equal(t, 2, a.AttemptsMade)
	require.Equal(t, "insufficient funds", a.LastError)
	require.Equal(t, payment.FailurePaymentDeclined, a.FailureKind)
}

func TestStart_PollErrorsAreInconclusive(t *testing.T) {
	gw := &fakeGateway{
		gatewayRef: "G-5",
		statuses: []statusReply{
			{err: fmt.Errorf("%w: 502", ErrProviderUnavailable)},
			{err: errors.New("read timeout")},
			completed("RCPT-5"),
		},
	}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-5"), fastPolicy(5))
	require.NoError(t, err)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusSucceeded, a.Status)
	require.Equal(t, 3, a.AttemptsMade)
}

func TestStart_PollErrorIsRecordedWhileAwaiting(t *testing.T) {
	gw := &fakeGateway{
		gatewayRef: "G-6",
		statuses:   []statusReply{{err: fmt.Errorf("%w: 503", ErrProviderUnavailable)}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-6"), fastPolicy(2))
	require.NoError(t, err)

	<-gw.entered
	gw.release <- struct{}{}
	<-gw.entered

	a := h.Snapshot()
	require.Equal(t, payment.StatusAwaitingConfirmation, a.Status)
	require.Equal(t, 1, a.AttemptsMade)
	require.Contains(t, a.LastError, "check status")
	require.Contains(t, a.LastError, "provider unavailable")

	close(gw.release)
	a = waitTerminal(t, h)
	require.Equal(t, payment.StatusTimedOut, a.Status)
	require.Equal(t, 2, a.AttemptsMade)
}

func TestStart_WallClockDeadline(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-7"}
	o := newTestOrchestrator(t, gw)

	policy := slowPolicy()
	policy.MaxWallClock = 20 * time.Millisecond

	h, err := o.Start(context.Background(), testRequest(t, "R-7"), policy)
	require.NoError(t, err)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusTimedOut, a.Status)
	require.Equal(t, 0, a.AttemptsMade)
	require.Contains(t, a.LastError, "no confirmation within")
}

func TestStart_DuplicateReference(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-8"}
	o := newTestOrchestrator(t, gw)

	_, err := o.Start(context.Background(), testRequest(t, "R-8"), slowPolicy())
	require.NoError(t, err)

	_, err = o.Start(context.Background(), testRequest(t, "R-8"), slowPolicy())
	require.ErrorIs(t, err, ErrDuplicateReference)

	submits, _ := gw.counts()
	require.Equal(t, 1, submits)
}

func TestStart_MintsReference(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-9"},
		WithReferenceGenerator(func() string { return "MINTED-1" }))

	h, err := o.Start(context.Background(), testRequest(t, ""), slowPolicy())
	require.NoError(t, err)
	require.Equal(t, "MINTED-1", h.Reference())
	require.Equal(t, "MINTED-1", h.Snapshot().CorrelationReference)
}

func TestStart_InvalidInput(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-10"})

	_, err := o.Start(context.Background(), testRequest(t, "R-10"), PollPolicy{Interval: FixedInterval(time.Second)})
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = o.Start(context.Background(), payment.PaymentRequest{}, slowPolicy())
	require.ErrorIs(t, err, payment.ErrPayerRequired)

	require.Empty(t, o.List())
}

func TestCancel_WhileAwaiting(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-11"}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-11"), slowPolicy())
	require.NoError(t, err)

	require.NoError(t, o.Cancel("R-11"))

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusCancelled, a.Status)
	require.Equal(t, 0, a.AttemptsMade)
	require.Equal(t, "cancelled by caller", a.LastError)
	require.Equal(t, payment.SourceCaller, a.LastSource)
}

func TestCancel_DuringInFlightPollWins(t *testing.T) {
	gw := &fakeGateway{
		gatewayRef: "G-12",
		statuses:   []statusReply{completed("RCPT-12")},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-12"), fastPolicy(5))
	require.NoError(t, err)

	<-gw.entered
	h.Cancel()
	close(gw.release)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusCancelled, a.Status)
	require.Equal(t, 1, a.AttemptsMade)
	require.Empty(t, a.ReceiptID)
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-13", statuses: []statusReply{completed("RCPT-13")}}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-13"), fastPolicy(3))
	require.NoError(t, err)
	before := waitTerminal(t, h)

	require.NoError(t, o.Cancel("R-13"))
	h.Cancel()

	after, err := o.Get("R-13")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, after.Status)
	require.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestCancel_UnknownReference(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{})
	require.ErrorIs(t, o.Cancel("nope"), ErrNotFound)
}

func TestReconcile_CallbackCompletesAttempt(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-14"}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-14"), slowPolicy())
	require.NoError(t, err)

	settled := money.New(50000, money.KES)
	applied, err := o.Reconcile(context.Background(), Callback{
		GatewayReference: "G-14",
		Status:           GatewayCompleted,
		ReceiptID:        "RCPT-14",
		SettledAmount:    &settled,
	})
	require.NoError(t, err)
	require.True(t, applied)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusSucceeded, a.Status)
	require.Equal(t, payment.SourceCallback, a.LastSource)
	require.Equal(t, "RCPT-14", a.ReceiptID)
	require.True(t, a.SettledAmount.Equal(settled))
	require.Equal(t, 0, a.AttemptsMade)

	// The owner has finished; later callbacks are ignored.
	applied, err = o.Reconcile(context.Background(), Callback{
		CorrelationReference: "R-14",
		Status:               GatewayFailed,
	})
	require.NoError(t, err)
	require.False(t, applied)

	a, err = o.Get("R-14")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, a.Status)
}

func TestReconcile_PendingCallbackChangesNothing(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-15"})

	h, err := o.Start(context.Background(), testRequest(t, "R-15"), slowPolicy())
	require.NoError(t, err)

	applied, err := o.Reconcile(context.Background(), Callback{CorrelationReference: "R-15", Status: GatewayPending})
	require.NoError(t, err)
	require.False(t, applied)

	a := h.Snapshot()
	require.Equal(t, payment.StatusAwaitingConfirmation, a.Status)
	require.Equal(t, 0, a.AttemptsMade)
}

func TestReconcile_Errors(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-16"})

	_, err := o.Start(context.Background(), testRequest(t, "R-16"), slowPolicy())
	require.NoError(t, err)

	_, err = o.Reconcile(context.Background(), Callback{CorrelationReference: "R-16", GatewayReference: "G-other", Status: GatewayCompleted})
	require.ErrorIs(t, err, ErrReferenceMismatch)

	_, err = o.Reconcile(context.Background(), Callback{GatewayReference: "G-unknown", Status: GatewayCompleted})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = o.Reconcile(context.Background(), Callback{Status: GatewayCompleted})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReconcile_LateCallbackWithinWindow(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-17"}
	o := newTestOrchestrator(t, gw)

	policy := fastPolicy(1)
	policy.LateCallbackWindow = time.Minute

	h, err := o.Start(context.Background(), testRequest(t, "R-17"), policy)
	require.NoError(t, err)
	require.Equal(t, payment.StatusTimedOut, waitTerminal(t, h).Status)

	applied, err := o.Reconcile(context.Background(), Callback{CorrelationReference: "R-17", Status: GatewayCompleted, ReceiptID: "RCPT-17"})
	require.NoError(t, err)
	require.True(t, applied)

	a, err := o.Get("R-17")
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, a.Status)
	require.True(t, a.ReconciledLate)
	require.Equal(t, "RCPT-17", a.ReceiptID)

	applied, err = o.Reconcile(context.Background(), Callback{CorrelationReference: "R-17", Status: GatewayFailed})
	require.NoError(t, err)
	require.False(t, applied)
}

func TestReconcile_TimedOutIsFinalWithoutWindow(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-18"})

	h, err := o.Start(context.Background(), testRequest(t, "R-18"), fastPolicy(1))
	require.NoError(t, err)
	require.Equal(t, payment.StatusTimedOut, waitTerminal(t, h).Status)

	applied, err := o.Reconcile(context.Background(), Callback{CorrelationReference: "R-18", Status: GatewayCompleted})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, payment.StatusTimedOut, h.Snapshot().Status)
}

func TestGet_ReturnsCopies(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-19"})

	_, err := o.Start(context.Background(), testRequest(t, "R-19"), slowPolicy())
	require.NoError(t, err)

	a, err := o.Get("R-19")
	require.NoError(t, err)
	a.Status = payment.StatusSucceeded
	a.GatewayReference = "tampered"

	b, err := o.Get("R-19")
	require.NoError(t, err)
	require.Equal(t, payment.StatusAwaitingConfirmation, b.Status)
	require.Equal(t, "G-19", b.GatewayReference)

	_, err = o.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGet_ConcurrentReadsDuringPolling(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-20"}
	o := newTestOrchestrator(t, gw)

	h, err := o.Start(context.Background(), testRequest(t, "R-20"), fastPolicy(20))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				a, err := o.Get("R-20")
				if err != nil || a.AttemptsMade > a.MaxAttempts {
					t.Errorf("unexpected snapshot: %+v, %v", a, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, payment.StatusTimedOut, waitTerminal(t, h).Status)
}

func TestForget(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-21"})

	h, err := o.Start(context.Background(), testRequest(t, "R-21"), slowPolicy())
	require.NoError(t, err)
	require.ErrorIs(t, o.Forget("R-21"), ErrAttemptActive)

	h.Cancel()
	waitTerminal(t, h)

	require.NoError(t, o.Forget("R-21"))
	_, err = o.Get("R-21")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, o.Forget("R-21"), ErrNotFound)
}

func TestList_OldestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-22"}, WithClock(clock))

	for _, ref := range []string{"R-a", "R-b", "R-c"} {
		_, err := o.Start(context.Background(), testRequest(t, ref), slowPolicy())
		require.NoError(t, err)
	}

	list := o.List()
	require.Len(t, list, 3)
	require.Equal(t, "R-a", list[0].CorrelationReference)
	require.Equal(t, "R-c", list[2].CorrelationReference)
}

func TestClose_CancelsInFlightAttempts(t *testing.T) {
	o := New(&fakeGateway{gatewayRef: "G-23"}, testLogger())

	h, err := o.Start(context.Background(), testRequest(t, "R-23"), slowPolicy())
	require.NoError(t, err)

	o.Close()

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusCancelled, a.Status)
	require.Equal(t, "confirmation stopped: orchestrator closed", a.LastError)

	_, err = o.Start(context.Background(), testRequest(t, "R-24"), slowPolicy())
	require.ErrorIs(t, err, ErrClosed)
}

func TestObserverErrorsDoNotStopConfirmation(t *testing.T) {
	failing := ObserverFunc(func(context.Context, payment.Attempt) error {
		return errors.New("archive down")
	})
	gw := &fakeGateway{gatewayRef: "G-25", statuses: []statusReply{completed("RCPT-25")}}
	o := newTestOrchestrator(t, gw, WithObserver(failing))

	h, err := o.Start(context.Background(), testRequest(t, "R-25"), fastPolicy(3))
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, waitTerminal(t, h).Status)
}

func TestHandle_WaitHonoursContext(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-26"})

	h, err := o.Start(context.Background(), testRequest(t, "R-26"), slowPolicy())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	a, err := h.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, payment.StatusAwaitingConfirmation, a.Status)
}

// archiveObserver keeps the latest snapshot per reference, like the Postgres
// archive does.
type archiveObserver struct {
	mu       sync.Mutex
	attempts map[string]payment.Attempt
}

func newArchiveObserver() *archiveObserver {
	return &archiveObserver{attempts: make(map[string]payment.Attempt)}
}

func (a *archiveObserver) AttemptChanged(_ context.Context, snap payment.Attempt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts[snap.CorrelationReference] = snap
	return nil
}

func (a *archiveObserver) Exists(_ context.Context, ref string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.attempts[ref]
	return ok, nil
}

func (a *archiveObserver) get(ref string) payment.Attempt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[ref]
}

func TestStart_ForgottenReferenceIsNotReissued(t *testing.T) {
	archive := newArchiveObserver()
	gw := &fakeGateway{gatewayRef: "G-27", statuses: []statusReply{completed("RCPT-27")}}
	o := newTestOrchestrator(t, gw, WithObserver(archive), WithReferenceLookup(archive.Exists))

	h, err := o.Start(context.Background(), testRequest(t, "R-27"), fastPolicy(3))
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, waitTerminal(t, h).Status)
	require.NoError(t, o.Forget("R-27"))

	gw.mu.Lock()
	gw.submitErr = fmt.Errorf("%w: unknown subscriber", ErrValidationRejected)
	gw.mu.Unlock()

	_, err = o.Start(context.Background(), testRequest(t, "R-27"), fastPolicy(3))
	require.ErrorIs(t, err, ErrDuplicateReference)

	submits, _ := gw.counts()
	require.Equal(t, 1, submits)
	_, err = o.Get("R-27")
	require.ErrorIs(t, err, ErrNotFound)

	// Close waits for the owner to finish notifying.
	o.Close()
	archived := archive.get("R-27")
	require.Equal(t, payment.StatusSucceeded, archived.Status)
	require.Equal(t, "RCPT-27", archived.ReceiptID)
}

func TestStart_ReferenceLookupError(t *testing.T) {
	gw := &fakeGateway{gatewayRef: "G-28"}
	lookupErr := errors.New("archive unreachable")
	o := newTestOrchestrator(t, gw, WithReferenceLookup(func(context.Context, string) (bool, error) {
		return false, lookupErr
	}))

	_, err := o.Start(context.Background(), testRequest(t, "R-28"), slowPolicy())
	require.ErrorIs(t, err, lookupErr)

	submits, _ := gw.counts()
	require.Zero(t, submits)
	require.Empty(t, o.List())
}

func TestReconcile_UnknownCorrelationFallsBackToGatewayReference(t *testing.T) {
	o := newTestOrchestrator(t, &fakeGateway{gatewayRef: "G-29"})

	h, err := o.Start(context.Background(), testRequest(t, "R-29"), slowPolicy())
	require.NoError(t, err)

	applied, err := o.Reconcile(context.Background(), Callback{
		CorrelationReference: "provider-side-ref",
		GatewayReference:     "G-29",
		Status:               GatewayFailed,
		Reason:               "insufficient funds",
	})
	require.NoError(t, err)
	require.True(t, applied)

	a := waitTerminal(t, h)
	require.Equal(t, payment.StatusFailed, a.Status)
	require.Equal(t, payment.SourceCallback, a.LastSource)

	_, err = o.Reconcile(context.Background(), Callback{CorrelationReference: "provider-side-ref", GatewayReference: "G-nope", Status: GatewayFailed})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotifyTimeoutBoundsSlowObservers(t *testing.T) {
	var (
		mu       sync.Mutex
		timedOut int
	)
	blocking := ObserverFunc(func(ctx context.Context, _ payment.Attempt) error {
		<-ctx.Done()
		mu.Lock()
		defer mu.Unlock()
		timedOut++
		return ctx.Err()
	})
	gw := &fakeGateway{gatewayRef: "G-30", statuses: []statusReply{completed("RCPT-30")}}
	o := newTestOrchestrator(t, gw, WithObserver(blocking), WithNotifyTimeout(5*time.Millisecond))

	h, err := o.Start(context.Background(), testRequest(t, "R-30"), fastPolicy(3))
	require.NoError(t, err)
	require.Equal(t, payment.StatusSucceeded, waitTerminal(t, h).Status)

	o.Close()
	mu.Lock()
	defer mu.Unlock()
	// initiating, awaiting confirmation, succeeded
	require.Equal(t, 3, timedOut)
}
