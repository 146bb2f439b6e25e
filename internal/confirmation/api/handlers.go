package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"lendpay/internal/common/api"
	"lendpay/internal/common/database"
	"lendpay/internal/common/money"
	"lendpay/internal/confirmation"
	"lendpay/internal/payment"
)

const (
	submitTimeout = 30 * time.Second
	maxWait       = 30 * time.Second
)

// Archive looks up attempts no longer held in memory.
type Archive interface {
	Get(ctx context.Context, ref string) (payment.Attempt, error)
}

// Handler handles payment confirmation HTTP requests
type Handler struct {
	orchestrator *confirmation.Orchestrator
	archive      Archive
	policy       confirmation.PollPolicy
}

// NewHandler creates a new payment handler. archive may be nil.
func NewHandler(orchestrator *confirmation.Orchestrator, archive Archive, policy confirmation.PollPolicy) *Handler {
	return &Handler{
		orchestrator: orchestrator,
		archive:      archive,
		policy:       policy,
	}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments", h.StartPayment)
	r.Get("/payments", h.ListPayments)
	r.Get("/payments/{ref}", h.GetPayment)
	r.Post("/payments/{ref}/cancel", h.CancelPayment)
	r.Delete("/payments/{ref}", h.ForgetPayment)

	return r
}

// StartPaymentRequest is the API request for starting a push payment
type StartPaymentRequest struct {
	PayerMSISDN string `json:"payer_msisdn" validate:"required,min=9,max=16"`
	Amount      string `json:"amount" validate:"required,numeric"`
	Currency    string `json:"currency" validate:"required,len=3"`
	Reference   string `json:"reference" validate:"omitempty,max=64"`
	Narrative   string `json:"narrative" validate:"max=140"`
}

// StartPayment handles POST /payments
func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req StartPaymentRequest
	if err := api.DecodeAndValidate(w, r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	amount, err := money.ParseAmount(req.Amount, money.Currency(req.Currency))
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	paymentReq, err := payment.NewPaymentRequest(req.PayerMSISDN, amount, req.Reference, req.Narrative)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	// The attempt outlives the request; a client disconnect must not abort submit.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), submitTimeout)
	defer cancel()

	handle, err := h.orchestrator.Start(ctx, paymentReq, h.policy)
	if err != nil {
		switch {
		case errors.Is(err, confirmation.ErrDuplicateReference):
			api.Conflict(w, "a payment with this reference already exists")
		case errors.Is(err, confirmation.ErrClosed):
			api.ServiceUnavailable(w, "payment confirmation is shutting down")
		default:
			api.InternalError(w, "failed to start payment")
		}
		return
	}

	api.WriteData(w, http.StatusAccepted, handle.Snapshot())
}

// ListPayments handles GET /payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	status := payment.Status(r.URL.Query().Get("status"))

	attempts := h.orchestrator.List()
	out := make([]payment.Attempt, 0, len(attempts))
	for _, a := range attempts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}

	api.WriteData(w, http.StatusOK, out)
}

// GetPayment handles GET /payments/{ref}. With ?wait=<duration> it blocks
// until the attempt is terminal or the wait elapses.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			api.BadRequest(w, "wait must be a non-negative duration")
			return
		}
		wait = min(d, maxWait)
	}

	handle, err := h.orchestrator.Handle(ref)
	if errors.Is(err, confirmation.ErrNotFound) {
		h.getArchived(w, r, ref)
		return
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		// A wait that runs out still returns the current snapshot.
		_, _ = handle.Wait(ctx)
	}

	api.WriteData(w, http.StatusOK, handle.Snapshot())
}

func (h *Handler) getArchived(w http.ResponseWriter, r *http.Request, ref string) {
	if h.archive == nil {
		api.NotFound(w, "payment not found")
		return
	}

	a, err := h.archive.Get(r.Context(), ref)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, a)
}

// CancelPayment handles POST /payments/{ref}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	if err := h.orchestrator.Cancel(ref); err != nil {
		if errors.Is(err, confirmation.ErrNotFound) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to cancel payment")
		return
	}

	a, err := h.orchestrator.Get(ref)
	if err != nil {
		api.NotFound(w, "payment not found")
		return
	}
	api.WriteData(w, http.StatusAccepted, a)
}

// ForgetPayment handles DELETE /payments/{ref}
func (h *Handler) ForgetPayment(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")

	if err := h.orchestrator.Forget(ref); err != nil {
		switch {
		case errors.Is(err, confirmation.ErrNotFound):
			api.NotFound(w, "payment not found")
		case errors.Is(err, confirmation.ErrAttemptActive):
			api.Conflict(w, "payment is still awaiting confirmation")
		default:
			api.InternalError(w, "failed to forget payment")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
