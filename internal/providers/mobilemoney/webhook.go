package mobilemoney

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"lendpay/internal/common/api"
	"lendpay/internal/common/events"
	"lendpay/internal/common/money"
	"lendpay/internal/confirmation"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Signature"

const maxWebhookBytes = 64 << 10

// Reconciler applies provider callbacks to tracked attempts.
type Reconciler interface {
	Reconcile(ctx context.Context, cb confirmation.Callback) (bool, error)
}

// WebhookHandler handles mobile-money result callbacks.
type WebhookHandler struct {
	reconciler Reconciler
	secret     []byte
	logger     *slog.Logger
}

// NewWebhookHandler creates a new webhook handler. An empty secret disables
// signature verification.
func NewWebhookHandler(reconciler Reconciler, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     []byte(secret),
		logger:     logger,
	}
}

// ServeHTTP handles incoming callback requests.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteError(w, http.StatusMethodNotAllowed, api.ErrCodeBadRequest, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("rejected webhook with bad signature", "remote_addr", r.RemoteAddr)
		api.Unauthorized(w, "invalid signature")
		return
	}

	var payload events.MobileMoneyCallbackData
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Error("failed to parse webhook payload", "error", err)
		api.BadRequest(w, "invalid json")
		return
	}
	if err := api.Validate.Struct(payload); err != nil {
		api.ValidationError(w, err)
		return
	}

	cb, err := CallbackFrom(payload)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	h.logger.Info("received mobile-money callback",
		"reference", payload.CorrelationReference,
		"transaction_id", payload.TransactionID,
		"status", payload.Status,
	)

	applied, err := h.reconciler.Reconcile(r.Context(), cb)
	switch {
	case errors.Is(err, confirmation.ErrNotFound):
		api.NotFound(w, "payment attempt not found")
		return
	case errors.Is(err, confirmation.ErrReferenceMismatch):
		api.Conflict(w, err.Error())
		return
	case err != nil:
		h.logger.Error("failed to reconcile callback", "transaction_id", payload.TransactionID, "error", err)
		api.InternalError(w, "failed to apply callback")
		return
	}

	api.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "applied": applied})
}

func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return true
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(h.secret, body))
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// CallbackFrom converts a provider callback body into a confirmation callback.
func CallbackFrom(p events.MobileMoneyCallbackData) (confirmation.Callback, error) {
	status, ok := MapStatus(p.Status)
	if !ok {
		return confirmation.Callback{}, fmt.Errorf("unrecognised status %q", p.Status)
	}

	cb := confirmation.Callback{
		CorrelationReference: p.CorrelationReference,
		GatewayReference:     p.TransactionID,
		Status:               status,
		ReceiptID:            p.ReceiptNumber,
		Reason:               p.Reason,
	}
	if p.SettledAmount != "" {
		settled, err := money.ParseAmount(p.SettledAmount, money.Currency(p.Currency))
		if err != nil {
			return confirmation.Callback{}, fmt.Errorf("settled amount: %w", err)
		}
		cb.SettledAmount = &settled
	}
	return cb, nil
}
