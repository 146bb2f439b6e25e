// Package mobilemoney provides the mobile-money push payment (STK push)
// adapter used as the confirmation gateway.
package mobilemoney

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lendpay/internal/common/money"
	"lendpay/internal/confirmation"
	"lendpay/internal/payment"
)

// Config holds mobile-money adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"MOBILEMONEY_BASE_URL" required:"true"`
	APIKey        string        `envconfig:"MOBILEMONEY_API_KEY" required:"true"`
	CallbackURL   string        `envconfig:"MOBILEMONEY_CALLBACK_URL"`
	Timeout       time.Duration `envconfig:"MOBILEMONEY_TIMEOUT" default:"15s"`
	WebhookSecret string        `envconfig:"MOBILEMONEY_WEBHOOK_SECRET"`
}

// SubmitRequest is the request body for a push payment.
type SubmitRequest struct {
	Reference   string `json:"reference"`
	MSISDN      string `json:"msisdn"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Narrative   string `json:"narrative,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// SubmitResponse is the provider acknowledgment of a push payment.
type SubmitResponse struct {
	TransactionID  string `json:"transaction_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

// StatusResponse is the response from a push payment status query.
type StatusResponse struct {
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference,omitempty"`
	Status        string `json:"status"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
	SettledAmount string `json:"settled_amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// errorResponse is the provider's error body.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIError is a failed provider call. It matches the confirmation error kind
// it was classified as under errors.Is.
type APIError struct {
	Kind       error
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%q", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Adapter implements confirmation.Gateway against the provider's HTTP API.
// It keeps no attempt state and never retries.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ confirmation.Gateway = (*Adapter)(nil)

// NewAdapter creates a new mobile-money adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Submit asks the provider to prompt the payer's handset.
func (a *Adapter) Submit(ctx context.Context, req payment.PaymentRequest) (confirmation.SubmitResult, error) {
	amount := req.Amount()
	body := SubmitRequest{
		Reference:   req.Reference(),
		MSISDN:      req.PayerMSISDN(),
		Amount:      amount.MajorString(),
		Currency:    string(amount.Currency),
		Narrative:   req.Narrative(),
		CallbackURL: a.config.CallbackURL,
	}

	var resp SubmitResponse
	if err := a.do(ctx, http.MethodPost, "/v1/push-payments", body, &resp); err != nil {
		return confirmation.SubmitResult{}, fmt.Errorf("mobilemoney submit: %w", err)
	}
	if resp.TransactionID == "" {
		return confirmation.SubmitResult{}, fmt.Errorf("mobilemoney submit: %w", &APIError{
			Kind:    confirmation.ErrProviderUnavailable,
			Message: "acknowledgment carried no transaction id",
		})
	}

	a.logger.Info("mobile-money push payment accepted",
		"reference", req.Reference(),
		"transaction_id", resp.TransactionID,
		"provider_status", resp.Status,
	)

	return confirmation.SubmitResult{
		GatewayReference:      resp.TransactionID,
		ProviderCorrelationID: resp.ConversationID,
	}, nil
}

// CheckStatus retrieves the provider status of a push payment.
func (a *Adapter) CheckStatus(ctx context.Context, gatewayRef string) (confirmation.StatusResult, error) {
	var resp StatusResponse
	if err := a.do(ctx, http.MethodGet, "/v1/push-payments/"+url.PathEscape(gatewayRef), nil, &resp); err != nil {
		return confirmation.StatusResult{}, fmt.Errorf("mobilemoney status %s: %w", gatewayRef, err)
	}

	status, ok := MapStatus(resp.Status)
	if !ok {
		return confirmation.StatusResult{}, fmt.Errorf("mobilemoney status %s: %w", gatewayRef, &APIError{
			Kind:    confirmation.ErrProviderUnavailable,
			Message: fmt.Sprintf("unrecognised status %q", resp.Status),
		})
	}

	result := confirmation.StatusResult{
		Status:    status,
		ReceiptID: resp.ReceiptNumber,
		Reason:    resp.Reason,
	}
	if resp.SettledAmount != "" {
		settled, err := money.ParseAmount(resp.SettledAmount, money.Currency(resp.Currency))
		if err != nil {
			a.logger.Warn("ignoring unparseable settled amount",
				"transaction_id", gatewayRef,
				"settled_amount", resp.SettledAmount,
				"currency", resp.Currency,
				"error", err,
			)
		} else {
			result.SettledAmount = &settled
		}
	}
	return result, nil
}

// MapStatus maps a provider status onto the gateway status set.
func MapStatus(s string) (confirmation.GatewayStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING", "QUEUED", "PROCESSING", "ACCEPTED":
		return confirmation.GatewayPending, true
	case "COMPLETED", "SUCCESS", "SUCCESSFUL":
		return confirmation.GatewayCompleted, true
	case "FAILED", "CANCELLED", "DECLINED", "EXPIRED", "REJECTED":
		return confirmation.GatewayFailed, true
	}
	return "", false
}

func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return &APIError{Kind: confirmation.ErrProviderUnavailable, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &APIError{Kind: confirmation.ErrProviderUnavailable, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode >= 300 {
		apiErr := &APIError{Kind: classifyStatus(httpResp.StatusCode), StatusCode: httpResp.StatusCode}
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil {
			apiErr.Code = e.Code
			apiErr.Message = e.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return &APIError{Kind: confirmation.ErrProviderUnavailable, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	return nil
}

// classifyStatus maps an HTTP error status to a gateway error kind. Anything
// not clearly the caller's fault is treated as transient.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return confirmation.ErrAuthenticationFailed
	case http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity:
		return confirmation.ErrValidationRejected
	}
	return confirmation.ErrProviderUnavailable
}
