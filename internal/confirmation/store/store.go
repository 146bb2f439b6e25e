// Package store archives payment attempt snapshots in PostgreSQL so they
// outlive the in-memory registry.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"lendpay/internal/common/database"
	"lendpay/internal/common/money"
	"lendpay/internal/confirmation"
	"lendpay/internal/payment"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the archive schema.
func Migrate(databaseURL string, logger *slog.Logger) error {
	return database.Migrate(databaseURL, migrations, "migrations", logger)
}

// PostgresStore archives attempts in the payment_attempts table.
type PostgresStore struct {
	db database.Querier
}

var _ confirmation.Observer = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// AttemptChanged upserts the snapshot. An older snapshot never overwrites a
// newer one, and a row is only ever updated by the attempt that created it.
func (s *PostgresStore) AttemptChanged(ctx context.Context, a payment.Attempt) error {
	query := `
		INSERT INTO payment_attempts (
			correlation_reference, gateway_reference, provider_correlation,
			payer_msisdn, amount_minor, currency, narrative,
			status, attempts_made, max_attempts, last_error, failure_kind,
			receipt_id, settled_amount_minor, settled_currency,
			last_source, reconciled_late, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
		ON CONFLICT (correlation_reference) DO UPDATE SET
			gateway_reference = EXCLUDED.gateway_reference,
			provider_correlation = EXCLUDED.provider_correlation,
			status = EXCLUDED.status,
			attempts_made = EXCLUDED.attempts_made,
			last_error = EXCLUDED.last_error,
			failure_kind = EXCLUDED.failure_kind,
			receipt_id = EXCLUDED.receipt_id,
			settled_amount_minor = EXCLUDED.settled_amount_minor,
			settled_currency = EXCLUDED.settled_currency,
			last_source = EXCLUDED.last_source,
			reconciled_late = EXCLUDED.reconciled_late,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE payment_attempts.created_at = EXCLUDED.created_at
		  AND payment_attempts.updated_at <= EXCLUDED.updated_at
	`

	var settledMinor *int64
	var settledCurrency *string
	if a.SettledAmount != nil {
		settledMinor = &a.SettledAmount.AmountMinor
		c := string(a.SettledAmount.Currency)
		settledCurrency = &c
	}

	_, err := s.db.Exec(ctx, query,
		a.CorrelationReference, nullStr(a.GatewayReference), nullStr(a.ProviderCorrelation),
		a.PayerMSISDN, a.Amount.AmountMinor, string(a.Amount.Currency), nullStr(a.Narrative),
		string(a.Status), a.AttemptsMade, a.MaxAttempts, nullStr(a.LastError), nullStr(string(a.FailureKind)),
		nullStr(a.ReceiptID), settledMinor, settledCurrency,
		nullStr(string(a.LastSource)), a.ReconciledLate, a.CreatedAt, a.UpdatedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive attempt %s: %w", a.CorrelationReference, err)
	}
	return nil
}

// Exists reports whether ref has been archived. It backs the orchestrator's
// reference lookup.
func (s *PostgresStore) Exists(ctx context.Context, ref string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE correlation_reference = $1)`,
		ref,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reference %s: %w", ref, err)
	}
	return exists, nil
}

// Get returns the archived snapshot of an attempt.
func (s *PostgresStore) Get(ctx context.Context, ref string) (payment.Attempt, error) {
	query := `
		SELECT correlation_reference, gateway_reference, provider_correlation,
			   payer_msisdn, amount_minor, currency, narrative,
			   status, attempts_made, max_attempts, last_error, failure_kind,
			   receipt_id, settled_amount_minor, settled_currency,
			   last_source, reconciled_late, created_at, updated_at, completed_at
		FROM payment_attempts
		WHERE correlation_reference = $1
	`

	a, err := scanAttempt(s.db.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Attempt{}, fmt.Errorf("attempt %s: %w", ref, database.ErrNotFound)
	}
	if err != nil {
		return payment.Attempt{}, fmt.Errorf("get attempt %s: %w", ref, err)
	}
	return a, nil
}

func scanAttempt(row pgx.Row) (payment.Attempt, error) {
	var a payment.Attempt
	var gatewayRef, providerCorrelation, narrative, lastError, failureKind, receiptID, lastSource *string
	var currency, status string
	var settledMinor *int64
	var settledCurrency *string
	var completedAt *time.Time

	err := row.Scan(
		&a.CorrelationReference, &gatewayRef, &providerCorrelation,
		&a.PayerMSISDN, &a.Amount.AmountMinor, &currency, &narrative,
		&status, &a.AttemptsMade, &a.MaxAttempts, &lastError, &failureKind,
		&receiptID, &settledMinor, &settledCurrency,
		&lastSource, &a.ReconciledLate, &a.CreatedAt, &a.UpdatedAt, &completedAt,
	)
	if err != nil {
		return payment.Attempt{}, err
	}

	a.Amount.Currency = money.Currency(currency)
	a.Status = payment.Status(status)
	a.GatewayReference = deref(gatewayRef)
	a.ProviderCorrelation = deref(providerCorrelation)
	a.Narrative = deref(narrative)
	a.LastError = deref(lastError)
	a.FailureKind = payment.FailureKind(deref(failureKind))
	a.ReceiptID = deref(receiptID)
	a.LastSource = payment.Source(deref(lastSource))
	a.CompletedAt = completedAt
	if settledMinor != nil && settledCurrency != nil {
		settled := money.New(*settledMinor, money.Currency(*settledCurrency))
		a.SettledAmount = &settled
	}
	return a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
