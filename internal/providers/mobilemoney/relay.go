package mobilemoney

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lendpay/internal/common/events"
	"lendpay/internal/common/nats"
	"lendpay/internal/confirmation"
)

// RelayHandler returns a NATS message handler applying callbacks that another
// service received from the provider and relayed as
// mobilemoney.callback.received events.
//
// Callbacks for unknown attempts are acknowledged and dropped: the attempt
// belongs to another instance or was already forgotten. Other failures are
// returned so the message is redelivered.
func RelayHandler(reconciler Reconciler, logger *slog.Logger) nats.MessageHandler {
	return func(ctx context.Context, event *events.Event) error {
		if event.Type != events.EventMobileMoneyCallbackReceived {
			logger.Debug("ignoring relayed event", "type", event.Type, "event_id", event.ID)
			return nil
		}

		var payload events.MobileMoneyCallbackData
		if err := event.DecodeData(&payload); err != nil {
			logger.Error("dropping undecodable callback event", "event_id", event.ID, "error", err)
			return nil
		}

		cb, err := CallbackFrom(payload)
		if err != nil {
			logger.Error("dropping invalid callback event", "event_id", event.ID, "error", err)
			return nil
		}

		applied, err := reconciler.Reconcile(ctx, cb)
		switch {
		case errors.Is(err, confirmation.ErrNotFound), errors.Is(err, confirmation.ErrReferenceMismatch):
			logger.Info("relayed callback not applicable",
				"event_id", event.ID,
				"transaction_id", payload.TransactionID,
				"error", err,
			)
			return nil
		case err != nil:
			return fmt.Errorf("reconcile relayed callback %s: %w", payload.TransactionID, err)
		}

		logger.Info("relayed callback processed",
			"event_id", event.ID,
			"transaction_id", payload.TransactionID,
			"applied", applied,
		)
		return nil
	}
}
