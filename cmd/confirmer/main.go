package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"lendpay/internal/common/api"
	"lendpay/internal/common/database"
	"lendpay/internal/common/events"
	"lendpay/internal/common/middleware"
	"lendpay/internal/common/nats"
	"lendpay/internal/confirmation"
	confirmationapi "lendpay/internal/confirmation/api"
	"lendpay/internal/confirmation/store"
	"lendpay/internal/providers/mobilemoney"
)

// Config holds service configuration
type Config struct {
	Port        int      `envconfig:"CONFIRMER_PORT" default:"8090"`
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"`
	APIToken    string   `envconfig:"API_TOKEN"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`

	// ObserverTimeout bounds each archive write and event publish made on an
	// attempt's poll loop.
	ObserverTimeout time.Duration `envconfig:"OBSERVER_TIMEOUT" default:"5s"`

	Database    database.Config
	NATS        nats.Config
	MobileMoney mobilemoney.Config
	Poll        confirmation.PollConfig
}

const (
	paymentsStream = "PAYMENTS"
	relayConsumer  = "confirmer-callback-relay"
)

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("confirmer stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	policy, err := cfg.Poll.Policy()
	if err != nil {
		return fmt.Errorf("poll policy: %w", err)
	}
	if cfg.APIToken == "" {
		logger.Warn("API_TOKEN not set; payment API is unauthenticated")
	}

	opts := []confirmation.Option{confirmation.WithNotifyTimeout(cfg.ObserverTimeout)}
	var (
		archive  confirmationapi.Archive
		db       *database.DB
		natsConn *nats.Client
	)

	if cfg.Database.Enabled() {
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(cfg.Database.URL, logger); err != nil {
				return err
			}
		}
		db, err = database.New(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		attemptStore := store.NewPostgresStore(db)
		opts = append(opts,
			confirmation.WithObserver(attemptStore),
			confirmation.WithReferenceLookup(attemptStore.Exists),
		)
		archive = attemptStore
	} else {
		logger.Info("DATABASE_URL not set; attempt archive disabled")
	}

	if cfg.NATS.Enabled() {
		natsConn, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer natsConn.Close()

		streamCfg := nats.DefaultStreamConfig(paymentsStream, []string{
			nats.Subject("payment.>"),
			nats.Subject("mobilemoney.>"),
		})
		streamCfg.Description = "Payment attempt transitions and relayed provider callbacks"
		if _, err := natsConn.EnsureStream(ctx, streamCfg); err != nil {
			return err
		}

		publisher := nats.NewPublisher(natsConn, logger)
		opts = append(opts, confirmation.WithObserver(confirmation.NewEventObserver(publisher)))
	} else {
		logger.Info("NATS_URL not set; event publication and callback relay disabled")
	}

	gateway := mobilemoney.NewAdapter(cfg.MobileMoney, logger)
	orchestrator := confirmation.New(gateway, logger, opts...)

	if natsConn != nil {
		consumer, err := natsConn.EnsureConsumer(ctx, nats.DefaultConsumerConfig(
			relayConsumer, paymentsStream, nats.Subject(events.EventMobileMoneyCallbackReceived),
		))
		if err != nil {
			orchestrator.Close()
			return err
		}
		subscriber := nats.NewSubscriber(consumer, logger)
		go func() {
			if err := subscriber.Start(ctx, mobilemoney.RelayHandler(orchestrator, logger)); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("callback relay stopped", "error", err)
			}
		}()
	}

	paymentHandler := confirmationapi.NewHandler(orchestrator, archive, policy)
	webhookHandler := mobilemoney.NewWebhookHandler(orchestrator, cfg.MobileMoney.WebhookSecret, logger)

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(middleware.CORS(cfg.CORSOrigins))
	}
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.HealthCheck(r.Context()); err != nil {
				api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "database": err.Error()})
				return
			}
		}
		if natsConn != nil {
			if err := natsConn.HealthCheck(); err != nil {
				api.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "nats": err.Error()})
				return
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Method(http.MethodPost, "/webhooks/mobilemoney", webhookHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.APIToken))
		r.Mount("/", paymentHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting confirmer service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"max_attempts", policy.MaxAttempts,
			"max_wall_clock", policy.MaxWallClock,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Before the deferred NATS and database closes, so final snapshots are
	// still archived and published.
	orchestrator.Close()

	logger.Info("server stopped")
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
