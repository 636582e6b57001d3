package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/app/publisher"
	"github.com/todostream/project/internal/app/recurrence"
	"github.com/todostream/project/internal/broker"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/messaging"
	"github.com/todostream/project/internal/platform/dbpool"
	"github.com/todostream/project/internal/platform/env"
	"github.com/todostream/project/internal/platform/logging"
	"github.com/todostream/project/internal/platform/metrics"
	"github.com/todostream/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("recurrence-service")

	addr := env.String("RECURRENCE_ADDR", env.DefaultRecurrenceAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres pool failed")
	}
	defer pool.Close()

	processed := ledger.NewPostgres(pool)
	store := recurrence.NewPostgresStore(pool)
	if err := waitForPostgres(runCtx, pool, logger, 30*time.Second, processed.EnsureSchema, store.EnsureSchema); err != nil {
		logger.Fatal().Err(err).Msg("postgres readiness failed")
	}

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		logger.Fatal().Err(err).Msg("jetstream connection failed")
	}
	defer client.Close()

	reg := metrics.NewRegistry()
	bus := broker.NewJetStream(client.JS)
	events := publisher.New(bus, logger, publisher.Config{Source: "recurrence-service"})
	events.Metrics = reg
	go events.DrainLoop(runCtx)

	service := recurrence.NewService(processed, store, logger)
	service.PublishCreated = func(ctx context.Context, task contracts.TaskSnapshot, correlationID string) (string, error) {
		return events.PublishTaskChange(ctx, contracts.TypeTaskCreated, task, correlationID)
	}

	sub, err := bus.Subscribe(contracts.TopicTaskEvents, recurrence.ConsumerID, func(d broker.Delivery) {
		handleCtx, cancel := context.WithTimeout(runCtx, 5*time.Second)
		defer cancel()

		start := time.Now()
		outcome, err := service.Handle(handleCtx, d.Payload)
		reg.ProcessDurations.WithLabelValues(recurrence.ConsumerID).Observe(time.Since(start).Seconds())
		if err != nil {
			if isPoison(err) {
				logger.Warn().Err(err).Str("subject", d.Subject).Msg("discarding malformed event")
				reg.EventsDeadLetter.WithLabelValues(recurrence.ConsumerID).Inc()
				_ = d.Term()
				return
			}
			logger.Error().Err(err).Str("subject", d.Subject).Msg("event handling failed")
			reg.EventsFailed.WithLabelValues(recurrence.ConsumerID).Inc()
			_ = d.Nak()
			return
		}
		if outcome == ledger.OutcomeSkipped {
			reg.EventsSkipped.WithLabelValues(recurrence.ConsumerID).Inc()
		} else {
			reg.EventsProcessed.WithLabelValues(recurrence.ConsumerID).Inc()
		}
		_ = d.Ack()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("subscription failed")
	}

	go pruneLedger(runCtx, processed, logger)

	r := chi.NewRouter()
	r.Get("/healthz", okHandler)
	r.Get("/readyz", readyHandler(pool, client))
	r.Handle("/metrics", reg.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("recurrence service listening")
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Fatal().Err(err).Msg("http server failed")
	case <-runCtx.Done():
	}

	_ = sub.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func isPoison(err error) bool {
	return errors.Is(err, contracts.ErrInvalidEnvelope) ||
		errors.Is(err, contracts.ErrInvalidTaskData) ||
		errors.Is(err, contracts.ErrInvalidDeletionData) ||
		errors.Is(err, contracts.ErrInvalidReminderData)
}

// pruneLedger removes idempotency records older than the stream retention;
// those events can no longer be redelivered.
func pruneLedger(ctx context.Context, processed *ledger.Postgres, logger zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := processed.Prune(ctx, messaging.Retention)
			if err != nil {
				logger.Error().Err(err).Msg("ledger prune failed")
				continue
			}
			if pruned > 0 {
				logger.Info().Int64("pruned", pruned).Msg("ledger pruned")
			}
		}
	}
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		for _, fn := range ensure {
			if lastErr != nil {
				break
			}
			lastErr = fn(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Msg("waiting for postgres readiness")
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func readyHandler(pool *pgxpool.Pool, client *natsutil.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		checkCtx, cancel := context.WithTimeout(r.Context(), 1500*time.Millisecond)
		defer cancel()
		if err := pool.Ping(checkCtx); err != nil {
			http.Error(w, "postgres ping failed", http.StatusServiceUnavailable)
			return
		}
		okHandler(w, r)
	}
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
}
