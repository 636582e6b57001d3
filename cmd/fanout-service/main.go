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
	"github.com/nats-io/nats.go"
	"github.com/todostream/project/internal/app/fanout"
	"github.com/todostream/project/internal/app/ledger"
	"github.com/todostream/project/internal/broker"
	"github.com/todostream/project/internal/contracts"
	"github.com/todostream/project/internal/platform/auth"
	"github.com/todostream/project/internal/platform/env"
	"github.com/todostream/project/internal/platform/logging"
	"github.com/todostream/project/internal/platform/metrics"
	"github.com/todostream/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("fanout-service")

	addr := env.String("FANOUT_ADDR", env.DefaultFanoutAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	bufferSize := env.Int("REPLAY_BUFFER_SIZE", fanout.DefaultBufferSize)
	bufferTTL := env.Duration("REPLAY_BUFFER_TTL", fanout.DefaultBufferTTL)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		logger.Fatal().Err(err).Msg("jetstream connection failed")
	}
	defer client.Close()

	reg := metrics.NewRegistry()
	// Pushes are instance-local, so the in-memory ledger is the right gate:
	// a restart gets a fresh consumer anyway.
	service := fanout.NewService(
		ledger.NewMemory(env.Int("LEDGER_LIMIT", 0)),
		fanout.NewRegistry(),
		fanout.NewReplayBuffer(bufferSize, bufferTTL),
		logger,
	)
	service.Metrics = reg

	bus := broker.NewJetStream(client.JS)
	sub, err := bus.Subscribe(contracts.TopicTaskUpdates, fanout.ConsumerID, func(d broker.Delivery) {
		handleCtx, cancel := context.WithTimeout(runCtx, 3*time.Second)
		defer cancel()

		start := time.Now()
		outcome, err := service.HandleEvent(handleCtx, d.Payload)
		reg.ProcessDurations.WithLabelValues(fanout.ConsumerID).Observe(time.Since(start).Seconds())
		if err != nil {
			if isPoison(err) {
				logger.Warn().Err(err).Str("subject", d.Subject).Msg("discarding malformed event")
				reg.EventsDeadLetter.WithLabelValues(fanout.ConsumerID).Inc()
				_ = d.Term()
				return
			}
			logger.Error().Err(err).Str("subject", d.Subject).Msg("event handling failed")
			reg.EventsFailed.WithLabelValues(fanout.ConsumerID).Inc()
			_ = d.Nak()
			return
		}
		if outcome == ledger.OutcomeSkipped {
			reg.EventsSkipped.WithLabelValues(fanout.ConsumerID).Inc()
		} else {
			reg.EventsProcessed.WithLabelValues(fanout.ConsumerID).Inc()
		}
		_ = d.Ack()
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("subscription failed")
	}

	ws := fanout.NewWSServer(service, auth.NewManager(jwtSecret, env.Duration("TOKEN_TTL", 24*time.Hour)), logger)

	r := chi.NewRouter()
	r.Get("/healthz", okHandler)
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if client.Conn.Status() != nats.CONNECTED {
			http.Error(w, "nats is not connected", http.StatusServiceUnavailable)
			return
		}
		okHandler(w, nil)
	})
	r.Handle("/metrics", reg.Handler())
	r.Handle("/ws", ws)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Keep read/write timeouts unset for long-lived WebSocket connections.
		IdleTimeout: 120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("fanout service listening")
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
}
