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
	"github.com/todostream/project/internal/app/gateway"
	"github.com/todostream/project/internal/app/publisher"
	"github.com/todostream/project/internal/broker"
	"github.com/todostream/project/internal/platform/auth"
	"github.com/todostream/project/internal/platform/env"
	"github.com/todostream/project/internal/platform/logging"
	"github.com/todostream/project/internal/platform/metrics"
	"github.com/todostream/project/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("task-gateway")

	addr := env.String("GATEWAY_ADDR", env.DefaultGatewayAddr)
	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	tokenTTL := env.Duration("TOKEN_TTL", 24*time.Hour)
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, env.Duration("NATS_CONNECT_TIMEOUT", 90*time.Second))
	if err != nil {
		logger.Fatal().Err(err).Msg("jetstream connection failed")
	}
	defer client.Close()

	reg := metrics.NewRegistry()
	events := publisher.New(broker.NewJetStream(client.JS), logger, publisher.Config{
		Source:        "task-gateway",
		MaxRetries:    env.Int("PUBLISH_MAX_RETRIES", publisher.DefaultMaxRetries),
		QueueLimit:    env.Int("PUBLISH_QUEUE_LIMIT", publisher.DefaultQueueLimit),
		DrainInterval: env.Duration("PUBLISH_DRAIN_INTERVAL", publisher.DefaultDrainInterval),
	})
	events.Metrics = reg
	go events.DrainLoop(runCtx)
	go reportQueueDepth(runCtx, events, reg)

	srv := gateway.NewServer(events, auth.NewManager(jwtSecret, tokenTTL), logger)

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
	r.Mount("/", srv.Router())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("task gateway listening")
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	// One last drain attempt so parked events survive a clean restart.
	events.DrainOnce(shutdownCtx)
	if depth := events.QueueDepth(); depth > 0 {
		logger.Warn().Int("depth", depth).Msg("shutting down with undelivered events")
	}
}

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "ok")
}

func reportQueueDepth(ctx context.Context, events *publisher.Service, reg *metrics.Registry) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.FallbackDepth.Set(float64(events.QueueDepth()))
		}
	}
}
