// Command worker relays UI envelopes published by agent runs on NATS to
// browsers subscribed over server-sent events.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/db-agent/internal/adapters/http"
	"github.com/kirillkom/db-agent/internal/config"
	"github.com/kirillkom/db-agent/internal/infrastructure/queue/nats"
	"github.com/kirillkom/db-agent/internal/infrastructure/resilience"
	"github.com/kirillkom/db-agent/internal/observability/logging"
	"github.com/kirillkom/db-agent/internal/observability/metrics"
)

const serviceName = "ui-relay"

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(serviceName, cfg.LogLevel))

	if cfg.NATSURL == "" {
		slog.Error("relay_misconfigured", "error", "NATS_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := nats.NewWithOptions(cfg.NATSURL, cfg.NATSUISubject, nats.Options{
		ResilienceExecutor: resilience.NewExecutor(cfg.Resilience()),
	})
	if err != nil {
		slog.Error("relay_bus_failed", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	relayMetrics := metrics.NewRelayMetrics(serviceName)
	relay := httpadapter.NewUIRelay(0, 0, relayMetrics)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", relayMetrics.Handler())
	r.Method(http.MethodGet, "/v1/ui/events", relay)

	server := &http.Server{
		Addr:              ":" + cfg.RelayPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("relay_listening", "addr", server.Addr, "subject", bus.Subject())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("relay_server_failed", "error", err)
			stop()
		}
	}()

	err = bus.SubscribeUIDispatch(ctx, func(_ context.Context, message nats.UIDispatchMessage) error {
		lag := time.Duration(0)
		if !message.PublishedAt.IsZero() {
			lag = time.Since(message.PublishedAt)
		}
		relayMetrics.ObserveReceived(serviceName, string(message.Kind), lag)

		delivered, dropped := relay.Publish(httpadapter.UIRelayMessage{
			RequestID: message.RequestID,
			Envelope:  message.Envelope(),
		})
		relayMetrics.ObserveDelivered(serviceName, delivered, dropped)
		if dropped > 0 {
			slog.Warn("ui_relay_dropped", "request_id", message.RequestID, "dropped", dropped)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay_subscribe_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay_shutdown_failed", "error", err)
	}
}
