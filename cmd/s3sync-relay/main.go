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

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/s3sync/internal/config"
	"github.com/alexjbarnes/s3sync/internal/logging"
	"github.com/alexjbarnes/s3sync/internal/relay"
)

var Version = "dev"

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRelay()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var confirmer relay.SubscriptionConfirmer

	if cfg.Region != "" {
		client, err := relay.NewSNSClient(ctx, relay.SNSConfig{
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("creating sns client: %w", err)
		}

		confirmer = client
	} else {
		logger.Warn("AWS_REGION not set, subscriptions must be confirmed by hand")
	}

	hub := relay.NewHub(clockwork.NewRealClock(), cfg.HeartbeatInterval, logger.With(slog.String("component", "hub")))

	srv := relay.NewServer(relay.ServerConfig{
		Hub:        hub,
		Confirmer:  confirmer,
		TokenHash:  cfg.TokenHash,
		Production: cfg.IsProduction(),
	}, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Hijacked websocket connections outlive server.Shutdown, so the hub
	// is closed separately before run returns.
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("error", err.Error()))
		}

		hub.Shutdown()
	}()

	logger.Info("relay listening",
		slog.String("version", Version),
		slog.String("addr", cfg.Addr()),
		slog.Bool("auth", cfg.TokenHash != ""),
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	<-stopped

	return nil
}
