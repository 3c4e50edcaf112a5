// Package main provides a GitHub webhook server that starts coverage
// reconciliation workflows.
//
// This server receives GitHub pull request and comment events and starts one
// Temporal workflow per pull request. A newer event for the same pull request
// terminates the older run.
//
// Usage:
//
//	COVERGATE_REPOSITORY_OWNER=acme \
//	COVERGATE_REPOSITORY_NAME=widgets \
//	COVERGATE_WEBHOOK_SECRET=your_secret \
//	./github-webhook -config covergate.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("COVERGATE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	// Create root context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := bootstrap.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "github webhook server starting",
		zap.Int("port", cfg.Webhook.Port),
		zap.String("temporal_host", cfg.Temporal.Host),
		zap.String("repository", cfg.Repository.FullName()),
	)

	c, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return fmt.Errorf("unable to create Temporal client: %w", err)
	}
	defer c.Close()

	logger.Info(ctx, "temporal client connected", zap.String("host", cfg.Temporal.Host))

	server, err := webhook.NewServer(webhook.Config{
		Port:          cfg.Webhook.Port,
		Secret:        cfg.Webhook.Secret,
		Owner:         cfg.Repository.Owner,
		Repo:          cfg.Repository.Name,
		OverrideLabel: cfg.Override.Label,
		RateLimit:     cfg.Webhook.RateLimit,
		RateBurst:     cfg.Webhook.RateBurst,
	}, webhook.NewTemporalStarter(c, cfg), logger.Named("webhook"))
	if err != nil {
		return fmt.Errorf("creating webhook server: %w", err)
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Webhook.ShutdownTimeout.Duration())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "server shutdown error", zap.Error(err))
		return err
	}

	logger.Info(ctx, "server stopped gracefully")
	return nil
}
