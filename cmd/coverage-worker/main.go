// Package main provides the Temporal worker that runs coverage reconciliation
// passes.
//
// The worker hosts ReconciliationWorkflow and its activities. Workflows are
// started by the github-webhook server.
//
// Usage:
//
//	COVERGATE_REPOSITORY_OWNER=acme \
//	COVERGATE_REPOSITORY_NAME=widgets \
//	GITHUB_TOKEN=ghp_xxx \
//	./coverage-worker -config covergate.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/workflows"
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

	deps, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := deps.Close(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "shutdown incomplete", zap.Error(err))
		}
	}()

	logger.Info(ctx, "coverage worker starting",
		zap.String("repository", cfg.Repository.FullName()),
		zap.String("temporal_host", cfg.Temporal.Host),
		zap.Bool("events", cfg.Events.Enabled()),
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

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ReconciliationWorkflow)
	w.RegisterActivity(workflows.NewActivities(deps.Engine, cfg.Repository.FullName(), logger.Named("activities")))

	logger.Info(ctx, "worker configured", zap.String("task_queue", cfg.Temporal.TaskQueue))

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- w.Run(worker.InterruptCh())
	}()

	select {
	case err := <-workerErrors:
		if err != nil {
			return fmt.Errorf("worker error: %w", err)
		}
	case <-ctx.Done():
		// Run stops the worker on the same signal.
		logger.Info(ctx, "shutdown signal received")
		<-workerErrors
	}

	logger.Info(ctx, "worker stopped gracefully")
	return nil
}
