// Package bootstrap wires covergate components from a loaded configuration.
// Every binary builds its dependencies through here so logging, telemetry and
// the engine are configured the same way everywhere.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/events"
	"github.com/fyrsmithlabs/covergate/internal/github"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/telemetry"
	"github.com/fyrsmithlabs/covergate/internal/workflows"
)

// LoggingConfig maps the observability settings onto a logging config.
func LoggingConfig(cfg *config.Config) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Observability.LogLevel != "" {
		lvl, err := logging.LevelFromString(cfg.Observability.LogLevel)
		if err != nil {
			return nil, err
		}
		lc.Level = lvl
	}
	if cfg.Observability.LogFormat != "" {
		lc.Format = cfg.Observability.LogFormat
	}
	if cfg.Observability.ServiceName != "" {
		lc.Fields = map[string]string{"service": cfg.Observability.ServiceName}
	}
	return lc, nil
}

// TelemetryConfig maps the observability settings onto a telemetry config.
func TelemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	o := cfg.Observability
	tc.Enabled = o.EnableTelemetry
	if o.OTLPEndpoint != "" {
		tc.Endpoint = o.OTLPEndpoint
	}
	if o.OTLPProtocol != "" {
		tc.Protocol = o.OTLPProtocol
	}
	tc.Insecure = o.OTLPInsecure
	if o.ServiceName != "" {
		tc.ServiceName = o.ServiceName
	}
	if o.ServiceVersion != "" {
		tc.ServiceVersion = o.ServiceVersion
	}
	tc.SampleRate = o.SampleRate
	return tc
}

// RetryConfig maps retry settings onto the GitHub client retrier.
func RetryConfig(cfg *config.Config) github.RetryConfig {
	return github.RetryConfig{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialBackoff:    cfg.Retry.InitialBackoff.Duration(),
		MaxBackoff:        cfg.Retry.MaxBackoff.Duration(),
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}
}

// EngineOptions maps policy settings onto engine options.
func EngineOptions(cfg *config.Config) (reconcile.Options, error) {
	extractor, err := reference.NewExtractor(cfg.References.Marker)
	if err != nil {
		return reconcile.Options{}, &reconcile.ConfigError{Field: "references.marker", Err: err}
	}
	strategy, err := coverage.ParseStrategy(cfg.Matching.Strategy)
	if err != nil {
		return reconcile.Options{}, &reconcile.ConfigError{Field: "matching.strategy", Err: err}
	}
	return reconcile.Options{
		Repository: cfg.Repository.FullName(),
		Branches: coverage.Branches{
			Primary:   cfg.Branches.Primary,
			Secondary: cfg.Branches.Secondary,
		},
		Extractor: extractor,
		Filter: coverage.Filter{
			IncludeDrafts: cfg.Filters.IncludeDrafts,
			IncludeClosed: cfg.Filters.IncludeClosed,
			IncludeMerged: cfg.Filters.IncludeMerged,
		},
		Policy: coverage.Policy{
			RequireExact: cfg.Matching.RequireExactMatch,
			Strategy:     strategy,
		},
		Imbalance: coverage.ImbalanceRule{
			MaxImbalance: cfg.Imbalance.MaxImbalance,
			WarnOnly:     cfg.Imbalance.WarnOnly,
		},
		Override: override.Config{
			Label:                  cfg.Override.Label,
			RequireJustification:   cfg.Override.RequireJustification,
			MinJustificationLength: cfg.Override.MinJustificationLength,
			AllowedApprovers:       cfg.Override.AllowedApprovers,
		},
		Labels: reconcile.Labels{
			Blocked:    cfg.Labels.Blocked,
			Validated:  cfg.Labels.Validated,
			Warning:    cfg.Labels.Warning,
			Evaluating: cfg.Labels.Evaluating,
		},
		ApplyTimeout: cfg.Pass.ApplyTimeout.Duration(),
		Concurrency:  cfg.Pass.SyncConcurrency,
		ClaimTTL:     cfg.Pass.ClaimTTL.Duration(),
	}, nil
}

// ReconciliationInput builds the workflow input for a pull request event.
func ReconciliationInput(cfg *config.Config, number int, previousText, deliveryID string) workflows.ReconciliationInput {
	return workflows.ReconciliationInput{
		Owner:            cfg.Repository.Owner,
		Repo:             cfg.Repository.Name,
		PRNumber:         number,
		PreviousText:     previousText,
		DeliveryID:       deliveryID,
		MaxPendingReruns: cfg.Pass.MaxPendingReruns,
		PendingBackoff:   cfg.Pass.PendingBackoff.Duration(),
		PassTimeout:      cfg.Pass.Timeout.Duration(),
	}
}

// Deps holds the components a binary needs to run passes.
type Deps struct {
	Config    *config.Config
	Logger    *logging.Logger
	Telemetry *telemetry.Telemetry
	Platform  *github.Platform
	Engine    *reconcile.Engine
	// Publisher is nil when events are disabled.
	Publisher *events.Publisher
}

// NewLogger builds the process logger for cfg.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := LoggingConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, nil
}

// New builds every dependency. logger may be nil, in which case one is
// built from cfg. Close releases what New opened.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Deps, error) {
	if logger == nil {
		var err error
		if logger, err = NewLogger(cfg); err != nil {
			return nil, err
		}
	}
	d := &Deps{Config: cfg, Logger: logger}

	tel, err := telemetry.New(ctx, TelemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	d.Telemetry = tel
	if degraded, derr := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded, continuing without export", zap.Error(derr))
	}

	client, err := github.NewClient(ctx, cfg.GitHub.Token, cfg.GitHub.BaseURL)
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	d.Platform = github.New(client, cfg.Repository.Owner, cfg.Repository.Name,
		github.WithRetry(RetryConfig(cfg)),
		github.WithLogger(logger.Named("github")),
		github.WithMaxPages(cfg.GitHub.MaxCandidatePages),
	)

	opts, err := EngineOptions(cfg)
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	engineOpts := []reconcile.Option{
		reconcile.WithLogger(logger.Named("reconcile")),
		reconcile.WithMeter(tel.Meter(reconcile.InstrumentationName)),
		reconcile.WithTracer(tel.Tracer(reconcile.InstrumentationName)),
	}
	if cfg.Events.Enabled() {
		pub, err := events.Connect(ctx, cfg.Events.NATSURL, cfg.Events.Subject, logger.Named("events"))
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		d.Publisher = pub
		engineOpts = append(engineOpts, reconcile.WithPublisher(pub))
	}

	d.Engine, err = reconcile.NewEngine(d.Platform, d.Platform, opts, engineOpts...)
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	return d, nil
}

// Close flushes events and telemetry.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Publisher != nil {
		if err := d.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close events: %w", err))
		}
	}
	if d.Telemetry != nil {
		if err := d.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
