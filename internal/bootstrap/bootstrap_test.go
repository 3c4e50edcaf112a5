package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadBytes([]byte("repository: {owner: acme, name: widgets}\n"))
	require.NoError(t, err)
	return cfg
}

func TestEngineOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Matching.Strategy = "single"
	cfg.Matching.RequireExactMatch = true
	cfg.Override.AllowedApprovers = []string{"alice"}

	opts, err := EngineOptions(cfg)
	require.NoError(t, err)
	require.NoError(t, opts.Validate())

	assert.Equal(t, "acme/widgets", opts.Repository)
	assert.Equal(t, coverage.Branches{Primary: "main", Secondary: "release"}, opts.Branches)
	assert.Equal(t, coverage.Policy{RequireExact: true, Strategy: coverage.StrategySingle}, opts.Policy)
	assert.True(t, opts.Filter.IncludeMerged)
	assert.Equal(t, "coverage-override", opts.Override.Label)
	assert.Equal(t, []string{"alice"}, opts.Override.AllowedApprovers)
	assert.Equal(t, "coverage/evaluating", opts.Labels.Evaluating)
	assert.Equal(t, time.Minute, opts.ApplyTimeout)
	assert.Equal(t, 10*time.Minute, opts.ClaimTTL)
	assert.Equal(t, 4, opts.Concurrency)
}

func TestEngineOptions_InvalidMarker(t *testing.T) {
	cfg := testConfig(t)
	cfg.References.Marker = "PR1-"

	_, err := EngineOptions(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, reconcile.ErrConfiguration))
}

func TestRetryConfig(t *testing.T) {
	cfg := testConfig(t)
	rc := RetryConfig(cfg)
	assert.Equal(t, 3, rc.MaxRetries)
	assert.Equal(t, time.Second, rc.InitialBackoff)
	assert.Equal(t, 30*time.Second, rc.MaxBackoff)
	assert.Equal(t, 2.0, rc.BackoffMultiplier)
}

func TestLoggingConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observability.LogLevel = "trace"
	cfg.Observability.LogFormat = "console"

	lc, err := LoggingConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, logging.TraceLevel, lc.Level)
	assert.Equal(t, "console", lc.Format)
	assert.Equal(t, "covergate", lc.Fields["service"])

	cfg.Observability.LogLevel = "warn"
	lc, err = LoggingConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lc.Level)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := testConfig(t)
	tc := TelemetryConfig(cfg)
	assert.False(t, tc.Enabled)
	assert.NoError(t, tc.Validate())

	cfg.Observability.EnableTelemetry = true
	cfg.Observability.OTLPEndpoint = "otel.example.com:4317"
	cfg.Observability.OTLPInsecure = false
	tc = TelemetryConfig(cfg)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "otel.example.com:4317", tc.Endpoint)
	assert.NoError(t, tc.Validate())
}

func TestReconciliationInput(t *testing.T) {
	cfg := testConfig(t)
	in := ReconciliationInput(cfg, 7, "Fixes #10", "d-1")
	require.NoError(t, in.Validate())
	assert.Equal(t, "acme", in.Owner)
	assert.Equal(t, "widgets", in.Repo)
	assert.Equal(t, 3, in.MaxPendingReruns)
	assert.Equal(t, 15*time.Second, in.PendingBackoff)
	assert.Equal(t, 2*time.Minute, in.PassTimeout)
	assert.Equal(t, "Fixes #10", in.PreviousText)
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	cfg.GitHub.Token = config.Secret("ghp_test")

	d, err := New(context.Background(), cfg, logging.Nop())
	require.NoError(t, err)
	assert.NotNil(t, d.Engine)
	assert.NotNil(t, d.Platform)
	assert.Nil(t, d.Publisher, "events are disabled by default")
	assert.NoError(t, d.Close(context.Background()))
}

func TestNew_MissingToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.GitHub.Token = ""
	_, err := New(context.Background(), cfg, logging.Nop())
	assert.ErrorContains(t, err, "token")
}
