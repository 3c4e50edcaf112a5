package reconcile

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName is the name used for OTEL instrumentation.
const InstrumentationName = "github.com/fyrsmithlabs/covergate/internal/reconcile"

// Pass outcomes recorded on covergate.pass.total.
const (
	passOutcomePass    = "pass"
	passOutcomeBlocked = "blocked"
	passOutcomeSkipped = "skipped"
	passOutcomeError   = "error"
)

type passMetrics struct {
	passes    metric.Int64Counter
	verdicts  metric.Int64Counter
	mutations metric.Int64Counter
	duration  metric.Float64Histogram

	initialized bool
}

// newPassMetrics registers the engine instruments. A nil meter selects the
// global provider.
func newPassMetrics(meter metric.Meter) (*passMetrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	m := &passMetrics{}
	var err error

	m.passes, err = meter.Int64Counter(
		"covergate.pass.total",
		metric.WithDescription("Reconciliation passes by outcome"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, err
	}

	m.verdicts, err = meter.Int64Counter(
		"covergate.verdict.total",
		metric.WithDescription("Verdicts assigned by value"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		return nil, err
	}

	m.mutations, err = meter.Int64Counter(
		"covergate.mutation.total",
		metric.WithDescription("Label and comment writes applied by kind"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	m.duration, err = meter.Float64Histogram(
		"covergate.pass.duration.seconds",
		metric.WithDescription("Duration of a reconciliation pass in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.initialized = true
	return m, nil
}

func (m *passMetrics) recordPass(ctx context.Context, res *Result, err error, elapsed time.Duration) {
	if m == nil || !m.initialized {
		return
	}
	outcome := passOutcomeError
	if err == nil {
		switch res.Gate() {
		case GatePass:
			outcome = passOutcomePass
		case GateBlocked:
			outcome = passOutcomeBlocked
		default:
			outcome = passOutcomeSkipped
		}
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.passes.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)

	if err != nil {
		return
	}
	for _, o := range res.Outcomes {
		m.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", o.Verdict.String())))
	}
	if res.Applied && res.Plan != nil {
		for kind, n := range res.Plan.CountByKind() {
			m.mutations.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
		}
	}
}
