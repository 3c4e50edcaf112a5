package workflows

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/covergate/internal/workflows"

// Activity metrics. Workflow code stays free of side effects, so everything
// is recorded from activities.
var (
	activityDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
	pendingPassCounter   metric.Int64Counter
)

// initMetrics initializes OpenTelemetry metrics for workflows.
// This is called once during package initialization.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	activityDuration, err = meter.Float64Histogram(
		"covergate.workflows.activity.duration",
		metric.WithDescription("Duration of workflow activity executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"covergate.workflows.activity.errors",
		metric.WithDescription("Number of activity execution errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}

	pendingPassCounter, err = meter.Int64Counter(
		"covergate.workflows.pending_passes",
		metric.WithDescription("Passes that ended with a PENDING verdict and need a rerun"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create pending pass counter: %v", err))
	}
}

func init() {
	initMetrics()
}
