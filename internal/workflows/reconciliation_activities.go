package workflows

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/reconcile"
)

const defaultHeartbeatInterval = 5 * time.Second

// Reconciler runs one pass. *reconcile.Engine implements it.
type Reconciler interface {
	Reconcile(ctx context.Context, trigger reconcile.Trigger) (*reconcile.Result, error)
}

// Activities holds the dependencies of the reconciliation activities.
// Register an instance with the worker; workflows refer to the methods
// through a nil *Activities.
type Activities struct {
	reconciler        Reconciler
	repository        string
	logger            *logging.Logger
	heartbeatInterval time.Duration
}

// NewActivities returns activities running passes on r for repository
// ("owner/name").
func NewActivities(r Reconciler, repository string, logger *logging.Logger) *Activities {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Activities{
		reconciler:        r,
		repository:        repository,
		logger:            logger,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// ReconcilePullRequest runs one reconciliation pass and heartbeats while it
// runs, so a superseded workflow cancels the pass before its apply phase.
func (a *Activities) ReconcilePullRequest(ctx context.Context, in PassInput) (*PassSummary, error) {
	start := time.Now()
	ctx = logging.WithRepository(ctx, a.repository)
	ctx = logging.WithPullRequest(ctx, in.PRNumber)
	if in.DeliveryID != "" {
		ctx = logging.WithDeliveryID(ctx, in.DeliveryID)
	}

	stop := a.heartbeat(ctx, in.Attempt)
	res, err := a.reconciler.Reconcile(ctx, reconcile.Trigger{
		Number:       in.PRNumber,
		PreviousText: in.PreviousText,
	})
	stop()

	attrs := metric.WithAttributes(attribute.String("activity", "reconcile_pull_request"))
	activityDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		activityErrorCounter.Add(ctx, 1, attrs)
		a.logger.Error(ctx, "reconciliation pass failed",
			zap.Int("attempt", in.Attempt),
			zap.Error(err),
		)
		return nil, classifyPassError(err)
	}

	summary := summarize(res)
	if summary.Pending {
		pendingPassCounter.Add(ctx, 1)
	}
	a.logger.Info(ctx, "reconciliation pass complete",
		zap.String("gate", summary.Gate),
		zap.Bool("applied", summary.Applied),
		zap.Int("mutations", summary.Mutations),
		zap.Bool("pending", summary.Pending),
	)
	return &summary, nil
}

func (a *Activities) heartbeat(ctx context.Context, attempt int) (stop func()) {
	activity.RecordHeartbeat(ctx, attempt)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				activity.RecordHeartbeat(ctx, attempt)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func summarize(res *reconcile.Result) PassSummary {
	s := PassSummary{
		PassID:     res.PassID,
		Gate:       res.Gate().String(),
		Skipped:    res.Skipped,
		SkipReason: res.SkipReason,
		Verdicts:   make(map[int]string, len(res.Outcomes)),
		Pending:    res.Pending(),
		Applied:    res.Applied,
		Mutations:  res.Plan.Len(),
	}
	for n, v := range res.Verdicts() {
		s.Verdicts[n] = v.String()
	}
	return s
}
