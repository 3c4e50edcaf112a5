package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	defaultPassTimeout = 2 * time.Minute
	heartbeatTimeout   = 30 * time.Second
)

// ReconciliationWorkflow runs reconciliation passes for one pull request.
//
// This workflow:
// 1. Runs one pass for the triggering pull request
// 2. While a sibling is PENDING, waits PendingBackoff and runs another pass,
// at most MaxPendingReruns times
// 3. Returns every pass summary
//
// The workflow ID is stable per pull request (see WorkflowID), so a newer event
// terminates an older run; its in-flight pass is cancelled through heartbeats
// before it can apply.
func ReconciliationWorkflow(ctx workflow.Context, input ReconciliationInput) (*ReconciliationResult, error) {
	logger := workflow.GetLogger(ctx)
	if err := input.Validate(); err != nil {
		return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
	}
	logger.Info("Starting coverage reconciliation",
		"owner", input.Owner,
		"repo", input.Repo,
		"pr", input.PRNumber,
		"delivery", input.DeliveryID)

	timeout := input.PassTimeout
	if timeout <= 0 {
		timeout = defaultPassTimeout
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    heartbeatTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeConfiguration, ErrTypeInvalidInput},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	result := &ReconciliationResult{}
	for attempt := 0; ; attempt++ {
		in := PassInput{
			PRNumber:   input.PRNumber,
			DeliveryID: input.DeliveryID,
			Attempt:    attempt,
		}
		if attempt == 0 {
			in.PreviousText = input.PreviousText
		}

		var summary PassSummary
		if err := workflow.ExecuteActivity(ctx, a.ReconcilePullRequest, in).Get(ctx, &summary); err != nil {
			logger.Error("Reconciliation pass failed", "attempt", attempt, "error", err)
			result.Errors = append(result.Errors, FormatErrorForResult("reconciliation pass", err))
			return result, err
		}
		result.Passes = append(result.Passes, summary)

		if !summary.Pending {
			result.Converged = true
			break
		}
		if attempt >= input.MaxPendingReruns {
			logger.Warn("Pending reruns exhausted, leaving convergence to the next event",
				"reruns", result.Reruns)
			break
		}

		result.Reruns++
		logger.Info("Sibling pass in flight, scheduling rerun",
			"attempt", attempt+1,
			"backoff", input.PendingBackoff)
		if input.PendingBackoff > 0 {
			if err := workflow.Sleep(ctx, input.PendingBackoff); err != nil {
				return result, err
			}
		}
	}

	last, _ := result.Last()
	logger.Info("Coverage reconciliation complete",
		"gate", last.Gate,
		"passes", len(result.Passes),
		"converged", result.Converged)
	return result, nil
}
