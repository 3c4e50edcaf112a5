package webhook

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"

	"github.com/fyrsmithlabs/covergate/internal/bootstrap"
	"github.com/fyrsmithlabs/covergate/internal/config"
	"github.com/fyrsmithlabs/covergate/internal/workflows"
)

const startTimeout = 30 * time.Second

// TemporalStarter starts ReconciliationWorkflow runs. Runs share one workflow
// ID per pull request and a new start terminates the running one, so only
// the newest event's pass applies.
type TemporalStarter struct {
	client client.Client
	cfg    *config.Config
}

// NewTemporalStarter returns a Starter on c.
func NewTemporalStarter(c client.Client, cfg *config.Config) *TemporalStarter {
	return &TemporalStarter{client: c, cfg: cfg}
}

// Start implements Starter.
func (s *TemporalStarter) Start(ctx context.Context, number int, previousText, deliveryID string) (string, error) {
	input := bootstrap.ReconciliationInput(s.cfg, number, previousText, deliveryID)
	if err := input.Validate(); err != nil {
		return "", fmt.Errorf("invalid workflow input: %w", err)
	}

	options := client.StartWorkflowOptions{
		ID:                       workflows.WorkflowID(input.Owner, input.Repo, number),
		TaskQueue:                s.cfg.Temporal.TaskQueue,
		WorkflowIDConflictPolicy: enumspb.WORKFLOW_ID_CONFLICT_POLICY_TERMINATE_EXISTING,
		WorkflowIDReusePolicy:    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}

	ctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()

	we, err := s.client.ExecuteWorkflow(ctx, options, workflows.ReconciliationWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("failed to start workflow: %w", err)
	}
	return we.GetRunID(), nil
}
