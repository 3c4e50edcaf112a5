// Package workflows provides the Temporal workflow that runs reconciliation
// passes for pull requests.
//
// This file contains the types shared by the workflow, its activities and the
// components that start it.
package workflows

import (
	"fmt"
	"time"
)

// TaskQueue is the default task queue of the reconciliation worker.
const TaskQueue = "coverage-reconciliation"

// ReconciliationInput starts one reconciliation workflow.
type ReconciliationInput struct {
	Owner    string // Repository owner
	Repo     string // Repository name
	PRNumber int    // Triggering pull request
	// PreviousText is the title and body before an edit, so references the
	// edit dropped are still resynchronized. Only the first pass uses it.
	PreviousText string
	// DeliveryID is the webhook delivery that caused the run, for logs.
	DeliveryID string

	MaxPendingReruns int           // Extra passes while a sibling is PENDING
	PendingBackoff   time.Duration // Wait between pending reruns
	PassTimeout      time.Duration // StartToClose of one pass
}

// Validate checks that all required fields are set.
func (i *ReconciliationInput) Validate() error {
	if i.Owner == "" {
		return fmt.Errorf("Owner is required")
	}
	if i.Repo == "" {
		return fmt.Errorf("Repo is required")
	}
	if i.PRNumber <= 0 {
		return fmt.Errorf("PRNumber must be positive")
	}
	if i.MaxPendingReruns < 0 {
		return fmt.Errorf("MaxPendingReruns must not be negative")
	}
	if i.PendingBackoff < 0 {
		return fmt.Errorf("PendingBackoff must not be negative")
	}
	return nil
}

// WorkflowID is the stable workflow ID for a pull request. Starting a new run
// under the same ID supersedes the previous one.
func WorkflowID(owner, repo string, number int) string {
	return fmt.Sprintf("coverage-%s-%s-pr-%d", owner, repo, number)
}

// PassInput is the input of one ReconcilePullRequest activity.
type PassInput struct {
	PRNumber     int
	PreviousText string
	DeliveryID   string
	Attempt      int // 0 for the first pass, then one per pending rerun
}

// PassSummary is the serializable outcome of one pass.
type PassSummary struct {
	PassID     string         `json:"pass_id"`
	Gate       string         `json:"gate"`
	Skipped    bool           `json:"skipped"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Verdicts   map[int]string `json:"verdicts"`
	Pending    bool           `json:"pending"`
	Applied    bool           `json:"applied"`
	Mutations  int            `json:"mutations"`
}

// ReconciliationResult contains the outcome of the workflow.
type ReconciliationResult struct {
	Passes []PassSummary // Every pass, in order
	Reruns int          // Passes after the first
	// Converged is false when the last pass still had a PENDING verdict.
	Converged bool
	Errors    []string // Any errors encountered
}

// Last returns the final pass, if any ran.
func (r *ReconciliationResult) Last() (PassSummary, bool) {
	if len(r.Passes) == 0 {
		return PassSummary{}, false
	}
	return r.Passes[len(r.Passes)-1], true
}
