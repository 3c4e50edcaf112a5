package reconcile

import (
	"sort"

	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

// Outcome is the decision for one pull request in a pass.
type Outcome struct {
	Number    int                      `json:"number"`
	Branch    string                   `json:"branch"`
	State     platform.State           `json:"state"`
	Refs      reference.Set            `json:"-"`
	Verdict   verdict.Verdict          `json:"verdict"`
	Against   string                   `json:"against"`
	Match     coverage.Match           `json:"-"`
	Imbalance coverage.ImbalanceReport `json:"imbalance"`
	Override  override.Decision        `json:"override"`
	// InFlight lists siblings whose pass is still running.
	InFlight []int `json:"in_flight,omitempty"`
}

// RefList returns the references as sorted integers, for encoding.
func (o *Outcome) RefList() []int {
	return o.Refs.Ints()
}

// Gate is the merge-gate signal of a pass for its trigger.
type Gate int

const (
	// GatePass permits merging.
	GatePass Gate = iota
	// GateBlocked blocks merging, by policy or because a sibling is pending.
	GateBlocked
	// GateSkipped means no verdict applies to the trigger.
	GateSkipped
)

func (g Gate) String() string {
	switch g {
	case GatePass:
		return "pass"
	case GateBlocked:
		return "blocked"
	}
	return "skipped"
}

// Skip reasons.
const (
	SkipNoReferences = "no issue reference declared"
	SkipUnmonitored  = "target branch is not monitored"
	SkipInactive     = "pull request is closed"
)

// Result is the outcome of one pass.
type Result struct {
	PassID  string        `json:"pass_id"`
	Trigger int           `json:"trigger"`
	Refs    reference.Set `json:"-"`
	// Skipped is set when the trigger receives no verdict.
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	// Outcomes holds every synchronized pull request, keyed by number.
	Outcomes map[int]*Outcome `json:"outcomes"`
	Plan     *Plan            `json:"plan,omitempty"`
	Applied  bool             `json:"applied"`
}

// Verdicts returns the verdict map of the pass.
func (r *Result) Verdicts() map[int]verdict.Verdict {
	out := make(map[int]verdict.Verdict, len(r.Outcomes))
	for n, o := range r.Outcomes {
		out[n] = o.Verdict
	}
	return out
}

// Numbers returns the synchronized pull requests in ascending order.
func (r *Result) Numbers() []int {
	out := make([]int, 0, len(r.Outcomes))
	for n := range r.Outcomes {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// TriggerOutcome returns the trigger's outcome, if it received one.
func (r *Result) TriggerOutcome() (*Outcome, bool) {
	o, ok := r.Outcomes[r.Trigger]
	return o, ok
}

// Gate returns the merge signal for the trigger.
func (r *Result) Gate() Gate {
	o, ok := r.TriggerOutcome()
	if r.Skipped || !ok {
		return GateSkipped
	}
	if o.Verdict.MergePermitted() {
		return GatePass
	}
	return GateBlocked
}

// Pending reports whether any synchronized pull request is PENDING, meaning
// a later pass is needed to converge.
func (r *Result) Pending() bool {
	for _, o := range r.Outcomes {
		if o.Verdict == verdict.Pending {
			return true
		}
	}
	return false
}
