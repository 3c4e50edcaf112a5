package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

func testSynchronizer() *Synchronizer {
	opts := testOptions()
	return &Synchronizer{
		labels:        opts.Labels,
		overrideLabel: opts.Override.Label,
		minJustify:    opts.Override.MinJustificationLength,
		render: &renderer{
			extractor: opts.Extractor,
			override:  opts.Override.Label,
			branches:  [2]string{"main", "release"},
		},
		concurrency: 1,
		logger:      logging.Nop(),
	}
}

func outcome(v verdict.Verdict) *Outcome {
	return &Outcome{
		Number:  7,
		Branch:  "main",
		Against: "release",
		Refs:    reference.NewSet(10),
		Verdict: v,
		Match: coverage.Match{
			PerRef:  map[reference.Ref][]int{10: {}},
			Missing: reference.NewSet(10),
		},
		Override: override.Decision{Outcome: override.None},
	}
}

func TestSynchronizer_RemovesBeforeAdding(t *testing.T) {
	s := testSynchronizer()
	pr := &platform.PullRequest{Number: 7, Labels: []string{lblValidated, lblWarning, lblEvaluating}}

	got := s.plan(target{PR: pr, Outcome: outcome(verdict.FailMissing), Own: true})

	require.Len(t, got, 5)
	assert.Equal(t, Mutation{Kind: MutationRemoveLabel, Number: 7, Label: lblValidated}, got[0])
	assert.Equal(t, Mutation{Kind: MutationRemoveLabel, Number: 7, Label: lblWarning}, got[1])
	assert.Equal(t, Mutation{Kind: MutationRemoveLabel, Number: 7, Label: lblEvaluating}, got[2])
	assert.Equal(t, Mutation{Kind: MutationAddLabel, Number: 7, Label: lblBlocked}, got[3])
	assert.Equal(t, MutationCreateComment, got[4].Kind)
}

func TestSynchronizer_LeavesSiblingMarker(t *testing.T) {
	s := testSynchronizer()
	pr := &platform.PullRequest{Number: 7, Labels: []string{lblBlocked, lblEvaluating}}

	got := s.plan(target{PR: pr, Outcome: outcome(verdict.FailMissing)})

	require.Len(t, got, 1)
	assert.Equal(t, MutationCreateComment, got[0].Kind)
}

func TestSynchronizer_StatusUpsert(t *testing.T) {
	s := testSynchronizer()
	o := outcome(verdict.FailMissing)
	body := s.render.status(o)
	pr := &platform.PullRequest{Number: 7, Labels: []string{lblBlocked}}

	same := []platform.Comment{{ID: 1, Body: "thanks"}, {ID: 2, Body: body}}
	assert.Empty(t, s.plan(target{PR: pr, Outcome: o, Comments: same}), "unchanged body is not rewritten")

	stale := []platform.Comment{{ID: 2, Body: StatusMarker + "\nold"}}
	got := s.plan(target{PR: pr, Outcome: o, Comments: stale})
	require.Len(t, got, 1)
	assert.Equal(t, Mutation{Kind: MutationEditComment, Number: 7, CommentID: 2, Body: body}, got[0])
}

func TestSynchronizer_OverrideRetraction(t *testing.T) {
	s := testSynchronizer()
	o := outcome(verdict.FailMissing)
	o.Override = override.Decision{Outcome: override.RejectedUnauthorized, Actor: "mallory"}
	pr := &platform.PullRequest{Number: 7, Labels: []string{lblBlocked, lblOverride}}

	plan := &Plan{}
	plan.add(s.plan(target{PR: pr, Outcome: o})...)

	counts := plan.CountByKind()
	assert.Equal(t, 1, counts[MutationRemoveLabel])
	assert.Equal(t, 2, counts[MutationCreateComment])
	assert.Equal(t, lblOverride, plan.Mutations[0].Label)
	assert.Contains(t, plan.Mutations[1].Body, RejectionMarker)
	assert.Contains(t, plan.Mutations[1].Body, "@mallory")
}

func TestRenderer_Deterministic(t *testing.T) {
	s := testSynchronizer()
	o := outcome(verdict.WarnImbalance)
	o.Match = coverage.Match{Covered: true, PerRef: map[reference.Ref][]int{10: {3, 4}}}
	o.Imbalance = coverage.ImbalanceReport{Exceeded: []coverage.Skew{{Ref: 10, Primary: 3, Secondary: 1}}}

	first := s.render.status(o)
	assert.Equal(t, first, s.render.status(o))
	assert.Contains(t, first, StatusMarker)
	assert.Contains(t, first, "| #10 | #3, #4 |")
	assert.Contains(t, first, "- #10: 3 on `main`, 1 on `release`")
}

func TestPlan_NilSafe(t *testing.T) {
	var p *Plan
	assert.Zero(t, p.Len())
	assert.True(t, p.Empty())
	assert.Empty(t, p.ByNumber())
	assert.Empty(t, p.CountByKind())
}

func TestResult_Gate(t *testing.T) {
	res := &Result{Trigger: 1, Outcomes: map[int]*Outcome{
		1: {Number: 1, Verdict: verdict.WarnImbalance},
		2: {Number: 2, Verdict: verdict.Pending},
	}}
	assert.Equal(t, GatePass, res.Gate())
	assert.True(t, res.Pending())
	assert.Equal(t, []int{1, 2}, res.Numbers())

	res.Outcomes[1].Verdict = verdict.FailMismatch
	assert.Equal(t, GateBlocked, res.Gate())

	res.Skipped = true
	assert.Equal(t, GateSkipped, res.Gate())
	assert.Equal(t, "skipped", res.Gate().String())
}
