// Package reconcile runs coverage passes: one pass per pull request event,
// recomputing the verdict of every pull request in the trigger's coverage
// group and synchronizing labels and status comments to match.
//
// The engine keeps no state between passes. Everything it knows comes from
// the platform at the start of the pass, including which sibling passes are
// in flight (the evaluating label).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

// Trigger identifies the pull request whose event started a pass.
type Trigger struct {
	Number int
	// PreviousText is the title and body before an edit. References that
	// disappeared from the pull request are still synchronized once, so
	// siblings that lost their counterpart are re-evaluated.
	PreviousText string
}

// VerdictEvent is published for every pull request an applied pass wrote.
type VerdictEvent struct {
	PassID         string          `json:"pass_id"`
	Repository     string          `json:"repository"`
	Trigger        int             `json:"trigger"`
	Number         int             `json:"number"`
	Branch         string          `json:"branch"`
	Verdict        verdict.Verdict `json:"verdict"`
	Refs           []int           `json:"refs"`
	MergePermitted bool            `json:"merge_permitted"`
	At             time.Time       `json:"at"`
}

// Publisher receives verdict events. Publishing is best effort: errors are
// logged and never fail a pass.
type Publisher interface {
	Publish(ctx context.Context, ev VerdictEvent) error
}

// Engine runs reconciliation passes against a platform.
type Engine struct {
	platform   platform.Platform
	opts       Options
	authorizer *override.Authorizer
	sync       *Synchronizer

	logger    *logging.Logger
	publisher Publisher
	meter     metric.Meter
	tracer    trace.Tracer
	metrics   *passMetrics
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPublisher publishes a verdict event per pull request after each
// applied pass.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMeter overrides the global meter.
func WithMeter(m metric.Meter) Option {
	return func(e *Engine) {
		e.meter = m
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithClock replaces time.Now, used for claim expiry and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine validates opts and builds an engine. identity may be nil when no
// team approvers are configured.
func NewEngine(p platform.Platform, identity platform.Identity, opts Options, options ...Option) (*Engine, error) {
	if p == nil {
		return nil, errors.New("platform is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	authorizer, err := override.NewAuthorizer(opts.Override, identity, Markers()...)
	if err != nil {
		return nil, &ConfigError{Field: "override", Err: err}
	}

	e := &Engine{
		platform:   p,
		opts:       opts,
		authorizer: authorizer,
		logger:     logging.Nop(),
		now:        time.Now,
	}
	for _, opt := range options {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(InstrumentationName)
	}
	e.metrics, err = newPassMetrics(e.meter)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	e.sync = &Synchronizer{
		platform:      p,
		labels:        opts.Labels,
		overrideLabel: opts.Override.Label,
		minJustify:    opts.Override.MinJustificationLength,
		render: &renderer{
			extractor: opts.Extractor,
			override:  opts.Override.Label,
			branches:  [2]string{opts.Branches.Primary, opts.Branches.Secondary},
		},
		concurrency: opts.Concurrency,
		logger:      e.logger.Named("sync"),
	}
	return e, nil
}

// Reconcile runs one pass for trig and applies its plan.
//
// Errors are *InfraError (platform failure or cancellation before the apply
// phase, nothing written except the in-flight marker, which is released) or
// *ConfigError (nothing written).
func (e *Engine) Reconcile(ctx context.Context, trig Trigger) (*Result, error) {
	return e.run(ctx, trig, true)
}

// Plan runs a pass without claiming or writing anything and returns the
// writes Reconcile would make.
func (e *Engine) Plan(ctx context.Context, trig Trigger) (*Result, error) {
	return e.run(ctx, trig, false)
}

func (e *Engine) run(ctx context.Context, trig Trigger, apply bool) (*Result, error) {
	start := e.now()
	passID := uuid.NewString()

	ctx = logging.WithRepository(ctx, e.opts.Repository)
	ctx = logging.WithPullRequest(ctx, trig.Number)
	ctx = logging.WithPassID(ctx, passID)
	ctx, span := e.tracer.Start(ctx, "reconcile.pass", trace.WithAttributes(
		attribute.Int("pr.number", trig.Number),
		attribute.String("pass.id", passID),
		attribute.Bool("pass.dry_run", !apply),
	))
	defer span.End()

	res, err := e.pass(ctx, passID, trig, apply)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error(ctx, "pass failed", zap.Error(err))
	} else {
		span.SetAttributes(
			attribute.String("pass.gate", res.Gate().String()),
			attribute.Int("pass.mutations", res.Plan.Len()),
		)
		e.logger.Info(ctx, "pass complete",
			zap.Stringer("gate", res.Gate()),
			zap.Bool("applied", res.Applied),
			zap.Int("synchronized", len(res.Outcomes)),
			zap.Int("mutations", res.Plan.Len()),
			zap.String("skip_reason", res.SkipReason),
		)
	}
	e.metrics.recordPass(ctx, res, err, e.now().Sub(start))
	return res, err
}

func (e *Engine) pass(ctx context.Context, passID string, trig Trigger, apply bool) (*Result, error) {
	res := &Result{
		PassID:   passID,
		Trigger:  trig.Number,
		Outcomes: make(map[int]*Outcome),
		Plan:     &Plan{},
	}
	if err := e.checkBranches(ctx); err != nil {
		return nil, err
	}

	pr, err := e.platform.GetPullRequest(ctx, trig.Number)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, configErr("pr", "pull request #%d does not exist", trig.Number)
		}
		return nil, infraErr("get pull request", err)
	}

	own := e.opts.Extractor.Extract(pr.Title, pr.Body)
	res.Refs = own.Union(e.opts.Extractor.Extract(trig.PreviousText))

	if !e.opts.Branches.Contains(pr.Branch) {
		return e.retire(ctx, res, pr, SkipUnmonitored, apply)
	}
	if res.Refs.Empty() {
		return e.retire(ctx, res, pr, SkipNoReferences, apply)
	}

	// A group that is already converged is left untouched. Only a pass
	// that writes claims the trigger, and it decides again under the claim
	// so a sibling pass that started meanwhile is seen in flight.
	if err := e.decide(ctx, res, pr); err != nil {
		return nil, err
	}
	claimed, held := false, e.claimHeld(pr)
	abort := func(err error) (*Result, error) {
		if claimed && e.releasable(ctx, held) {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ApplyTimeout)
			defer cancel()
			e.sync.Release(releaseCtx, pr.Number)
		}
		return nil, err
	}
	if apply && pr.State.Active() && !own.Empty() && !res.Plan.Empty() {
		if err := ctx.Err(); err != nil {
			return nil, infraErr("plan", err)
		}
		if err := e.sync.Claim(ctx, pr.Number); err != nil {
			return nil, err
		}
		claimed = true
		if !pr.HasLabel(e.opts.Labels.Evaluating) {
			pr.Labels = append(pr.Labels, e.opts.Labels.Evaluating)
		}
		if err := e.decide(ctx, res, pr); err != nil {
			return abort(err)
		}
	}

	if err := ctx.Err(); err != nil {
		return abort(infraErr("plan", err))
	}
	if !apply {
		return res, nil
	}
	if err := e.applyPlan(ctx, res.Plan); err != nil {
		return abort(err)
	}
	res.Applied = true
	e.publish(ctx, res)
	return res, nil
}

// decide evaluates the group around pr and fills res with its verdicts and
// the writes that converge it. Earlier decisions in res are replaced.
func (e *Engine) decide(ctx context.Context, res *Result, pr *platform.PullRequest) error {
	targets, err := e.evaluate(ctx, pr, res.Refs)
	if err != nil {
		return err
	}
	res.Plan = &Plan{}
	for _, t := range targets {
		res.Plan.add(e.sync.plan(t)...)
	}
	res.Outcomes = verdictOutcomes(targets)
	res.Skipped, res.SkipReason = false, ""
	if _, ok := res.Outcomes[pr.Number]; ok {
		return nil
	}
	res.Skipped = true
	res.SkipReason = SkipInactive
	if pr.State.Active() {
		res.SkipReason = SkipNoReferences
		cleanup, err := e.cleanupPlan(ctx, pr, SkipNoReferences)
		if err != nil {
			return err
		}
		res.Plan.add(cleanup...)
	}
	return nil
}

// claimHeld reports whether pr already carries a live in-flight marker,
// placed by another pass, before this pass claims it.
func (e *Engine) claimHeld(pr *platform.PullRequest) bool {
	if !pr.HasLabel(e.opts.Labels.Evaluating) {
		return false
	}
	return e.opts.ClaimTTL <= 0 || e.now().Sub(pr.UpdatedAt) <= e.opts.ClaimTTL
}

// releasable reports whether an aborted pass may remove the marker it
// claimed. The marker is shared by every pass on the pull request: a pass
// superseded by a newer run (its context cancelled) leaves it to that run,
// and a pass that found a live marker leaves it to its owner. Markers left
// behind are removed by the next applied pass or expire after ClaimTTL.
func (e *Engine) releasable(ctx context.Context, held bool) bool {
	if held {
		return false
	}
	return !errors.Is(ctx.Err(), context.Canceled)
}

// retire skips a trigger that receives no verdict. Gate labels it still
// carries are removed so it is not left blocked.
func (e *Engine) retire(ctx context.Context, res *Result, pr *platform.PullRequest, reason string, apply bool) (*Result, error) {
	res.Skipped = true
	res.SkipReason = reason
	if !pr.State.Active() || !e.sync.hasGateLabels(pr) {
		return res, nil
	}
	cleanup, err := e.cleanupPlan(ctx, pr, reason)
	if err != nil {
		return nil, err
	}
	res.Plan.add(cleanup...)
	if !apply || res.Plan.Empty() {
		return res, nil
	}
	if err := e.applyPlan(ctx, res.Plan); err != nil {
		return nil, err
	}
	res.Applied = true
	return res, nil
}

func (e *Engine) cleanupPlan(ctx context.Context, pr *platform.PullRequest, reason string) ([]Mutation, error) {
	if !e.sync.hasGateLabels(pr) {
		return nil, nil
	}
	comments, err := e.platform.ListComments(ctx, pr.Number)
	if err != nil {
		return nil, infraErr("list comments", err)
	}
	return e.sync.cleanup(pr, comments, reason), nil
}

// applyPlan runs the apply phase. It starts only while ctx is live and then
// runs to completion on a detached context bounded by ApplyTimeout.
func (e *Engine) applyPlan(ctx context.Context, plan *Plan) error {
	if err := ctx.Err(); err != nil {
		return infraErr("apply", err)
	}
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.ApplyTimeout)
	defer cancel()
	return e.sync.Apply(applyCtx, plan)
}

func (e *Engine) checkBranches(ctx context.Context) error {
	for _, b := range e.opts.Branches.List() {
		ok, err := e.platform.BranchExists(ctx, b)
		if err != nil {
			return infraErr("check branch", err)
		}
		if !ok {
			return configErr("branches", "monitored branch %q does not exist", b)
		}
	}
	return nil
}

// evaluate decides the verdict of every active pull request related to refs.
// The trigger is appended to the listing so its freshly fetched copy wins.
func (e *Engine) evaluate(ctx context.Context, trigger *platform.PullRequest, refs reference.Set) ([]target, error) {
	listed, err := e.platform.ListCandidates(ctx, platform.CandidateQuery{
		Branches:      e.opts.Branches.List(),
		Refs:          refs,
		IncludeClosed: e.opts.Filter.NeedsInactive(),
	})
	if err != nil {
		return nil, infraErr("list candidates", err)
	}
	ix := coverage.NewIndex(e.opts.Extractor, e.opts.Branches, e.opts.Filter, append(listed, trigger))

	var members []*coverage.Entry
	for _, m := range ix.Related(refs) {
		if m.PR.State.Active() {
			members = append(members, m)
		}
	}

	targets := make([]target, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i, m := range members {
		g.Go(func() error {
			t, err := e.evaluateMember(gctx, ix, m, trigger.Number)
			if err != nil {
				return err
			}
			targets[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return targets, nil
}

func (e *Engine) evaluateMember(ctx context.Context, ix *coverage.Index, m *coverage.Entry, trigger int) (target, error) {
	against, _ := e.opts.Branches.Other(m.PR.Branch)
	group := ix.Group(m.Refs)
	match := e.opts.Policy.Evaluate(m.Refs, group.Branch(against))

	var imbalance coverage.ImbalanceReport
	if match.Covered {
		imbalance = e.opts.Imbalance.Evaluate(m, group, e.opts.Branches)
	}

	comments, err := e.platform.ListComments(ctx, m.Number())
	if err != nil {
		return target{}, infraErr("list comments", err)
	}
	claim := override.Claim{Labels: m.PR.Labels, Comments: comments}
	if m.PR.HasLabel(e.authorizer.Label()) {
		claim.Actor, err = e.platform.LabelActor(ctx, m.Number(), e.authorizer.Label())
		if err != nil {
			return target{}, infraErr("label actor", err)
		}
	}
	decision, err := e.authorizer.Authorize(ctx, claim)
	if err != nil {
		return target{}, infraErr("authorize override", err)
	}

	inFlight := e.inFlight(ix, m, trigger)
	o := &Outcome{
		Number:    m.Number(),
		Branch:    m.PR.Branch,
		State:     m.PR.State,
		Refs:      m.Refs,
		Against:   against,
		Match:     match,
		Imbalance: imbalance,
		Override:  decision,
		InFlight:  inFlight,
	}
	o.Verdict = verdict.Decide(verdict.Input{
		InFlightSiblings: inFlight,
		Match:            match,
		Imbalance:        imbalance,
		Override:         decision.Outcome,
		RequireExact:     e.opts.Policy.RequireExact,
	})
	return target{PR: m.PR, Outcome: o, Comments: comments, Own: m.Number() == trigger}, nil
}

// inFlight lists active siblings of m, other than m and the trigger, that
// carry an unexpired in-flight marker.
func (e *Engine) inFlight(ix *coverage.Index, m *coverage.Entry, trigger int) []int {
	var out []int
	now := e.now()
	for _, s := range ix.Related(m.Refs) {
		n := s.Number()
		if n == m.Number() || n == trigger || !s.PR.State.Active() {
			continue
		}
		if !s.PR.HasLabel(e.opts.Labels.Evaluating) {
			continue
		}
		if e.opts.ClaimTTL > 0 && now.Sub(s.PR.UpdatedAt) > e.opts.ClaimTTL {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (e *Engine) publish(ctx context.Context, res *Result) {
	if e.publisher == nil {
		return
	}
	at := e.now().UTC()
	for _, n := range res.Numbers() {
		o := res.Outcomes[n]
		ev := VerdictEvent{
			PassID:         res.PassID,
			Repository:     e.opts.Repository,
			Trigger:        res.Trigger,
			Number:         n,
			Branch:         o.Branch,
			Verdict:        o.Verdict,
			Refs:           o.RefList(),
			MergePermitted: o.Verdict.MergePermitted(),
			At:             at,
		}
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.Warn(ctx, "failed to publish verdict event", zap.Int("number", n), zap.Error(err))
		}
	}
}
