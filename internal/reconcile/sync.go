package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/platform"
)

// MutationKind is a platform write.
type MutationKind string

const (
	MutationAddLabel      MutationKind = "add_label"
	MutationRemoveLabel   MutationKind = "remove_label"
	MutationCreateComment MutationKind = "create_comment"
	MutationEditComment   MutationKind = "edit_comment"
)

// Mutation is one planned write against a pull request.
type Mutation struct {
	Kind      MutationKind `json:"kind"`
	Number    int          `json:"number"`
	Label     string       `json:"label,omitempty"`
	CommentID int64        `json:"comment_id,omitempty"`
	Body      string       `json:"body,omitempty"`
}

func (m Mutation) String() string {
	switch m.Kind {
	case MutationAddLabel, MutationRemoveLabel:
		return fmt.Sprintf("%s #%d %q", m.Kind, m.Number, m.Label)
	case MutationEditComment:
		return fmt.Sprintf("%s #%d comment %d", m.Kind, m.Number, m.CommentID)
	}
	return fmt.Sprintf("%s #%d", m.Kind, m.Number)
}

// Plan is the ordered set of writes a pass will make. Writes for one pull
// request keep their order; different pull requests are independent.
type Plan struct {
	Mutations []Mutation `json:"mutations"`
}

// Len returns the number of planned writes.
func (p *Plan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.Mutations)
}

// Empty reports whether the plan has no writes.
func (p *Plan) Empty() bool {
	return p.Len() == 0
}

// ByNumber groups the writes per pull request, in plan order.
func (p *Plan) ByNumber() map[int][]Mutation {
	out := make(map[int][]Mutation)
	if p == nil {
		return out
	}
	for _, m := range p.Mutations {
		out[m.Number] = append(out[m.Number], m)
	}
	return out
}

// CountByKind tallies planned writes per kind.
func (p *Plan) CountByKind() map[MutationKind]int {
	out := make(map[MutationKind]int)
	if p == nil {
		return out
	}
	for _, m := range p.Mutations {
		out[m.Kind]++
	}
	return out
}

func (p *Plan) add(m ...Mutation) {
	p.Mutations = append(p.Mutations, m...)
}

// target is one pull request the synchronizer writes to, with the state that
// was read during planning.
type target struct {
	PR       *platform.PullRequest
	Outcome  *Outcome
	Comments []platform.Comment
	// Own marks the trigger of the pass, whose in-flight marker is removed.
	Own bool
}

// Synchronizer turns verdicts into label and comment writes.
type Synchronizer struct {
	platform      platform.Platform
	labels        Labels
	overrideLabel string
	minJustify    int
	render        *renderer
	concurrency   int
	logger        *logging.Logger
}

// Claim adds the in-flight marker to number before the pass decides the
// writes it will apply.
func (s *Synchronizer) Claim(ctx context.Context, number int) error {
	if err := s.platform.AddLabel(ctx, number, s.labels.Evaluating); err != nil {
		return infraErr("claim", err)
	}
	return nil
}

// Release removes the in-flight marker after an aborted pass. Callers pass
// a context that outlives the pass.
func (s *Synchronizer) Release(ctx context.Context, number int) {
	if err := s.platform.RemoveLabel(ctx, number, s.labels.Evaluating); err != nil {
		s.logger.Warn(ctx, "failed to release in-flight marker",
			zap.Int("number", number), zap.Error(err))
	}
}

// plan computes the writes for t without touching the platform.
func (s *Synchronizer) plan(t target) []Mutation {
	var out []Mutation
	pr, o := t.PR, t.Outcome
	want := s.labels.ForClass(o.Verdict.Class())

	for _, l := range s.labels.VerdictLabels() {
		if !strings.EqualFold(l, want) && pr.HasLabel(l) {
			out = append(out, Mutation{Kind: MutationRemoveLabel, Number: pr.Number, Label: l})
		}
	}
	if o.Override.Outcome == override.RejectedUnauthorized {
		out = append(out, Mutation{Kind: MutationRemoveLabel, Number: pr.Number, Label: s.overrideLabel})
	}
	if t.Own && pr.HasLabel(s.labels.Evaluating) {
		out = append(out, Mutation{Kind: MutationRemoveLabel, Number: pr.Number, Label: s.labels.Evaluating})
	}
	if !pr.HasLabel(want) {
		out = append(out, Mutation{Kind: MutationAddLabel, Number: pr.Number, Label: want})
	}

	switch o.Override.Outcome {
	case override.RejectedUnauthorized:
		out = append(out, upsert(pr.Number, t.Comments, RejectionMarker, s.render.rejection(o.Override))...)
	case override.PendingJustification:
		if _, found := findComment(t.Comments, JustificationMarker); !found {
			out = append(out, Mutation{
				Kind:   MutationCreateComment,
				Number: pr.Number,
				Body:   s.render.justificationRequest(s.minJustify),
			})
		}
	}
	return append(out, upsert(pr.Number, t.Comments, StatusMarker, s.render.status(o))...)
}

// cleanup strips gate labels from a pull request that no longer receives a
// verdict and retires its status comment.
func (s *Synchronizer) cleanup(pr *platform.PullRequest, comments []platform.Comment, reason string) []Mutation {
	var out []Mutation
	for _, l := range append(s.labels.VerdictLabels(), s.labels.Evaluating) {
		if pr.HasLabel(l) {
			out = append(out, Mutation{Kind: MutationRemoveLabel, Number: pr.Number, Label: l})
		}
	}
	if c, found := findComment(comments, StatusMarker); found {
		body := s.render.retired(reason)
		if c.Body != body {
			out = append(out, Mutation{Kind: MutationEditComment, Number: pr.Number, CommentID: c.ID, Body: body})
		}
	}
	return out
}

// hasGateLabels reports whether pr carries any label cleanup would remove.
func (s *Synchronizer) hasGateLabels(pr *platform.PullRequest) bool {
	for _, l := range append(s.labels.VerdictLabels(), s.labels.Evaluating) {
		if pr.HasLabel(l) {
			return true
		}
	}
	return false
}

// Apply executes plan. Pull requests are written concurrently, bounded by the
// configured concurrency; writes to one pull request are sequential.
func (s *Synchronizer) Apply(ctx context.Context, plan *Plan) error {
	groups := plan.ByNumber()
	numbers := make([]int, 0, len(groups))
	for n := range groups {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, n := range numbers {
		mutations := groups[n]
		g.Go(func() error {
			for _, m := range mutations {
				if err := s.apply(gctx, m); err != nil {
					return fmt.Errorf("%s: %w", m, err)
				}
				s.logger.Debug(gctx, "applied mutation", zap.Stringer("mutation", m))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return infraErr("apply", err)
	}
	return nil
}

func (s *Synchronizer) apply(ctx context.Context, m Mutation) error {
	switch m.Kind {
	case MutationAddLabel:
		return s.platform.AddLabel(ctx, m.Number, m.Label)
	case MutationRemoveLabel:
		return s.platform.RemoveLabel(ctx, m.Number, m.Label)
	case MutationCreateComment:
		_, err := s.platform.CreateComment(ctx, m.Number, m.Body)
		return err
	case MutationEditComment:
		return s.platform.EditComment(ctx, m.CommentID, m.Body)
	}
	return fmt.Errorf("unknown mutation kind %q", m.Kind)
}

// upsert edits the comment carrying marker, or creates one. Nothing is
// written when the body is unchanged.
func upsert(number int, comments []platform.Comment, marker, body string) []Mutation {
	c, found := findComment(comments, marker)
	if !found {
		return []Mutation{{Kind: MutationCreateComment, Number: number, Body: body}}
	}
	if c.Body == body {
		return nil
	}
	return []Mutation{{Kind: MutationEditComment, Number: number, CommentID: c.ID, Body: body}}
}

// findComment returns the oldest comment containing marker.
func findComment(comments []platform.Comment, marker string) (platform.Comment, bool) {
	for _, c := range comments {
		if strings.Contains(c.Body, marker) {
			return c, true
		}
	}
	return platform.Comment{}, false
}

// verdictOutcomes flattens plan targets into the result map.
func verdictOutcomes(targets []target) map[int]*Outcome {
	out := make(map[int]*Outcome, len(targets))
	for _, t := range targets {
		if t.Outcome != nil && t.Outcome.Verdict.Valid() {
			out[t.PR.Number] = t.Outcome
		}
	}
	return out
}
