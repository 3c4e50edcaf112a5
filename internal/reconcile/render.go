package reconcile

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/covergate/internal/override"
	"github.com/fyrsmithlabs/covergate/internal/reference"
	"github.com/fyrsmithlabs/covergate/internal/verdict"
)

// Hidden markers identify the comments the gate owns. They must never change,
// or existing comments would be orphaned.
const (
	StatusMarker        = "<!-- covergate:status -->"
	RejectionMarker     = "<!-- covergate:override-rejected -->"
	JustificationMarker = "<!-- covergate:justification -->"
)

// Markers returns every hidden marker, for excluding gate comments from
// justification search.
func Markers() []string {
	return []string{StatusMarker, RejectionMarker, JustificationMarker}
}

var headlines = map[verdict.Verdict]string{
	verdict.Pass:          "Coverage validated",
	verdict.PassOverride:  "Coverage waived by override",
	verdict.WarnImbalance: "Coverage validated with imbalance warning",
	verdict.FailMissing:   "Coverage missing",
	verdict.FailMismatch:  "Coverage mismatch",
	verdict.Pending:       "Coverage pending",
}

// renderer builds deterministic comment bodies. Nothing time-dependent may
// appear in a body, or re-runs would edit comments they should leave alone.
type renderer struct {
	extractor *reference.Extractor
	override  string
	branches  [2]string
}

func (r *renderer) status(o *Outcome) string {
	var b strings.Builder
	b.WriteString(StatusMarker + "\n")
	fmt.Fprintf(&b, "### %s: `%s`\n\n", headlines[o.Verdict], o.Verdict)
	fmt.Fprintf(&b, "This pull request targets `%s` and declares %s. Coverage is checked against `%s`.\n\n",
		o.Branch, r.extractor.FormatSet(o.Refs), o.Against)

	if o.Verdict == verdict.Pending {
		fmt.Fprintf(&b, "Waiting for the evaluation of %s to finish. Labels will be updated automatically.\n",
			formatNumbers(o.InFlight))
		return b.String()
	}

	b.WriteString("| Reference | Covered by |\n|---|---|\n")
	for _, ref := range o.Refs.Sorted() {
		prs := o.Match.PerRef[ref]
		cell := "none"
		if len(prs) > 0 {
			cell = formatNumbers(prs)
		}
		fmt.Fprintf(&b, "| %s | %s |\n", r.extractor.Format(ref), cell)
	}
	b.WriteString("\n")

	switch o.Verdict {
	case verdict.FailMissing:
		fmt.Fprintf(&b, "Missing on `%s`: %s. Open a pull request against `%s` that references them, or apply `%s` with a justification.\n",
			o.Against, r.extractor.FormatSet(o.Match.Missing), o.Against, r.override)
	case verdict.FailMismatch:
		if !o.Match.Missing.Empty() {
			fmt.Fprintf(&b, "Missing on `%s`: %s.\n", o.Against, r.extractor.FormatSet(o.Match.Missing))
		}
		if !o.Match.Extra.Empty() {
			fmt.Fprintf(&b, "Declared only on `%s`: %s.\n", o.Against, r.extractor.FormatSet(o.Match.Extra))
		}
		b.WriteString("Exact matching is required: both lines must declare the same references.\n")
	case verdict.PassOverride:
		fmt.Fprintf(&b, "The coverage requirement was waived by @%s.\n", o.Override.Actor)
	}

	if o.Imbalance.Warn() {
		b.WriteString("\nImbalance between lines:\n\n")
		for _, s := range o.Imbalance.Exceeded {
			fmt.Fprintf(&b, "- %s: %d on `%s`, %d on `%s`\n",
				r.extractor.Format(s.Ref), s.Primary, r.branches[0], s.Secondary, r.branches[1])
		}
	}

	if o.Override.Outcome == override.PendingJustification {
		fmt.Fprintf(&b, "\n`%s` is present but has no justification yet.\n", r.override)
	}
	return b.String()
}

// retired replaces the status of a pull request that no longer receives a
// verdict.
func (r *renderer) retired(reason string) string {
	return fmt.Sprintf("%s\n### Coverage not evaluated\n\nThis pull request is no longer checked: %s.\n", StatusMarker, reason)
}

func (r *renderer) rejection(d override.Decision) string {
	actor := d.Actor
	if actor == "" {
		actor = "an unknown actor"
	} else {
		actor = "@" + actor
	}
	return fmt.Sprintf("%s\nThe `%s` label applied by %s was removed because they are not an authorized approver.\n",
		RejectionMarker, r.override, actor)
}

func (r *renderer) justificationRequest(minLength int) string {
	return fmt.Sprintf("%s\n`%s` was applied. Reply with a justification of at least %d characters for the override to take effect.\n",
		JustificationMarker, r.override, minLength)
}

func formatNumbers(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, ", ")
}
