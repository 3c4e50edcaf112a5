// Package verdict folds coverage, imbalance, override and sibling state into
// exactly one validation outcome per pull request.
//
// Decide is stateless: every pass recomputes a verdict from current inputs
// and nothing about a previous verdict is carried forward.
package verdict

import (
	"github.com/fyrsmithlabs/covergate/internal/coverage"
	"github.com/fyrsmithlabs/covergate/internal/override"
)

// Verdict is the single validation outcome for one pull request in one pass.
type Verdict string

const (
	Pass          Verdict = "PASS"
	PassOverride  Verdict = "PASS_OVERRIDE"
	WarnImbalance Verdict = "WARN_IMBALANCE"
	FailMissing   Verdict = "FAIL_MISSING"
	FailMismatch  Verdict = "FAIL_MISMATCH"
	Pending       Verdict = "PENDING"
)

// All lists every verdict, in display order.
var All = []Verdict{Pass, PassOverride, WarnImbalance, FailMissing, FailMismatch, Pending}

// Class is the label family a verdict maps to.
type Class string

const (
	ClassBlocked   Class = "blocked"
	ClassValidated Class = "validated"
	ClassWarning   Class = "warning"
)

// MergePermitted reports whether the pull request may merge.
func (v Verdict) MergePermitted() bool {
	switch v {
	case Pass, PassOverride, WarnImbalance:
		return true
	}
	return false
}

// Class returns the label family for v.
func (v Verdict) Class() Class {
	switch v {
	case Pass, PassOverride:
		return ClassValidated
	case WarnImbalance:
		return ClassWarning
	}
	return ClassBlocked
}

// Failed reports whether v is a coverage failure.
func (v Verdict) Failed() bool {
	return v == FailMissing || v == FailMismatch
}

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	for _, k := range All {
		if v == k {
			return true
		}
	}
	return false
}

func (v Verdict) String() string { return string(v) }

// Input is everything Decide looks at for one pull request.
type Input struct {
	// InFlightSiblings are other pull requests sharing a reference that are
	// being evaluated by a concurrent pass.
	InFlightSiblings []int
	Match            coverage.Match
	Imbalance        coverage.ImbalanceReport
	Override         override.Outcome
	RequireExact     bool
}

// Decide returns the verdict for in.
//
//  1. any in-flight sibling                 -> PENDING
//  2. not covered, override granted         -> PASS_OVERRIDE
//  3. not covered, no coverage at all       -> FAIL_MISSING
//  4. not covered, partial, exact mode      -> FAIL_MISMATCH
//  5. not covered, partial, superset mode   -> FAIL_MISSING
//  6. covered, imbalance exceeded           -> WARN_IMBALANCE
//  7. covered                               -> PASS
func Decide(in Input) Verdict {
	if len(in.InFlightSiblings) > 0 {
		return Pending
	}
	if !in.Match.Covered {
		if in.Override == override.Granted {
			return PassOverride
		}
		if in.RequireExact && in.Match.AnyCoverage() {
			return FailMismatch
		}
		return FailMissing
	}
	if in.Imbalance.Warn() {
		return WarnImbalance
	}
	return Pass
}
