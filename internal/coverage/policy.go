package coverage

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/covergate/internal/reference"
)

// Strategy controls how several comparison pull requests combine.
type Strategy string

const (
	// StrategyDistributed evaluates the union of all eligible comparison pull
	// requests: every reference must be declared by at least one of them,
	// possibly by different pull requests.
	StrategyDistributed Strategy = "distributed"

	// StrategySingle requires one comparison pull request to match on its own.
	StrategySingle Strategy = "single"
)

// ParseStrategy parses a configured strategy name. Empty selects
// StrategyDistributed.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyDistributed:
		return StrategyDistributed, nil
	case StrategySingle:
		return StrategySingle, nil
	}
	return "", fmt.Errorf("unknown matching strategy %q (want %q or %q)", s, StrategyDistributed, StrategySingle)
}

// Policy is the matching policy value object.
//
//	RequireExact  Strategy     covered when
//	false         distributed  union of candidates is a superset of the subject
//	true          distributed  some candidate, or the union of candidates that
//	                           are subsets of the subject, equals the subject
//	false         single       some candidate is a superset of the subject
//	true          single       some candidate equals the subject
type Policy struct {
	RequireExact bool
	Strategy     Strategy
}

// Match is the outcome of evaluating one subject pull request.
type Match struct {
	Covered bool
	// PerRef lists, for each subject reference, the comparison pull requests
	// declaring it. References with no coverage map to an empty slice.
	PerRef map[reference.Ref][]int
	// Missing are subject references no comparison pull request declares.
	Missing reference.Set
	// Extra are references declared by comparison pull requests but not by the
	// subject. Only relevant when RequireExact is set, and empty when an
	// exact match covers the subject.
	Extra reference.Set
	// CoveredBy lists the comparison pull requests that establish coverage.
	CoveredBy []int
}

// AnyCoverage reports whether at least one subject reference is declared on
// the comparison branch.
func (m Match) AnyCoverage() bool {
	for _, prs := range m.PerRef {
		if len(prs) > 0 {
			return true
		}
	}
	return false
}

// Matches compares a single candidate set against the subject set.
func (p Policy) Matches(candidate, subject reference.Set) bool {
	if p.RequireExact {
		return candidate.Equal(subject)
	}
	return candidate.ContainsAll(subject)
}

// Evaluate decides coverage of subject by candidates, the eligible pull
// requests in the comparison branch (typically Group.Branch of the other line).
// Candidates that do not intersect subject are ignored.
func (p Policy) Evaluate(subject reference.Set, candidates []*Entry) Match {
	m := Match{
		PerRef:  make(map[reference.Ref][]int, subject.Len()),
		Missing: make(reference.Set),
		Extra:   make(reference.Set),
	}
	for _, r := range subject.Sorted() {
		m.PerRef[r] = []int{}
	}

	union := make(reference.Set)
	var relevant []*Entry
	for _, c := range candidates {
		if !c.Refs.Intersects(subject) {
			continue
		}
		relevant = append(relevant, c)
		union = union.Union(c.Refs)
		for r := range c.Refs {
			if _, ok := m.PerRef[r]; ok {
				m.PerRef[r] = append(m.PerRef[r], c.Number())
			}
		}
	}
	for r := range m.PerRef {
		sort.Ints(m.PerRef[r])
	}
	m.Missing = subject.Difference(union)
	m.Extra = union.Difference(subject)

	switch p.Strategy {
	case StrategySingle:
		for _, c := range relevant {
			if p.Matches(c.Refs, subject) {
				m.CoveredBy = append(m.CoveredBy, c.Number())
			}
		}
		m.Covered = len(m.CoveredBy) > 0
	default:
		if p.RequireExact {
			m.CoveredBy = exactCover(subject, relevant)
			m.Covered = len(m.CoveredBy) > 0
			break
		}
		m.Covered = len(relevant) > 0 && p.Matches(union, subject)
		if m.Covered {
			for _, c := range relevant {
				m.CoveredBy = append(m.CoveredBy, c.Number())
			}
		}
	}
	if p.RequireExact && m.Covered {
		m.Extra = make(reference.Set)
	}
	sort.Ints(m.CoveredBy)
	return m
}

// exactCover returns the candidates establishing union-exact coverage. A
// candidate equal to subject covers it alone. Otherwise the candidates whose
// sets are subsets of subject must together equal it; a candidate carrying
// an extra reference never spoils coverage established by the others.
func exactCover(subject reference.Set, candidates []*Entry) []int {
	var exact []int
	for _, c := range candidates {
		if c.Refs.Equal(subject) {
			exact = append(exact, c.Number())
		}
	}
	if len(exact) > 0 {
		return exact
	}

	union := make(reference.Set)
	var parts []int
	for _, c := range candidates {
		if subject.ContainsAll(c.Refs) {
			union = union.Union(c.Refs)
			parts = append(parts, c.Number())
		}
	}
	if len(parts) == 0 || !union.Equal(subject) {
		return nil
	}
	return parts
}
