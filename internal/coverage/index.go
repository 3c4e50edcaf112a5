// Package coverage groups pull requests by issue reference and target branch and
// decides whether a pull request's references are covered on the other line.
package coverage

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/covergate/internal/platform"
	"github.com/fyrsmithlabs/covergate/internal/reference"
)

// Branches is the monitored pair of code lines.
type Branches struct {
	Primary   string
	Secondary string
}

// Validate checks that both branches are set and distinct.
func (b Branches) Validate() error {
	if b.Primary == "" || b.Secondary == "" {
		return fmt.Errorf("both monitored branches are required (primary=%q, secondary=%q)", b.Primary, b.Secondary)
	}
	if b.Primary == b.Secondary {
		return fmt.Errorf("monitored branches must differ, both are %q", b.Primary)
	}
	return nil
}

// Contains reports whether branch is one of the monitored pair.
func (b Branches) Contains(branch string) bool {
	return branch == b.Primary || branch == b.Secondary
}

// Other returns the comparison branch for branch.
func (b Branches) Other(branch string) (string, bool) {
	switch branch {
	case b.Primary:
		return b.Secondary, true
	case b.Secondary:
		return b.Primary, true
	}
	return "", false
}

// List returns the pair as a slice, primary first.
func (b Branches) List() []string {
	return []string{b.Primary, b.Secondary}
}

// Filter selects which lifecycle states count towards coverage.
// Open pull requests always count.
type Filter struct {
	IncludeDrafts bool
	IncludeClosed bool // closed without merging
	IncludeMerged bool
}

// Allows reports whether a pull request in state s is eligible.
func (f Filter) Allows(s platform.State) bool {
	switch s {
	case platform.StateOpen:
		return true
	case platform.StateDraft:
		return f.IncludeDrafts
	case platform.StateClosed:
		return f.IncludeClosed
	case platform.StateMerged:
		return f.IncludeMerged
	}
	return false
}

// NeedsInactive reports whether closed or merged pull requests must be fetched.
func (f Filter) NeedsInactive() bool {
	return f.IncludeClosed || f.IncludeMerged
}

// Entry is a pull request with its extracted references.
type Entry struct {
	PR   *platform.PullRequest
	Refs reference.Set
}

// Number is shorthand for e.PR.Number.
func (e *Entry) Number() int {
	return e.PR.Number
}

// Index holds every candidate pull request of a pass with references extracted
// once. It is built from a single batched listing and answers all group
// queries of the pass from memory.
type Index struct {
	branches Branches
	filter   Filter
	entries  []*Entry
	byNumber map[int]*Entry
}

// NewIndex indexes prs. Pull requests that target other branches or declare no
// references are dropped. When a number appears twice the later copy wins, so
// callers can append a freshly fetched trigger to a listing.
func NewIndex(extractor *reference.Extractor, branches Branches, filter Filter, prs []*platform.PullRequest) *Index {
	ix := &Index{
		branches: branches,
		filter:   filter,
		byNumber: make(map[int]*Entry, len(prs)),
	}
	for _, pr := range prs {
		if pr == nil || !branches.Contains(pr.Branch) {
			continue
		}
		refs := extractor.Extract(pr.Title, pr.Body)
		if refs.Empty() {
			delete(ix.byNumber, pr.Number)
			continue
		}
		ix.byNumber[pr.Number] = &Entry{PR: pr, Refs: refs}
	}

	ix.entries = make([]*Entry, 0, len(ix.byNumber))
	for _, e := range ix.byNumber {
		ix.entries = append(ix.entries, e)
	}
	sort.Slice(ix.entries, func(i, j int) bool { return ix.entries[i].Number() < ix.entries[j].Number() })
	return ix
}

// Branches returns the monitored pair.
func (ix *Index) Branches() Branches {
	return ix.branches
}

// Filter returns the inclusion filter.
func (ix *Index) Filter() Filter {
	return ix.filter
}

// Entry looks up an indexed pull request.
func (ix *Index) Entry(number int) (*Entry, bool) {
	e, ok := ix.byNumber[number]
	return e, ok
}

// Len returns the number of indexed pull requests.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Related returns every indexed pull request whose references intersect refs,
// regardless of lifecycle state, ordered by number.
func (ix *Index) Related(refs reference.Set) []*Entry {
	var out []*Entry
	for _, e := range ix.entries {
		if e.Refs.Intersects(refs) {
			out = append(out, e)
		}
	}
	return out
}

// Group builds the CoverageGroup for refs: per branch, the eligible pull
// requests whose references intersect refs.
func (ix *Index) Group(refs reference.Set) *Group {
	g := &Group{
		Refs:    refs,
		buckets: map[string][]*Entry{ix.branches.Primary: nil, ix.branches.Secondary: nil},
	}
	for _, e := range ix.Related(refs) {
		if !ix.filter.Allows(e.PR.State) {
			continue
		}
		g.buckets[e.PR.Branch] = append(g.buckets[e.PR.Branch], e)
	}
	return g
}

// Group is the derived, per-pass CoverageGroup for a reference set.
type Group struct {
	Refs    reference.Set
	buckets map[string][]*Entry
}

// Branch returns the eligible pull requests targeting branch, ordered by number.
func (g *Group) Branch(name string) []*Entry {
	return g.buckets[name]
}

// Count returns how many eligible pull requests on branch declare ref.
func (g *Group) Count(branch string, ref reference.Ref) int {
	n := 0
	for _, e := range g.buckets[branch] {
		if e.Refs.Has(ref) {
			n++
		}
	}
	return n
}

// Contains reports whether the pull request is in the branch bucket.
func (g *Group) Contains(branch string, number int) bool {
	for _, e := range g.buckets[branch] {
		if e.Number() == number {
			return true
		}
	}
	return false
}
