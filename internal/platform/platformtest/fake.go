// Package platformtest provides an in-memory platform for engine tests.
package platformtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/covergate/internal/platform"
)

// Call records one request made against the fake.
type Call struct {
	Method string
	Number int
	Arg    string
}

// Fake is a concurrency-safe, in-memory platform.Platform and platform.Identity.
//
// Pull requests, comments and label events live in maps; every mutation is
// applied to that state so repeated passes observe their own writes, the way
// they would against the real platform.
type Fake struct {
	mu sync.Mutex

	prs       map[int]*platform.PullRequest
	comments  map[int][]platform.Comment
	branches  map[string]bool
	actors    map[string]string // "number/label" -> login
	teams     map[string]map[string]bool
	nextID    int64
	calls     []Call
	failures  map[string]error
	hooks     map[string]func()
	listCalls int
	now       func() time.Time
}

// New returns an empty fake whose repository has the given branches.
func New(branches ...string) *Fake {
	f := &Fake{
		prs:      make(map[int]*platform.PullRequest),
		comments: make(map[int][]platform.Comment),
		branches: make(map[string]bool),
		actors:   make(map[string]string),
		teams:    make(map[string]map[string]bool),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
		nextID:   1000,
		now:      time.Now,
	}
	for _, b := range branches {
		f.branches[b] = true
	}
	return f
}

// AddPR stores a copy of pr.
func (f *Fake) AddPR(pr platform.PullRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := pr
	cp.Labels = append([]string(nil), pr.Labels...)
	if cp.State == "" {
		cp.State = platform.StateOpen
	}
	f.prs[pr.Number] = &cp
}

// AddComment stores a comment authored by author.
func (f *Fake) AddComment(number int, author, body string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.comments[number] = append(f.comments[number], platform.Comment{ID: f.nextID, Author: author, Body: body})
	return f.nextID
}

// ApplyLabel adds label to a pull request as if actor had applied it in the UI.
func (f *Fake) ApplyLabel(number int, label, actor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.prs[number]; ok && !pr.HasLabel(label) {
		pr.Labels = append(pr.Labels, label)
		pr.UpdatedAt = f.now()
	}
	f.actors[actorKey(number, label)] = actor
}

// AddTeamMember makes login a member of org/team.
func (f *Fake) AddTeamMember(org, team, login string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := org + "/" + team
	if f.teams[key] == nil {
		f.teams[key] = make(map[string]bool)
	}
	f.teams[key][strings.ToLower(login)] = true
}

// FailOn makes every call to method return err until cleared with a nil err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// OnCall runs fn at the start of every call to method, before the fake's
// lock is taken. Tests use it to cancel contexts mid-pass.
func (f *Fake) OnCall(method string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn == nil {
		delete(f.hooks, method)
		return
	}
	f.hooks[method] = fn
}

func (f *Fake) hook(method string) {
	f.mu.Lock()
	fn := f.hooks[method]
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetClock replaces the clock used to stamp UpdatedAt on label changes.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// PR returns a copy of the stored pull request.
func (f *Fake) PR(number int) platform.PullRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr := *f.prs[number]
	pr.Labels = append([]string(nil), pr.Labels...)
	return pr
}

// Labels returns the sorted labels of a pull request.
func (f *Fake) Labels(number int) []string {
	pr := f.PR(number)
	sort.Strings(pr.Labels)
	return pr.Labels
}

// Comments returns a copy of the comments on a pull request.
func (f *Fake) Comments(number int) []platform.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Comment(nil), f.comments[number]...)
}

// Calls returns every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Mutations returns the recorded label and comment writes.
func (f *Fake) Mutations() []Call {
	var out []Call
	for _, c := range f.Calls() {
		switch c.Method {
		case "AddLabel", "RemoveLabel", "CreateComment", "EditComment":
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.listCalls = 0
}

// ListCalls returns how many times ListCandidates was invoked.
func (f *Fake) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *Fake) record(method string, number int, arg string) error {
	f.calls = append(f.calls, Call{Method: method, Number: number, Arg: arg})
	return f.failures[method]
}

// GetPullRequest implements platform.Platform.
func (f *Fake) GetPullRequest(_ context.Context, number int) (*platform.PullRequest, error) {
	f.hook("GetPullRequest")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPullRequest", number, ""); err != nil {
		return nil, err
	}
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("pull request %d: %w", number, platform.ErrNotFound)
	}
	cp := *pr
	cp.Labels = append([]string(nil), pr.Labels...)
	return &cp, nil
}

// ListCandidates implements platform.Platform.
func (f *Fake) ListCandidates(_ context.Context, q platform.CandidateQuery) ([]*platform.PullRequest, error) {
	f.hook("ListCandidates")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := f.record("ListCandidates", 0, strings.Join(q.Branches, ",")); err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(q.Branches))
	for _, b := range q.Branches {
		wanted[b] = true
	}

	numbers := make([]int, 0, len(f.prs))
	for n := range f.prs {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var out []*platform.PullRequest
	for _, n := range numbers {
		pr := f.prs[n]
		if !wanted[pr.Branch] {
			continue
		}
		if !q.IncludeClosed && !pr.State.Active() {
			continue
		}
		cp := *pr
		cp.Labels = append([]string(nil), pr.Labels...)
		out = append(out, &cp)
	}
	return out, nil
}

// BranchExists implements platform.Platform.
func (f *Fake) BranchExists(_ context.Context, name string) (bool, error) {
	f.hook("BranchExists")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BranchExists", 0, name); err != nil {
		return false, err
	}
	return f.branches[name], nil
}

// AddLabel implements platform.Platform.
func (f *Fake) AddLabel(_ context.Context, number int, label string) error {
	f.hook("AddLabel")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddLabel", number, label); err != nil {
		return err
	}
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("pull request %d: %w", number, platform.ErrNotFound)
	}
	if !pr.HasLabel(label) {
		pr.Labels = append(pr.Labels, label)
		pr.UpdatedAt = f.now()
	}
	return nil
}

// RemoveLabel implements platform.Platform.
func (f *Fake) RemoveLabel(_ context.Context, number int, label string) error {
	f.hook("RemoveLabel")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveLabel", number, label); err != nil {
		return err
	}
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("pull request %d: %w", number, platform.ErrNotFound)
	}
	kept := pr.Labels[:0]
	for _, l := range pr.Labels {
		if !strings.EqualFold(l, label) {
			kept = append(kept, l)
		}
	}
	if len(kept) != len(pr.Labels) {
		pr.UpdatedAt = f.now()
	}
	pr.Labels = kept
	return nil
}

// ListComments implements platform.Platform.
func (f *Fake) ListComments(_ context.Context, number int) ([]platform.Comment, error) {
	f.hook("ListComments")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListComments", number, ""); err != nil {
		return nil, err
	}
	return append([]platform.Comment(nil), f.comments[number]...), nil
}

// CreateComment implements platform.Platform.
func (f *Fake) CreateComment(_ context.Context, number int, body string) (*platform.Comment, error) {
	f.hook("CreateComment")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateComment", number, body); err != nil {
		return nil, err
	}
	f.nextID++
	c := platform.Comment{ID: f.nextID, Author: "covergate[bot]", Body: body}
	f.comments[number] = append(f.comments[number], c)
	return &c, nil
}

// EditComment implements platform.Platform.
func (f *Fake) EditComment(_ context.Context, id int64, body string) error {
	f.hook("EditComment")
	f.mu.Lock()
	defer f.mu.Unlock()
	for number, comments := range f.comments {
		for i := range comments {
			if comments[i].ID == id {
				if err := f.record("EditComment", number, body); err != nil {
					return err
				}
				comments[i].Body = body
				return nil
			}
		}
	}
	return fmt.Errorf("comment %d: %w", id, platform.ErrNotFound)
}

// LabelActor implements platform.Platform.
func (f *Fake) LabelActor(_ context.Context, number int, label string) (string, error) {
	f.hook("LabelActor")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("LabelActor", number, label); err != nil {
		return "", err
	}
	return f.actors[actorKey(number, label)], nil
}

// IsTeamMember implements platform.Identity.
func (f *Fake) IsTeamMember(_ context.Context, org, team, login string) (bool, error) {
	f.hook("IsTeamMember")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("IsTeamMember", 0, org+"/"+team+":"+login); err != nil {
		return false, err
	}
	return f.teams[org+"/"+team][strings.ToLower(login)], nil
}

func actorKey(number int, label string) string {
	return fmt.Sprintf("%d/%s", number, strings.ToLower(label))
}
