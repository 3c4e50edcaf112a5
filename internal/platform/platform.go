// Package platform defines the narrow view of the code-hosting platform that the
// coverage engine consumes: pull request queries, label and comment mutations,
// and identity lookups.
//
// The engine never talks to a hosting API directly. Adapters (see
// internal/github) implement these interfaces; tests use platformtest.Fake.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/covergate/internal/reference"
)

// ErrNotFound is returned (wrapped) when a pull request, branch or comment does
// not exist.
var ErrNotFound = errors.New("not found")

// ErrIncomplete is returned (wrapped) when a listing could not be read to
// the end. Verdicts computed from a partial listing are unsound.
var ErrIncomplete = errors.New("listing incomplete")

// State is the lifecycle state of a pull request.
type State string

const (
	StateOpen   State = "open"
	StateDraft  State = "draft"
	StateClosed State = "closed" // closed without merging
	StateMerged State = "merged"
)

// Active reports whether the pull request can still merge, and therefore
// receives verdicts.
func (s State) Active() bool {
	return s == StateOpen || s == StateDraft
}

// PullRequest is the platform-owned view of a change request. The engine
// treats every field as read-only.
type PullRequest struct {
	Number    int       `json:"number"`
	Branch    string    `json:"branch"` // target (base) branch
	State     State     `json:"state"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Labels    []string  `json:"labels"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasLabel reports whether the pull request carries name. Label names are
// compared case-insensitively, as GitHub does.
func (p *PullRequest) HasLabel(name string) bool {
	for _, l := range p.Labels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// Comment is an issue comment on a pull request.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CandidateQuery selects the pull requests a pass needs, in one batched call.
type CandidateQuery struct {
	// Branches are the monitored target branches.
	Branches []string
	// Refs are the references the pass is interested in. Adapters may use them
	// to narrow the query; the engine filters by intersection regardless.
	Refs reference.Set
	// IncludeClosed asks for closed and merged pull requests too.
	IncludeClosed bool
}

// Platform is the hosting platform as seen by the engine.
type Platform interface {
	// GetPullRequest returns a single pull request by number.
	GetPullRequest(ctx context.Context, number int) (*PullRequest, error)

	// ListCandidates returns every pull request targeting one of the
	// requested branches in a single batched (possibly paginated) listing.
	ListCandidates(ctx context.Context, q CandidateQuery) ([]*PullRequest, error)

	// BranchExists reports whether a branch exists in the repository.
	BranchExists(ctx context.Context, name string) (bool, error)

	// AddLabel adds a label to a pull request. Adding a present label is a no-op.
	AddLabel(ctx context.Context, number int, label string) error

	// RemoveLabel removes a label. Removing an absent label is a no-op.
	RemoveLabel(ctx context.Context, number int, label string) error

	// ListComments returns all comments on a pull request, oldest first.
	ListComments(ctx context.Context, number int) ([]Comment, error)

	// CreateComment posts a new comment.
	CreateComment(ctx context.Context, number int, body string) (*Comment, error)

	// EditComment replaces the body of an existing comment.
	EditComment(ctx context.Context, id int64, body string) error

	// LabelActor returns the login of whoever most recently applied label to
	// the pull request, or "" if no such event exists.
	LabelActor(ctx context.Context, number int, label string) (string, error)
}

// Identity answers group membership questions for override approvers.
type Identity interface {
	IsTeamMember(ctx context.Context, org, team, login string) (bool, error)
}
