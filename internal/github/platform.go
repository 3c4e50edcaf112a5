package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/covergate/internal/logging"
	"github.com/fyrsmithlabs/covergate/internal/platform"
)

const (
	perPage         = 100
	defaultMaxPages = 10
)

// Platform talks to one repository.
type Platform struct {
	client   *gh.Client
	owner    string
	repo     string
	maxPages int
	retry    *retrier
	logger   *logging.Logger
}

// Option configures a Platform.
type Option func(*Platform)

// WithRetry overrides DefaultRetryConfig.
func WithRetry(cfg RetryConfig) Option {
	return func(p *Platform) {
		p.retry.config = cfg
		p.retry.config.ApplyDefaults()
	}
}

// WithLogger sets the logger used for retry and pagination diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(p *Platform) {
		p.logger = l
		p.retry.logger = l
	}
}

// WithMaxPages bounds the pull request listing. Values below one keep the
// default.
func WithMaxPages(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.maxPages = n
		}
	}
}

// New returns a Platform for owner/repo.
func New(client *gh.Client, owner, repo string, opts ...Option) *Platform {
	p := &Platform{
		client:   client,
		owner:    owner,
		repo:     repo,
		maxPages: defaultMaxPages,
		retry:    newRetrier(DefaultRetryConfig(), nil),
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var (
	_ platform.Platform = (*Platform)(nil)
	_ platform.Identity = (*Platform)(nil)
)

func isNotFound(resp *gh.Response) bool {
	return statusCode(resp) == http.StatusNotFound
}

// GetPullRequest implements platform.Platform.
func (p *Platform) GetPullRequest(ctx context.Context, number int) (*platform.PullRequest, error) {
	var pr *gh.PullRequest
	resp, err := p.retry.do(ctx, "get pull request", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		pr, resp, err = p.client.PullRequests.Get(ctx, p.owner, p.repo, number)
		return resp, err
	})
	if err != nil {
		if isNotFound(resp) {
			return nil, fmt.Errorf("pull request #%d: %w", number, platform.ErrNotFound)
		}
		return nil, fmt.Errorf("get pull request #%d: %w", number, err)
	}
	return convertPR(pr), nil
}

// ListCandidates implements platform.Platform. It lists every pull request
// of the repository once and keeps those targeting the requested branches;
// the listing API filters by a single base branch only. A listing longer
// than maxPages fails with platform.ErrIncomplete.
func (p *Platform) ListCandidates(ctx context.Context, q platform.CandidateQuery) ([]*platform.PullRequest, error) {
	wanted := make(map[string]bool, len(q.Branches))
	for _, b := range q.Branches {
		wanted[b] = true
	}
	state := "open"
	if q.IncludeClosed {
		state = "all"
	}
	opts := &gh.PullRequestListOptions{
		State:       state,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: perPage},
	}

	var out []*platform.PullRequest
	for page := 1; ; page++ {
		opts.Page = page
		var prs []*gh.PullRequest
		resp, err := p.retry.do(ctx, "list pull requests", func() (*gh.Response, error) {
			var resp *gh.Response
			var err error
			prs, resp, err = p.client.PullRequests.List(ctx, p.owner, p.repo, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list pull requests page %d: %w", page, err)
		}
		for _, pr := range prs {
			if wanted[pr.GetBase().GetRef()] {
				out = append(out, convertPR(pr))
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		if page >= p.maxPages {
			p.logger.Warn(ctx, "pull request listing truncated",
				zap.Int("max_pages", p.maxPages),
				zap.String("state", state),
			)
			return nil, fmt.Errorf("list pull requests: more than %d pages: %w", p.maxPages, platform.ErrIncomplete)
		}
	}
	return out, nil
}

// BranchExists implements platform.Platform. Renamed branches are reported
// as missing: the refs API does not follow branch renames.
func (p *Platform) BranchExists(ctx context.Context, name string) (bool, error) {
	resp, err := p.retry.do(ctx, "get branch ref", func() (*gh.Response, error) {
		_, resp, err := p.client.Git.GetRef(ctx, p.owner, p.repo, "heads/"+name)
		return resp, err
	})
	if err != nil {
		if isNotFound(resp) {
			return false, nil
		}
		return false, fmt.Errorf("get branch %q: %w", name, err)
	}
	return true, nil
}

// AddLabel implements platform.Platform.
func (p *Platform) AddLabel(ctx context.Context, number int, label string) error {
	_, err := p.retry.do(ctx, "add label", func() (*gh.Response, error) {
		_, resp, err := p.client.Issues.AddLabelsToIssue(ctx, p.owner, p.repo, number, []string{label})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("add label %q to #%d: %w", label, number, err)
	}
	return nil
}

// RemoveLabel implements platform.Platform. An absent label is not an error.
func (p *Platform) RemoveLabel(ctx context.Context, number int, label string) error {
	resp, err := p.retry.do(ctx, "remove label", func() (*gh.Response, error) {
		return p.client.Issues.RemoveLabelForIssue(ctx, p.owner, p.repo, number, label)
	})
	if err != nil && !isNotFound(resp) {
		return fmt.Errorf("remove label %q from #%d: %w", label, number, err)
	}
	return nil
}

// ListComments implements platform.Platform.
func (p *Platform) ListComments(ctx context.Context, number int) ([]platform.Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		Sort:        gh.String("created"),
		Direction:   gh.String("asc"),
		ListOptions: gh.ListOptions{PerPage: perPage},
	}
	var out []platform.Comment
	for page := 1; ; page++ {
		opts.Page = page
		var comments []*gh.IssueComment
		resp, err := p.retry.do(ctx, "list comments", func() (*gh.Response, error) {
			var resp *gh.Response
			var err error
			comments, resp, err = p.client.Issues.ListComments(ctx, p.owner, p.repo, number, opts)
			return resp, err
		})
		if err != nil {
			return nil, fmt.Errorf("list comments on #%d: %w", number, err)
		}
		for _, c := range comments {
			out = append(out, convertComment(c))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
	}
}

// CreateComment implements platform.Platform.
func (p *Platform) CreateComment(ctx context.Context, number int, body string) (*platform.Comment, error) {
	var created *gh.IssueComment
	_, err := p.retry.do(ctx, "create comment", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		created, resp, err = p.client.Issues.CreateComment(ctx, p.owner, p.repo, number, &gh.IssueComment{Body: gh.String(body)})
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("create comment on #%d: %w", number, err)
	}
	c := convertComment(created)
	return &c, nil
}

// EditComment implements platform.Platform.
func (p *Platform) EditComment(ctx context.Context, id int64, body string) error {
	resp, err := p.retry.do(ctx, "edit comment", func() (*gh.Response, error) {
		_, resp, err := p.client.Issues.EditComment(ctx, p.owner, p.repo, id, &gh.IssueComment{Body: gh.String(body)})
		return resp, err
	})
	if err != nil {
		if isNotFound(resp) {
			return fmt.Errorf("comment %d: %w", id, platform.ErrNotFound)
		}
		return fmt.Errorf("edit comment %d: %w", id, err)
	}
	return nil
}

// LabelActor implements platform.Platform by scanning the issue timeline for
// the most recent "labeled" event.
func (p *Platform) LabelActor(ctx context.Context, number int, label string) (string, error) {
	opts := &gh.ListOptions{PerPage: perPage}
	actor := ""
	for page := 1; ; page++ {
		opts.Page = page
		var events []*gh.IssueEvent
		resp, err := p.retry.do(ctx, "list issue events", func() (*gh.Response, error) {
			var resp *gh.Response
			var err error
			events, resp, err = p.client.Issues.ListIssueEvents(ctx, p.owner, p.repo, number, opts)
			return resp, err
		})
		if err != nil {
			return "", fmt.Errorf("list events on #%d: %w", number, err)
		}
		for _, ev := range events {
			if ev.GetEvent() == "labeled" && strings.EqualFold(ev.GetLabel().GetName(), label) {
				actor = ev.GetActor().GetLogin()
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return actor, nil
		}
	}
}

// IsTeamMember implements platform.Identity. Pending invitations do not
// count.
func (p *Platform) IsTeamMember(ctx context.Context, org, team, login string) (bool, error) {
	var membership *gh.Membership
	resp, err := p.retry.do(ctx, "get team membership", func() (*gh.Response, error) {
		var resp *gh.Response
		var err error
		membership, resp, err = p.client.Teams.GetTeamMembershipBySlug(ctx, org, team, login)
		return resp, err
	})
	if err != nil {
		if isNotFound(resp) {
			return false, nil
		}
		return false, fmt.Errorf("get membership of %s in @%s/%s: %w", login, org, team, err)
	}
	return membership.GetState() == "active", nil
}

func convertPR(pr *gh.PullRequest) *platform.PullRequest {
	out := &platform.PullRequest{
		Number:    pr.GetNumber(),
		Branch:    pr.GetBase().GetRef(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		Author:    pr.GetUser().GetLogin(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
	switch {
	case pr.MergedAt != nil || pr.GetMerged():
		out.State = platform.StateMerged
	case pr.GetState() == "closed":
		out.State = platform.StateClosed
	case pr.GetDraft():
		out.State = platform.StateDraft
	default:
		out.State = platform.StateOpen
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertComment(c *gh.IssueComment) platform.Comment {
	return platform.Comment{
		ID:        c.GetID(),
		Author:    c.GetUser().GetLogin(),
		Body:      c.GetBody(),
		CreatedAt: c.GetCreatedAt().Time,
	}
}
