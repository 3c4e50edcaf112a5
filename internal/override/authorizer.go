// Package override validates explicit waivers of the coverage requirement.
//
// A waiver is requested by applying the override label to a pull request. The
// Authorizer checks who applied it and whether a justification was left, and
// returns an Outcome the verdict lattice and the synchronizer act on.
package override

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/covergate/internal/platform"
)

// Outcome is the result of authorizing an override claim.
type Outcome string

const (
	// None means the override label is absent.
	None Outcome = "NONE"
	// PendingJustification means the label was applied by an authorized
	// actor but no qualifying justification comment exists yet.
	PendingJustification Outcome = "PENDING_JUSTIFICATION"
	// RejectedUnauthorized means the actor may not grant overrides. The label
	// must be retracted.
	RejectedUnauthorized Outcome = "REJECTED_UNAUTHORIZED"
	// Granted means the override waives a coverage failure.
	Granted Outcome = "GRANTED"
)

// ErrInvalidApprover is returned by NewAuthorizer for malformed allow-list
// entries.
var ErrInvalidApprover = errors.New("invalid approver")

// Config holds the override settings.
type Config struct {
	Label                  string
	RequireJustification   bool
	MinJustificationLength int
	// AllowedApprovers are logins or "@org/team" references. Empty means
	// anyone may apply the override.
	AllowedApprovers []string
}

// Claim is everything the authorizer needs to know about one pull request.
type Claim struct {
	Labels []string
	// Actor is the login that most recently applied the override label, or ""
	// when the platform has no record of it.
	Actor    string
	Comments []platform.Comment
}

// HasLabel reports whether the claim carries label.
func (c Claim) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Decision is the authorizer's answer for one claim.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Actor   string  `json:"actor,omitempty"`
	// Justification is the body of the qualifying comment, if any.
	Justification string `json:"justification,omitempty"`
}

type team struct{ org, slug string }

// Authorizer evaluates override claims.
type Authorizer struct {
	cfg      Config
	identity platform.Identity
	users    map[string]bool
	teams    []team
	// markers identify comments written by the gate, which never count as a
	// justification.
	markers []string
}

// NewAuthorizer parses the allow-list. gateMarkers are the hidden markers the
// gate writes into its own comments.
func NewAuthorizer(cfg Config, identity platform.Identity, gateMarkers ...string) (*Authorizer, error) {
	if strings.TrimSpace(cfg.Label) == "" {
		return nil, errors.New("override label must not be empty")
	}
	if cfg.MinJustificationLength < 0 {
		return nil, fmt.Errorf("min_justification_length must be >= 0, got %d", cfg.MinJustificationLength)
	}

	a := &Authorizer{
		cfg:      cfg,
		identity: identity,
		users:    make(map[string]bool),
		markers:  gateMarkers,
	}
	for _, raw := range cfg.AllowedApprovers {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "@") {
			a.users[strings.ToLower(entry)] = true
			continue
		}
		org, slug, ok := strings.Cut(strings.TrimPrefix(entry, "@"), "/")
		if !ok || org == "" || slug == "" || strings.Contains(slug, "/") {
			return nil, fmt.Errorf("%w %q: team references look like @org/team", ErrInvalidApprover, raw)
		}
		a.teams = append(a.teams, team{org: org, slug: slug})
	}
	if len(a.teams) > 0 && identity == nil {
		return nil, errors.New("team approvers configured without an identity provider")
	}
	return a, nil
}

// Label returns the configured override label.
func (a *Authorizer) Label() string {
	return a.cfg.Label
}

// Restricted reports whether an allow-list is in force.
func (a *Authorizer) Restricted() bool {
	return len(a.users) > 0 || len(a.teams) > 0
}

// Authorize applies the override rules in order: absent label, approver
// check, justification check, grant. The error is non-nil only when identity
// resolution fails.
func (a *Authorizer) Authorize(ctx context.Context, c Claim) (Decision, error) {
	if !c.HasLabel(a.cfg.Label) {
		return Decision{Outcome: None}, nil
	}
	d := Decision{Actor: c.Actor}

	ok, err := a.isApprover(ctx, c.Actor)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		d.Outcome = RejectedUnauthorized
		return d, nil
	}

	if a.cfg.RequireJustification {
		j, found := a.justification(c.Comments)
		if !found {
			d.Outcome = PendingJustification
			return d, nil
		}
		d.Justification = j
	}
	d.Outcome = Granted
	return d, nil
}

func (a *Authorizer) isApprover(ctx context.Context, actor string) (bool, error) {
	if !a.Restricted() {
		return true, nil
	}
	if actor == "" {
		return false, nil
	}
	if a.users[strings.ToLower(actor)] {
		return true, nil
	}
	for _, t := range a.teams {
		member, err := a.identity.IsTeamMember(ctx, t.org, t.slug, actor)
		if err != nil {
			return false, fmt.Errorf("resolve membership of %s in @%s/%s: %w", actor, t.org, t.slug, err)
		}
		if member {
			return true, nil
		}
	}
	return false, nil
}

// justification returns the newest qualifying comment.
func (a *Authorizer) justification(comments []platform.Comment) (string, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		body := strings.TrimSpace(comments[i].Body)
		if body == "" || a.isGateComment(body) {
			continue
		}
		if utf8.RuneCountInString(body) >= a.cfg.MinJustificationLength {
			return body, true
		}
	}
	return "", false
}

func (a *Authorizer) isGateComment(body string) bool {
	for _, m := range a.markers {
		if m != "" && strings.Contains(body, m) {
			return true
		}
	}
	return false
}
