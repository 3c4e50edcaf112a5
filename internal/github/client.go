// Package github implements platform.Platform and platform.Identity on the
// GitHub REST API.
package github

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/covergate/internal/config"
)

// NewClient creates a GitHub client authenticated with token. A non-empty
// baseURL selects a GitHub Enterprise server.
func NewClient(ctx context.Context, token config.Secret, baseURL string) (*gh.Client, error) {
	if !token.IsSet() {
		return nil, fmt.Errorf("GitHub token not set")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
	client := gh.NewClient(oauth2.NewClient(ctx, ts))
	if strings.TrimSpace(baseURL) == "" {
		return client, nil
	}
	client, err := client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", baseURL, err)
	}
	return client, nil
}
