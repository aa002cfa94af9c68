// Package gh provides the GitHub client used to read issues, pull requests and discussions.
//
// Issues and pull requests come from the REST API through go-github; discussions
// are only exposed over GraphQL and come through githubv4. Every call fetches a
// single page so the caller owns the pagination loop.
package gh

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// DefaultPageSize is the largest page the GitHub list endpoints accept.
const DefaultPageSize = 100

// Discussion is the subset of a GitHub discussion mirrored into Notion.
type Discussion struct {
	Number   int
	Title    string
	Body     string
	URL      string
	Closed   bool
	Category struct {
		Name string
	}
	Author struct {
		Login string
	}
}

// Credentials selects how requests are authenticated. Token takes precedence;
// otherwise the GitHub App fields must all be set.
type Credentials struct {
	Token string

	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// Client is a GitHub API client.
type Client struct {
	rest    *github.Client
	graphql *githubv4.Client
}

// NewHTTPClient returns an authenticated HTTP client for creds.
func NewHTTPClient(ctx context.Context, creds Credentials) (*http.Client, error) {
	if creds.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.Token})
		return oauth2.NewClient(ctx, ts), nil
	}
	if creds.AppID == 0 || creds.InstallationID == 0 || creds.PrivateKeyPath == "" {
		return nil, fmt.Errorf("no GitHub credentials: set a token or an app id, installation id and private key")
	}
	tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, creds.AppID, creds.InstallationID, creds.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load GitHub App key: %w", err)
	}
	return &http.Client{Transport: tr, Timeout: 60 * time.Second}, nil
}

// New creates a client for github.com.
func New(httpClient *http.Client) *Client {
	return &Client{
		rest:    github.NewClient(httpClient),
		graphql: githubv4.NewClient(httpClient),
	}
}

// NewWithBaseURL creates a client whose REST API lives at baseURL and whose
// GraphQL endpoint is baseURL/graphql (for testing and GitHub Enterprise).
func NewWithBaseURL(httpClient *http.Client, baseURL string) (*Client, error) {
	base := strings.TrimSuffix(baseURL, "/")
	u, err := url.Parse(base + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid GitHub base URL %q: %w", baseURL, err)
	}
	rest := github.NewClient(httpClient)
	rest.BaseURL = u
	return &Client{
		rest:    rest,
		graphql: githubv4.NewEnterpriseClient(base+"/graphql", httpClient),
	}, nil
}

// checkRateLimit logs rate limit information from a REST response.
func checkRateLimit(ctx context.Context, resp *github.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining == 0 {
		clog.WarnContextf(ctx, "GitHub API rate limit exceeded. Resets at %s", resp.Rate.Reset.Format(time.RFC3339))
	}
}

// IssuesPage fetches one page of issues in any state. The issues endpoint
// also returns pull requests; callers filter them with Issue.IsPullRequest.
// next is 0 on the last page.
func (c *Client) IssuesPage(ctx context.Context, owner, repo string, page, perPage int) ([]*github.Issue, int, error) {
	issues, resp, err := c.rest.Issues.ListByRepo(ctx, owner, repo, &github.IssueListByRepoOptions{
		State:       "all",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	checkRateLimit(ctx, resp)
	if err != nil {
		return nil, 0, fmt.Errorf("listing issues for %s/%s (page %d): %w", owner, repo, page, err)
	}
	return issues, resp.NextPage, nil
}

// PullRequestsPage fetches one page of pull requests in any state.
// next is 0 on the last page.
func (c *Client) PullRequestsPage(ctx context.Context, owner, repo string, page, perPage int) ([]*github.PullRequest, int, error) {
	prs, resp, err := c.rest.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State:       "all",
		ListOptions: github.ListOptions{Page: page, PerPage: perPage},
	})
	checkRateLimit(ctx, resp)
	if err != nil {
		return nil, 0, fmt.Errorf("listing pull requests for %s/%s (page %d): %w", owner, repo, page, err)
	}
	return prs, resp.NextPage, nil
}

// DiscussionsPage fetches one page of discussions starting after cursor
// ("" for the first page). next is "" on the last page.
func (c *Client) DiscussionsPage(ctx context.Context, owner, repo, cursor string, perPage int) ([]Discussion, string, error) {
	var query struct {
		Repository struct {
			Discussions struct {
				Nodes    []Discussion
				PageInfo struct {
					EndCursor   githubv4.String
					HasNextPage bool
				}
			} `graphql:"discussions(first: $first, after: $cursor)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}

	variables := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"first":  githubv4.Int(perPage),
		"cursor": (*githubv4.String)(nil),
	}
	if cursor != "" {
		variables["cursor"] = githubv4.NewString(githubv4.String(cursor))
	}

	if err := c.graphql.Query(ctx, &query, variables); err != nil {
		return nil, "", fmt.Errorf("querying discussions for %s/%s: %w", owner, repo, err)
	}

	discussions := query.Repository.Discussions
	next := ""
	if discussions.PageInfo.HasNextPage {
		next = string(discussions.PageInfo.EndCursor)
	}
	return discussions.Nodes, next, nil
}
