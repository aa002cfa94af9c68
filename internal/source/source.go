// Package source fetches the full current snapshot of one record kind from GitHub.
package source

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"github.com/JohanCodinha/ghnotion/internal/gh"
	"github.com/JohanCodinha/ghnotion/internal/record"
)

// ErrSourceFetch marks a failed page request. The kind's snapshot is discarded.
var ErrSourceFetch = errors.New("source fetch error")

// Source is the page-level GitHub API the fetcher drives.
type Source interface {
	IssuesPage(ctx context.Context, owner, repo string, page, perPage int) ([]*github.Issue, int, error)
	PullRequestsPage(ctx context.Context, owner, repo string, page, perPage int) ([]*github.PullRequest, int, error)
	DiscussionsPage(ctx context.Context, owner, repo, cursor string, perPage int) ([]gh.Discussion, string, error)
}

// Repo identifies a GitHub repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string { return r.Owner + "/" + r.Name }

// ParseRepo parses "owner/repo" format.
func ParseRepo(s string) (Repo, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repo{}, fmt.Errorf("invalid repo format %q, expected owner/repo", s)
	}
	return Repo{Owner: parts[0], Name: parts[1]}, nil
}

// Fetcher turns paginated GitHub listings into canonical records.
type Fetcher struct {
	src      Source
	pageSize int
	// BackReferences enables parsing Notion page links out of pull request bodies.
	BackReferences bool
}

// New creates a fetcher that requests gh.DefaultPageSize records per page.
func New(src Source) *Fetcher {
	return &Fetcher{src: src, pageSize: gh.DefaultPageSize}
}

// Fetch returns every record of kind in source order. Any page failure
// aborts the kind; no partial snapshot is returned.
func (f *Fetcher) Fetch(ctx context.Context, repo Repo, kind record.Kind) ([]record.Record, error) {
	var (
		records []record.Record
		err     error
	)
	switch kind {
	case record.KindIssues:
		records, err = f.issues(ctx, repo)
	case record.KindPullRequests:
		records, err = f.pullRequests(ctx, repo)
	case record.KindDiscussions:
		records, err = f.discussions(ctx, repo)
	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrSourceFetch, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s for %s: %w", ErrSourceFetch, kind, repo, err)
	}
	clog.FromContext(ctx).Infof("Fetched %d %s from GitHub repository.", len(records), kind)
	return records, nil
}

func (f *Fetcher) issues(ctx context.Context, repo Repo) ([]record.Record, error) {
	var out []record.Record
	skipped := 0
	for page := 1; page != 0; {
		issues, next, err := f.src.IssuesPage(ctx, repo.Owner, repo.Name, page, f.pageSize)
		if err != nil {
			return nil, err
		}
		for _, is := range issues {
			if is.IsPullRequest() {
				skipped++
				continue
			}
			out = append(out, FromIssue(is))
		}
		page = next
	}
	clog.FromContext(ctx).Debugf("source: dropped %d pull requests from the issues listing", skipped)
	return out, nil
}

func (f *Fetcher) pullRequests(ctx context.Context, repo Repo) ([]record.Record, error) {
	var out []record.Record
	for page := 1; page != 0; {
		prs, next, err := f.src.PullRequestsPage(ctx, repo.Owner, repo.Name, page, f.pageSize)
		if err != nil {
			return nil, err
		}
		for _, pr := range prs {
			r := FromPullRequest(pr)
			if f.BackReferences {
				r.MirrorLink = BackReference(r.Body)
			}
			out = append(out, r)
		}
		page = next
	}
	return out, nil
}

func (f *Fetcher) discussions(ctx context.Context, repo Repo) ([]record.Record, error) {
	var out []record.Record
	cursor := ""
	for {
		ds, next, err := f.src.DiscussionsPage(ctx, repo.Owner, repo.Name, cursor, f.pageSize)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			out = append(out, FromDiscussion(d))
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

func state(s string) record.State {
	if strings.EqualFold(s, "closed") {
		return record.StateClosed
	}
	return record.StateOpen
}

// FromIssue converts a GitHub issue. A null body becomes "".
func FromIssue(is *github.Issue) record.Record {
	r := record.Record{
		Kind:  record.KindIssues,
		Key:   record.ExternalKey(is.GetNumber()),
		Title: is.GetTitle(),
		State: state(is.GetState()),
		URL:   is.GetHTMLURL(),
		Body:  is.GetBody(),
	}
	if is.Assignee != nil {
		r.Assignee = is.Assignee.GetLogin()
	}
	for _, l := range is.Labels {
		if name := l.GetName(); name != "" {
			r.Labels = append(r.Labels, name)
		}
	}
	return r
}

// FromPullRequest converts a GitHub pull request, deriving its merge outcome.
func FromPullRequest(pr *github.PullRequest) record.Record {
	r := record.Record{
		Kind:  record.KindPullRequests,
		Key:   record.ExternalKey(pr.GetNumber()),
		Title: pr.GetTitle(),
		State: state(pr.GetState()),
		URL:   pr.GetHTMLURL(),
		Body:  pr.GetBody(),
	}
	switch {
	case r.State == record.StateOpen:
		r.Merge = record.MergeOpen
	case pr.MergedAt != nil && !pr.MergedAt.IsZero():
		r.Merge = record.MergeMerged
	default:
		r.Merge = record.MergeClosedUnmerged
	}
	for _, u := range pr.RequestedReviewers {
		if login := u.GetLogin(); login != "" {
			r.Reviewers = append(r.Reviewers, login)
		}
	}
	for _, l := range pr.Labels {
		if name := l.GetName(); name != "" {
			r.Labels = append(r.Labels, name)
		}
	}
	return r
}

// FromDiscussion converts a GitHub discussion.
func FromDiscussion(d gh.Discussion) record.Record {
	r := record.Record{
		Kind:     record.KindDiscussions,
		Key:      record.ExternalKey(d.Number),
		Title:    d.Title,
		State:    record.StateOpen,
		URL:      d.URL,
		Body:     d.Body,
		Category: d.Category.Name,
		Author:   d.Author.Login,
	}
	if d.Closed {
		r.State = record.StateClosed
	}
	return r
}

// notionLink matches a Notion page URL at the end of a line, e.g.
// https://www.notion.so/Fix-login-flow-0123abcd.
var notionLink = regexp.MustCompile(`(?m)https://www\.notion\.so/([A-Za-z0-9]+(-[A-Za-z0-9]+)+)$`)

// BackReference returns the Notion page ID linked from body, or "".
// The ID is the last dash-separated segment of the link slug.
func BackReference(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	m := notionLink.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	slug := m[1]
	return slug[strings.LastIndex(slug, "-")+1:]
}
