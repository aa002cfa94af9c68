//go:build integration

// Package integration contains end-to-end tests that run the whole pipeline
// against mock GitHub and Notion servers.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v84/github"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/JohanCodinha/ghnotion/internal/gh"
	"github.com/JohanCodinha/ghnotion/internal/notion"
	"github.com/JohanCodinha/ghnotion/internal/record"
	"github.com/JohanCodinha/ghnotion/internal/retry"
	"github.com/JohanCodinha/ghnotion/internal/source"
	"github.com/JohanCodinha/ghnotion/internal/sync"
)

type harness struct {
	github *gh.MockServer
	notion *notion.MockServer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{github: gh.NewMockServer(), notion: notion.NewMockServer()}
	t.Cleanup(h.github.Close)
	t.Cleanup(h.notion.Close)
	return h
}

func (h *harness) engine(t *testing.T, mutate func(*sync.Options)) *sync.Engine {
	t.Helper()
	client, err := gh.NewWithBaseURL(http.DefaultClient, h.github.URL)
	if err != nil {
		t.Fatalf("NewWithBaseURL() error: %v", err)
	}
	fetcher := source.New(client)
	opts := sync.Options{
		Repo: source.Repo{Owner: "owner", Name: "repo"},
		Databases: map[record.Kind]string{
			record.KindIssues:       "db-issues",
			record.KindDiscussions:  "db-discussions",
			record.KindPullRequests: "db-pulls",
		},
		Retry: retry.Config{MaxRetries: 2},
	}
	if mutate != nil {
		mutate(&opts)
	}
	fetcher.BackReferences = opts.PropagateMergeStatus
	return sync.NewEngine(fetcher, notion.New("secret_test", h.notion.HTTPClient()), opts)
}

func blockTypes(p notion.MockPage) []string {
	var out []string
	for _, raw := range p.Children {
		var b struct {
			Type string `json:"type"`
		}
		json.Unmarshal(raw, &b)
		out = append(out, b.Type)
	}
	return out
}

// pageByNumber finds the mirrored page whose number property prop is n.
// Creates within a group run concurrently, so page order is not stable.
func pageByNumber(t *testing.T, pages []notion.MockPage, prop string, n int) notion.MockPage {
	t.Helper()
	for _, p := range pages {
		if got, _ := p.Properties[prop]["number"].(float64); int(got) == n {
			return p
		}
	}
	t.Fatalf("no page with %s = %d", prop, n)
	return notion.MockPage{}
}

// TestE2E_FullSnapshot pages through more than one listing page per kind
// and checks every record lands exactly once.
func TestE2E_FullSnapshot(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 130; i++ {
		h.github.AddIssue(&github.Issue{
			Number: github.Ptr(i),
			Title:  github.Ptr(fmt.Sprintf("Issue %d", i)),
			State:  github.Ptr("open"),
		})
	}
	// Pull requests show up in the issues listing; they must not be mirrored as issues.
	h.github.AddIssue(&github.Issue{
		Number:           github.Ptr(500),
		Title:            github.Ptr("A pull request"),
		State:            github.Ptr("open"),
		PullRequestLinks: &github.PullRequestLinks{URL: github.Ptr("https://api.github.com/repos/owner/repo/pulls/500")},
	})
	for i := 1; i <= 120; i++ {
		h.github.AddDiscussion(gh.Discussion{Number: i, Title: fmt.Sprintf("Discussion %d", i)})
	}

	e := h.engine(t, nil)
	ctx := context.Background()
	summary := e.Run(ctx, []record.Kind{record.KindIssues, record.KindDiscussions})
	if !summary.OK() {
		t.Fatalf("first run not OK: %+v", summary)
	}

	if n := len(h.notion.Pages("db-issues")); n != 130 {
		t.Errorf("issues database has %d pages, want 130", n)
	}
	if n := len(h.notion.Pages("db-discussions")); n != 120 {
		t.Errorf("discussion database has %d pages, want 120", n)
	}
	issues, _ := summary.Kind(record.KindIssues)
	if want := []int{10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 10}; fmt.Sprint(issues.CreateGroups) != fmt.Sprint(want) {
		t.Errorf("issue create groups = %v, want %v", issues.CreateGroups, want)
	}

	h.notion.QueryPageSize = 40
	second := h.engine(t, nil).Run(ctx, []record.Kind{record.KindIssues, record.KindDiscussions})
	for _, k := range second.Kinds {
		if k.PlannedCreates != 0 {
			t.Errorf("%s: second run planned %d creates, want 0", k.Kind, k.PlannedCreates)
		}
		if k.Updated != k.Fetched {
			t.Errorf("%s: second run updated %d of %d", k.Kind, k.Updated, k.Fetched)
		}
	}
	if n := len(h.notion.Pages("db-issues")); n != 130 {
		t.Errorf("issues database has %d pages after second run, want 130", n)
	}
}

// TestE2E_MarkdownBody checks the page content built from an issue body.
func TestE2E_MarkdownBody(t *testing.T) {
	h := newHarness(t)
	body := strings.Join([]string{
		"# Steps",
		"",
		"1. Start the app",
		"2. Click **run**",
		"",
		"```go",
		"panic(\"boom\")",
		"```",
		"",
		"- [x] reproduced",
		"",
		"> quoted",
		"",
		"---",
	}, "\n")
	h.github.AddIssue(&github.Issue{Number: github.Ptr(1), Title: github.Ptr("Crash"), State: github.Ptr("open"), Body: github.Ptr(body)})
	h.github.AddIssue(&github.Issue{Number: github.Ptr(2), Title: github.Ptr("No body"), State: github.Ptr("open")})

	summary := h.engine(t, nil).Run(context.Background(), []record.Kind{record.KindIssues})
	if !summary.OK() {
		t.Fatalf("run not OK: %+v", summary)
	}

	pages := h.notion.Pages("db-issues")
	if len(pages) != 2 {
		t.Fatalf("issues database has %d pages, want 2", len(pages))
	}
	want := []string{"heading_1", "numbered_list_item", "numbered_list_item", "code", "to_do", "quote", "divider"}
	if got := blockTypes(pageByNumber(t, pages, "Issue Number", 1)); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("block types = %v, want %v", got, want)
	}
	if n := len(pageByNumber(t, pages, "Issue Number", 2).Children); n != 0 {
		t.Errorf("page without body has %d blocks, want 0", n)
	}
}

// TestE2E_PullRequestsAndPropagation merges a PR linked to a Notion task
// and checks the task hears about it exactly once.
func TestE2E_PullRequestsAndPropagation(t *testing.T) {
	h := newHarness(t)
	task := h.notion.AddPage("db-tasks", map[string]map[string]any{
		"Status": {"type": "status", "status": map[string]any{"name": "In progress"}},
	})
	merged := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.github.AddPullRequest(&github.PullRequest{
		Number:   github.Ptr(11),
		Title:    github.Ptr("Fix crash"),
		State:    github.Ptr("closed"),
		HTMLURL:  github.Ptr("https://github.com/owner/repo/pull/11"),
		MergedAt: &github.Timestamp{Time: merged},
		Body:     github.Ptr("Fixes the crash.\r\n\r\nhttps://www.notion.so/Fix-crash-" + task),
		RequestedReviewers: []*github.User{
			{Login: github.Ptr("alice")},
		},
	})
	h.github.AddPullRequest(&github.PullRequest{
		Number: github.Ptr(12),
		Title:  github.Ptr("Still open"),
		State:  github.Ptr("open"),
	})

	e := h.engine(t, func(o *sync.Options) {
		o.PropagateMergeStatus = true
		o.UpdateStatus = true
		o.StatusProperty = "Status"
	})
	summary := e.Run(context.Background(), []record.Kind{record.KindPullRequests})
	prs, _ := summary.Kind(record.KindPullRequests)
	if !prs.OK() || prs.Created != 2 {
		t.Fatalf("pull request report = %+v", prs)
	}
	if prs.Propagated != 1 {
		t.Errorf("propagated = %d, want 1", prs.Propagated)
	}

	comments := h.notion.Comments(task)
	if len(comments) != 1 || comments[0].Text != "Your PR has been merged!" {
		t.Fatalf("task comments = %+v", comments)
	}
	if lead := comments[0].Segments[0]; !lead.Bold || lead.Link != "https://github.com/owner/repo/pull/11" {
		t.Errorf("comment lead = %+v, want bold link to pull 11", lead)
	}
	p, _ := h.notion.Page(task)
	if st, _ := p.Properties["Status"]["status"].(map[string]any); p.Properties["Status"]["type"] != "status" || st["name"] != "Closed - Merged" {
		t.Errorf("task status = %v, want status Closed - Merged", p.Properties["Status"])
	}

	mirrored := pageByNumber(t, h.notion.Pages("db-pulls"), "Pull Request Number", 11)
	if sel, _ := mirrored.Properties["Merge Status"]["select"].(map[string]any); sel["name"] != "Closed - Merged" {
		t.Errorf("mirrored merge status = %v", mirrored.Properties["Merge Status"])
	}

	// Rerun: the bot already commented, so nothing new is posted.
	h.engine(t, func(o *sync.Options) { o.PropagateMergeStatus = true }).Run(context.Background(), []record.Kind{record.KindPullRequests})
	if n := len(h.notion.Comments(task)); n != 1 {
		t.Errorf("task has %d comments after rerun, want 1", n)
	}
}

// TestE2E_SourceFailureIsolated breaks the GraphQL endpoint for one run and
// checks the other kinds still complete.
func TestE2E_SourceFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.github.AddIssue(&github.Issue{Number: github.Ptr(1), Title: github.Ptr("One"), State: github.Ptr("open")})
	h.github.AddPullRequest(&github.PullRequest{Number: github.Ptr(2), Title: github.Ptr("Two"), State: github.Ptr("open")})

	e := h.engine(t, nil)
	ctx := context.Background()
	// Issues run first; arm the error once its snapshot is in.
	issues := e.SyncKind(ctx, record.KindIssues)
	h.github.SetNextError(http.StatusBadGateway, `{"message":"bad gateway"}`)
	discussions := e.SyncKind(ctx, record.KindDiscussions)
	prs := e.SyncKind(ctx, record.KindPullRequests)

	if !issues.OK() || issues.Created != 1 {
		t.Errorf("issues report = %+v", issues)
	}
	if discussions.Err == nil {
		t.Error("discussions should fail on a broken GraphQL endpoint")
	}
	if !prs.OK() || prs.Created != 1 {
		t.Errorf("pull request report = %+v", prs)
	}

	n, err := testutil.GatherAndCount(e.Metrics().Registry(), "ghnotion_kind_failures_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error: %v", err)
	}
	if n != 1 {
		t.Errorf("kind failure series = %d, want 1", n)
	}
}
