package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-github/v84/github"
	"github.com/sethvargo/go-envconfig"

	"github.com/JohanCodinha/ghnotion/internal/config"
	"github.com/JohanCodinha/ghnotion/internal/gh"
	"github.com/JohanCodinha/ghnotion/internal/ledger"
	"github.com/JohanCodinha/ghnotion/internal/notion"
	"github.com/JohanCodinha/ghnotion/internal/record"
)

type testEnv struct {
	github *gh.MockServer
	notion *notion.MockServer
	env    map[string]string
	ledger string
	stdout *bytes.Buffer
	stderr *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mockGH := gh.NewMockServer()
	t.Cleanup(mockGH.Close)
	mockNotion := notion.NewMockServer()
	t.Cleanup(mockNotion.Close)

	return &testEnv{
		github: mockGH,
		notion: mockNotion,
		env: map[string]string{
			"GITHUB_TOKEN":                  "ghp_test",
			"GITHUB_API_URL":                mockGH.URL,
			"NOTION_API_KEY":                "secret_test",
			"NOTION_ISSUE_DATABASE_ID":      "db-issues",
			"NOTION_DISCUSSION_DATABASE_ID": "db-discussions",
			"NOTION_PR_DATABASE_ID":         "db-pulls",
			"REPO_OWNER":                    "owner",
			"REPO_NAME":                     "repo",
		},
		ledger: filepath.Join(t.TempDir(), "ledger.db"),
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
	}
}

func (e *testEnv) run(args ...string) error {
	a := &app{
		env:        envconfig.MapLookuper(e.env),
		stdout:     e.stdout,
		stderr:     e.stderr,
		discover:   func() (string, error) { return "", errors.New("no gh CLI in tests") },
		notionHTTP: e.notion.HTTPClient(),
	}
	root := newRootCmd(a)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "partial", err: exitError(ExitPartial, "sync incomplete", nil), want: ExitPartial},
		{name: "wrapped exit error", err: errors.Join(errors.New("x"), exitError(ExitPartial, "y", nil)), want: ExitPartial},
		{name: "plain error", err: errors.New("unknown flag"), want: ExitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := exitError(ExitConfig, "invalid configuration", config.ErrConfiguration)
	if got, want := err.Error(), "invalid configuration: configuration error"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, config.ErrConfiguration) {
		t.Error("ExitError should unwrap to its cause")
	}
}

func TestParseKinds(t *testing.T) {
	got, err := parseKinds([]string{"issues", "prs", "issue", " "})
	if err != nil {
		t.Fatalf("parseKinds() unexpected error: %v", err)
	}
	want := []record.Kind{record.KindIssues, record.KindPullRequests}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("parseKinds() = %v, want %v", got, want)
	}

	if _, err := parseKinds([]string{"wiki"}); err == nil {
		t.Error("parseKinds(wiki) expected error")
	}
}

func TestSync_FullRun(t *testing.T) {
	e := newTestEnv(t)
	e.github.AddIssue(&github.Issue{Number: github.Ptr(42), Title: github.Ptr("Crash on start"), State: github.Ptr("open"), Body: github.Ptr("It **crashes**.")})
	e.github.AddIssue(&github.Issue{Number: github.Ptr(43), Title: github.Ptr("Docs"), State: github.Ptr("closed")})
	e.github.AddPullRequest(&github.PullRequest{Number: github.Ptr(7), Title: github.Ptr("Fix crash"), State: github.Ptr("open")})
	e.github.AddDiscussion(gh.Discussion{Number: 3, Title: "Roadmap", URL: "https://github.com/owner/repo/discussions/3"})
	pageA := e.notion.AddRow("db-issues", "Issue Number", 42)

	if err := e.run("sync", "--ledger", e.ledger); err != nil {
		t.Fatalf("sync failed: %v\nstderr: %s", err, e.stderr)
	}

	if n := len(e.notion.Pages("db-issues")); n != 2 {
		t.Errorf("issues database has %d pages, want 2", n)
	}
	if n := len(e.notion.Pages("db-pulls")); n != 1 {
		t.Errorf("pull request database has %d pages, want 1", n)
	}
	if n := len(e.notion.Pages("db-discussions")); n != 1 {
		t.Errorf("discussion database has %d pages, want 1", n)
	}
	p, _ := e.notion.Page(pageA)
	title, _ := p.Properties["issue"]["title"].([]any)
	if len(title) == 0 {
		t.Errorf("existing page %s was not updated: %v", pageA, p.Properties)
	}

	out := e.stdout.String()
	for _, want := range []string{"issues", "discussions", "pull_requests"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	// Second run updates everything and creates nothing.
	before := e.notion.Calls(http.MethodPost, "/v1/pages")
	if err := e.run("sync", "--ledger", e.ledger); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if after := e.notion.Calls(http.MethodPost, "/v1/pages"); after != before {
		t.Errorf("second run created %d pages, want 0", after-before)
	}

	l, err := ledger.Open(e.ledger)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	runs, err := l.ListRuns("owner/repo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("ledger has %d runs, want 2", len(runs))
	}
}

func TestSync_DryRun(t *testing.T) {
	e := newTestEnv(t)
	e.github.AddIssue(&github.Issue{Number: github.Ptr(1), Title: github.Ptr("One"), State: github.Ptr("open")})

	if err := e.run("sync", "--kinds", "issues", "--dry-run", "--no-ledger"); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if n := e.notion.Calls(http.MethodPost, "/v1/pages"); n != 0 {
		t.Errorf("dry run created %d pages", n)
	}
	if !strings.Contains(e.stdout.String(), "Would create") {
		t.Errorf("dry run summary missing planned columns:\n%s", e.stdout)
	}
}

func TestSync_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		unset string
		args  []string
	}{
		{name: "missing notion key", unset: "NOTION_API_KEY", args: []string{"sync"}},
		{name: "missing database for kind", unset: "NOTION_PR_DATABASE_ID", args: []string{"sync"}},
		{name: "unknown kind", args: []string{"sync", "--kinds", "wiki"}},
		{name: "bad batch size", args: []string{"sync", "--batch-size", "0"}},
		{name: "bad log level", args: []string{"sync", "--log-level", "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			if tt.unset != "" {
				delete(e.env, tt.unset)
			}
			err := e.run(append(tt.args, "--no-ledger")...)
			if got := exitCode(err); got != ExitConfig {
				t.Fatalf("exit code = %d (%v), want %d", got, err, ExitConfig)
			}
			if len(e.github.Requests()) != 0 || e.notion.Calls(http.MethodPost, "/v1/") != 0 {
				t.Error("configuration error must be reported before any network call")
			}
		})
	}
}

func TestSync_PartialFailure(t *testing.T) {
	e := newTestEnv(t)
	e.github.AddIssue(&github.Issue{Number: github.Ptr(1), Title: github.Ptr("One"), State: github.Ptr("open")})
	e.notion.FailRequests(http.MethodPost, "/v1/pages", http.StatusBadRequest, -1)

	err := e.run("sync", "--kinds", "issues", "--ledger", e.ledger)
	if got := exitCode(err); got != ExitPartial {
		t.Fatalf("exit code = %d (%v), want %d", got, err, ExitPartial)
	}

	e.stdout.Reset()
	if err := e.run("report", "--ledger", e.ledger); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	out := e.stdout.String()
	if !strings.Contains(out, "1 failed operations") || !strings.Contains(out, "#1") {
		t.Errorf("report missing failed operation:\n%s", out)
	}
}

func TestSync_NotionUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	e.notion.FailRequests(http.MethodPost, "/v1/databases/", http.StatusUnauthorized, -1)

	err := e.run("sync", "--kinds", "issues", "--no-ledger")
	if got := exitCode(err); got != ExitConfig {
		t.Fatalf("exit code = %d (%v), want %d", got, err, ExitConfig)
	}
}

func TestReport(t *testing.T) {
	e := newTestEnv(t)

	if err := e.run("report", "--ledger", e.ledger); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if !strings.Contains(e.stdout.String(), "No runs recorded for owner/repo") {
		t.Errorf("unexpected empty report:\n%s", e.stdout)
	}

	e.github.AddIssue(&github.Issue{Number: github.Ptr(1), Title: github.Ptr("One"), State: github.Ptr("open")})
	if err := e.run("sync", "--kinds", "issues", "--ledger", e.ledger); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	e.stdout.Reset()
	if err := e.run("report", "owner/repo", "--ledger", e.ledger); err != nil {
		t.Fatalf("report failed: %v", err)
	}
	out := e.stdout.String()
	if !strings.Contains(out, "No failed operations.") || !strings.Contains(out, "issues") {
		t.Errorf("unexpected report:\n%s", out)
	}

	e.stdout.Reset()
	if err := e.run("report", "--ledger", e.ledger, "--history", "5"); err != nil {
		t.Fatalf("report --history failed: %v", err)
	}
	if !strings.Contains(e.stdout.String(), "Started") {
		t.Errorf("history missing header:\n%s", e.stdout)
	}
}

func TestReport_NoRepo(t *testing.T) {
	e := newTestEnv(t)
	delete(e.env, "REPO_OWNER")
	err := e.run("report", "--ledger", e.ledger)
	if got := exitCode(err); got != ExitConfig {
		t.Fatalf("exit code = %d, want %d", got, ExitConfig)
	}
}
