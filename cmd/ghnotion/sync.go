package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/ghnotion/internal/batch"
	"github.com/JohanCodinha/ghnotion/internal/config"
	"github.com/JohanCodinha/ghnotion/internal/gh"
	"github.com/JohanCodinha/ghnotion/internal/ledger"
	"github.com/JohanCodinha/ghnotion/internal/logger"
	"github.com/JohanCodinha/ghnotion/internal/notion"
	"github.com/JohanCodinha/ghnotion/internal/record"
	"github.com/JohanCodinha/ghnotion/internal/retry"
	"github.com/JohanCodinha/ghnotion/internal/source"
	"github.com/JohanCodinha/ghnotion/internal/sync"
)

type syncFlags struct {
	kinds      []string
	batchSize  int
	dryRun     bool
	propagate  bool
	logLevel   string
	logFormat  string
	logFile    string
	ledgerPath string
	noLedger   bool
	maxRetries int
}

func newSyncCmd(a *app) *cobra.Command {
	f := &syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile GitHub records into their Notion databases",
		Long: `Reconcile every selected kind: build the index of existing Notion rows,
fetch the full GitHub snapshot, then create missing rows and update existing
ones in bounded batches.

Exit status is 0 on full success, 1 on a configuration or authentication
failure and 2 when any kind or operation failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runSync(cmd.Context(), f)
		},
	}

	cmd.Flags().StringSliceVar(&f.kinds, "kinds", []string{"issues", "discussions", "pull_requests"}, "record kinds to sync")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", batch.DefaultSize, "operations in flight per batch")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan operations without writing to Notion")
	cmd.Flags().BoolVar(&f.propagate, "propagate-merge-status", false, "comment on Notion tasks linked from closed pull requests")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "also write logs to this file, rotated")
	cmd.Flags().StringVar(&f.ledgerPath, "ledger", "", "run ledger path (default ~/.cache/ghnotion/{owner}_{repo}.db)")
	cmd.Flags().BoolVar(&f.noLedger, "no-ledger", false, "do not record the run")
	cmd.Flags().IntVar(&f.maxRetries, "max-retries", retry.DefaultConfig().MaxRetries, "retries per transient Notion failure")
	return cmd
}

func parseKinds(names []string) ([]record.Kind, error) {
	seen := make(map[record.Kind]bool)
	var kinds []record.Kind
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		k, err := record.ParseKind(name)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

func (a *app) runSync(ctx context.Context, f *syncFlags) error {
	level, err := logger.ParseLevel(f.logLevel)
	if err != nil {
		return exitError(ExitConfig, "invalid --log-level", err)
	}
	ctx, closeLog, err := logger.Into(ctx, logger.Options{
		Level:  level,
		Format: f.logFormat,
		Output: a.stderr,
		File:   f.logFile,
	})
	defer closeLog()
	if err != nil {
		return exitError(ExitConfig, "failed to set up logging", err)
	}
	log := clog.FromContext(ctx)

	if f.batchSize < 1 {
		return exitError(ExitConfig, "invalid --batch-size", fmt.Errorf("%w: must be at least 1, got %d", config.ErrConfiguration, f.batchSize))
	}
	kinds, err := parseKinds(f.kinds)
	if err != nil {
		return exitError(ExitConfig, "invalid --kinds", fmt.Errorf("%w: %w", config.ErrConfiguration, err))
	}

	cfg, err := config.Load(ctx, a.env)
	if err != nil {
		return exitError(ExitConfig, "failed to load configuration", err)
	}
	if err := cfg.Validate(kinds); err != nil {
		return exitError(ExitConfig, "invalid configuration", err)
	}
	schemas, err := cfg.Schemas()
	if err != nil {
		return exitError(ExitConfig, "failed to load property schemas", err)
	}
	creds, err := cfg.Credentials(a.discover)
	if err != nil {
		return exitError(ExitConfig, "failed to resolve GitHub credentials", err)
	}
	ghHTTP, err := gh.NewHTTPClient(ctx, creds)
	if err != nil {
		return exitError(ExitConfig, "failed to authenticate with GitHub", err)
	}

	ghClient := gh.New(ghHTTP)
	if cfg.GitHubAPIURL != "" {
		if ghClient, err = gh.NewWithBaseURL(ghHTTP, cfg.GitHubAPIURL); err != nil {
			return exitError(ExitConfig, "invalid GITHUB_API_URL", err)
		}
	}

	propagate := f.propagate || cfg.UpdateStatus
	fetcher := source.New(ghClient)
	fetcher.BackReferences = propagate

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = f.maxRetries
	if err := retryCfg.Validate(); err != nil {
		return exitError(ExitConfig, "invalid --max-retries", err)
	}

	repo := cfg.Repo()
	opts := sync.Options{
		Repo: repo,
		Databases: map[record.Kind]string{
			record.KindIssues:       cfg.IssueDatabaseID,
			record.KindDiscussions:  cfg.DiscussionDatabaseID,
			record.KindPullRequests: cfg.PRDatabaseID,
		},
		Schemas:              schemas,
		BatchSize:            f.batchSize,
		DryRun:               f.dryRun,
		Retry:                retryCfg,
		PropagateMergeStatus: propagate,
		UpdateStatus:         cfg.UpdateStatus,
		StatusProperty:       cfg.StatusProperty,
	}

	started := time.Now()
	var runLedger *ledger.Ledger
	if !f.noLedger {
		runLedger = openLedger(ctx, f.ledgerPath, repo)
	}
	if runLedger != nil {
		defer runLedger.Close()
		if id, err := runLedger.StartRun(repo.String(), f.dryRun, started); err != nil {
			log.Warnf("ledger: %v", err)
			runLedger = nil
		} else {
			opts.Ledger, opts.RunID = runLedger, id
		}
	}

	engine := sync.NewEngine(fetcher, notion.New(cfg.NotionAPIKey, a.notionHTTP), opts)
	log.Infof("Syncing %s (%d kinds, batch size %d, dry-run %v)", repo, len(kinds), f.batchSize, f.dryRun)
	summary := engine.Run(ctx, kinds)

	if runLedger != nil {
		if err := runLedger.FinishRun(opts.RunID, time.Now(), kindResults(summary)); err != nil {
			log.Warnf("ledger: %v", err)
		}
	}
	if cfg.PushgatewayURL != "" {
		if err := engine.Metrics().Push(ctx, cfg.PushgatewayURL, repo.String()); err != nil {
			log.Warnf("metrics: %v", err)
		}
	}

	renderSummary(a.stdout, summary)

	for _, k := range summary.Kinds {
		if isAuthError(k.Err) {
			return exitError(ExitConfig, fmt.Sprintf("authentication failed for %s", k.Kind), k.Err)
		}
	}
	if !summary.OK() {
		return exitError(ExitPartial, fmt.Sprintf("sync incomplete: %d kinds failed, %d operations failed", failedKinds(summary), summary.FailedOps()), nil)
	}
	return nil
}

// openLedger opens the run ledger, or returns nil after logging why it could not.
func openLedger(ctx context.Context, path string, repo source.Repo) *ledger.Ledger {
	log := clog.FromContext(ctx)
	if path == "" {
		p, err := ledger.DefaultPath(repo.Owner, repo.Name)
		if err != nil {
			log.Warnf("ledger disabled: %v", err)
			return nil
		}
		path = p
	}
	l, err := ledger.Open(path)
	if err != nil {
		log.Warnf("ledger disabled: %v", err)
		return nil
	}
	log.Debugf("ledger: recording run in %s", l.Path())
	return l
}

func kindResults(s sync.Summary) []ledger.KindResult {
	out := make([]ledger.KindResult, 0, len(s.Kinds))
	for _, k := range s.Kinds {
		r := ledger.KindResult{
			Kind:    string(k.Kind),
			Fetched: k.Fetched,
			Indexed: k.Indexed,
			Creates: k.Created,
			Updates: k.Updated,
			Failed:  len(k.Failures),
		}
		if k.Err != nil {
			r.Error = k.Err.Error()
		}
		out = append(out, r)
	}
	return out
}

func failedKinds(s sync.Summary) int {
	n := 0
	for _, k := range s.Kinds {
		if k.Err != nil {
			n++
		}
	}
	return n
}

// isAuthError reports whether err is a rejected Notion or GitHub credential.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	switch notion.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return ghErr.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}

func renderSummary(w io.Writer, s sync.Summary) {
	headers := []string{"Kind", "Fetched", "Indexed", "Created", "Updated", "Failed", "Status"}
	if s.DryRun {
		headers = []string{"Kind", "Fetched", "Indexed", "Would create", "Would update", "Failed", "Status"}
	}
	table := createStandardTable(headers, w)
	for _, k := range s.Kinds {
		created, updated := k.Created, k.Updated
		if s.DryRun {
			created, updated = k.PlannedCreates, k.PlannedUpdates
		}
		status := "ok"
		switch {
		case k.Err != nil:
			status = k.Err.Error()
		case len(k.Failures) > 0:
			status = "partial"
		case len(k.Duplicates) > 0:
			status = fmt.Sprintf("ok (%d duplicate keys)", len(k.Duplicates))
		}
		_ = table.Append([]string{
			string(k.Kind),
			strconv.Itoa(k.Fetched),
			strconv.Itoa(k.Indexed),
			strconv.Itoa(created),
			strconv.Itoa(updated),
			strconv.Itoa(len(k.Failures)),
			status,
		})
	}
	_ = table.Render()
}
