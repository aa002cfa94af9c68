package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/ghnotion/internal/ledger"
	"github.com/JohanCodinha/ghnotion/internal/source"
)

func newReportCmd(a *app) *cobra.Command {
	var (
		ledgerPath string
		history    int
	)
	cmd := &cobra.Command{
		Use:   "report [owner/repo]",
		Short: "Show the last recorded sync run and the operations that need a retry",
		Long: `Show the last sync run recorded in the ledger: per-kind counts and every
operation that failed. The repository defaults to REPO_OWNER/REPO_NAME.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			repo, err := a.reportRepo(args)
			if err != nil {
				return exitError(ExitConfig, "no repository", err)
			}
			path := ledgerPath
			if path == "" {
				if path, err = ledger.DefaultPath(repo.Owner, repo.Name); err != nil {
					return exitError(ExitConfig, "failed to locate ledger", err)
				}
			}
			l, err := ledger.Open(path)
			if err != nil {
				return exitError(ExitConfig, "failed to open ledger", err)
			}
			defer l.Close()

			if history > 0 {
				runs, err := l.ListRuns(repo.String(), history)
				if err != nil {
					return err
				}
				renderHistory(a.stdout, runs)
				return nil
			}

			run, err := l.LastRun(repo.String())
			if errors.Is(err, ledger.ErrNoRuns) {
				fmt.Fprintf(a.stdout, "No runs recorded for %s\n", repo)
				return nil
			}
			if err != nil {
				return err
			}
			renderRun(a.stdout, run)
			return nil
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "run ledger path (default ~/.cache/ghnotion/{owner}_{repo}.db)")
	cmd.Flags().IntVar(&history, "history", 0, "list the last N runs instead of the latest run's details")
	return cmd
}

func (a *app) reportRepo(args []string) (source.Repo, error) {
	if len(args) == 1 {
		return source.ParseRepo(args[0])
	}
	owner, _ := a.env.Lookup("REPO_OWNER")
	name, _ := a.env.Lookup("REPO_NAME")
	if owner == "" || name == "" {
		return source.Repo{}, fmt.Errorf("pass owner/repo or set REPO_OWNER and REPO_NAME")
	}
	return source.Repo{Owner: owner, Name: name}, nil
}

// createStandardTable creates a table writer with the formatting shared by every report.
func createStandardTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 120,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func renderRun(w io.Writer, run *ledger.Run) {
	mode := ""
	if run.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "Run %d for %s%s\nStarted:  %s\nFinished: %s\n\n", run.ID, run.Repo, mode, formatTime(run.StartedAt), formatTime(run.FinishedAt))

	table := createStandardTable([]string{"Kind", "Fetched", "Indexed", "Created", "Updated", "Failed", "Error"}, w)
	for _, k := range run.Kinds {
		_ = table.Append([]string{
			k.Kind,
			strconv.Itoa(k.Fetched),
			strconv.Itoa(k.Indexed),
			strconv.Itoa(k.Creates),
			strconv.Itoa(k.Updates),
			strconv.Itoa(k.Failed),
			k.Error,
		})
	}
	_ = table.Render()

	if len(run.Failures) == 0 {
		fmt.Fprintln(w, "\nNo failed operations.")
		return
	}
	fmt.Fprintf(w, "\n%d failed operations:\n\n", len(run.Failures))
	failures := createStandardTable([]string{"Kind", "Op", "Number", "Page", "Error"}, w)
	for _, f := range run.Failures {
		page := f.Handle
		if page == "" {
			page = "-"
		}
		_ = failures.Append([]string{f.Kind, f.Op, "#" + strconv.Itoa(f.Number), page, f.Error})
	}
	_ = failures.Render()
}

func renderHistory(w io.Writer, runs []ledger.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	table := createStandardTable([]string{"Run", "Started", "Finished", "Dry run"}, w)
	for _, r := range runs {
		_ = table.Append([]string{strconv.FormatInt(r.ID, 10), formatTime(r.StartedAt), formatTime(r.FinishedAt), strconv.FormatBool(r.DryRun)})
	}
	_ = table.Render()
}
