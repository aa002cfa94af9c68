// Package main provides the CLI entrypoint for ghnotion.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/ghnotion/internal/gh"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitConfig  = 1 // configuration or authentication failure
	ExitPartial = 2 // a kind or an operation failed
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode returns the code for err. Unclassified errors are configuration failures.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitConfig
}

// app holds what the commands read from the outside world.
type app struct {
	env      envconfig.Lookuper
	stdout   io.Writer
	stderr   io.Writer
	discover func() (string, error)
	// notionHTTP overrides the transport for Notion requests.
	notionHTTP *http.Client
}

func defaultApp() *app {
	return &app{
		env:      envconfig.OsLookuper(),
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		discover: gh.DiscoverToken,
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd(defaultApp()).ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(exitCode(err))
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ghnotion",
		Short: "Mirror GitHub issues, discussions and pull requests into Notion",
		Long: `ghnotion reconciles a GitHub repository's issues, discussions and pull
requests into Notion databases. Every run compares the full GitHub snapshot
with the rows already in Notion: existing rows are updated in place and
missing rows are created, so reruns never duplicate pages.

Configuration is read from the environment (NOTION_API_KEY, REPO_OWNER,
REPO_NAME and one NOTION_*_DATABASE_ID per kind).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.AddCommand(newSyncCmd(a))
	root.AddCommand(newReportCmd(a))
	return root
}
