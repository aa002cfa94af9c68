// Package logger builds the structured logger carried through every sync pass.
//
// Records are written by a log/slog handler and exposed through clog, so
// callers log with clog.FromContext(ctx) and attach kind/operation fields
// with With. An optional log file is rotated by lumberjack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level represents a log level.
type Level int

const (
	// LevelDebug is the most verbose log level.
	LevelDebug Level = iota
	// LevelInfo is the default log level for general information.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages only.
	LevelError
)

// String returns the string representation of a log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Slog maps the level onto its log/slog equivalent.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a string to a Level.
// Accepts: debug, info, warn, error (case-insensitive).
// Returns an error for unknown level strings.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
	}
}

// Options configures New.
type Options struct {
	Level Level
	// Format is "text" (default) or "json".
	Format string
	// Output receives every record. Defaults to os.Stderr.
	Output io.Writer
	// File, when set, also receives every record and is rotated at MaxSizeMB.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// New builds a logger from opts. The returned close function flushes and
// closes the log file, if any, and is always safe to call.
func New(opts Options) (*clog.Logger, func() error, error) {
	h, closeFn, err := newHandler(opts)
	if err != nil {
		return nil, closeFn, err
	}
	return clog.New(h), closeFn, nil
}

func newHandler(opts Options) (slog.Handler, func() error, error) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	closeFn := func() error { return nil }
	if opts.File != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		out = io.MultiWriter(out, lj)
		closeFn = lj.Close
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level.Slog()}

	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(out, handlerOpts)
	case "json":
		h = slog.NewJSONHandler(out, handlerOpts)
	default:
		return nil, closeFn, fmt.Errorf("unknown log format %q: valid formats are text, json", opts.Format)
	}

	return h, closeFn, nil
}

// Into builds a logger from opts, installs it as the slog default and
// returns a context carrying it.
func Into(ctx context.Context, opts Options) (context.Context, func() error, error) {
	h, closeFn, err := newHandler(opts)
	if err != nil {
		return ctx, closeFn, err
	}
	slog.SetDefault(slog.New(h))
	return clog.WithLogger(ctx, clog.New(h)), closeFn, nil
}
