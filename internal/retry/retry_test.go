package retry_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JohanCodinha/ghnotion/internal/retry"
)

func testConfig() retry.Config {
	return retry.Config{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		MaxJitter:   time.Millisecond,
	}
}

func alwaysRetryable(err error) bool { return err != nil }
func neverRetryable(error) bool      { return false }

func TestDo_Success(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	err := retry.Do(context.Background(), testConfig(), "test_op", alwaysRetryable, func() error {
		attempts.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	err := retry.Do(context.Background(), testConfig(), "test_op", alwaysRetryable, func() error {
		if attempts.Add(1) < 3 {
			return errors.New("429 rate_limited")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDo_ExhaustedRetries(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("502 bad gateway")
	var attempts atomic.Int32
	err := retry.Do(context.Background(), testConfig(), "test_op", alwaysRetryable, func() error {
		attempts.Add(1)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", got)
	}
}

func TestDo_NonRetryable(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("400 validation_error")
	var attempts atomic.Int32
	err := retry.Do(context.Background(), testConfig(), "test_op", neverRetryable, func() error {
		attempts.Add(1)
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the original error unwrapped, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestDo_ZeroRetries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxRetries = 0
	sentinel := errors.New("boom")
	var attempts atomic.Int32
	err := retry.Do(context.Background(), cfg, "test_op", alwaysRetryable, func() error {
		attempts.Add(1)
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the original error, got %v", err)
	}
	if got := attempts.Load(); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	err := retry.Do(ctx, cfg, "test_op", alwaysRetryable, func() error {
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     retry.Config
		wantErr bool
	}{
		{name: "default", cfg: retry.DefaultConfig()},
		{name: "zero", cfg: retry.Config{}},
		{name: "negative retries", cfg: retry.Config{MaxRetries: -1}, wantErr: true},
		{name: "negative base", cfg: retry.Config{BaseBackoff: -1}, wantErr: true},
		{name: "negative max", cfg: retry.Config{MaxBackoff: -1}, wantErr: true},
		{name: "negative jitter", cfg: retry.Config{MaxJitter: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigBackoff(t *testing.T) {
	cfg := retry.Config{BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		// A plain shift wraps to zero or a negative delay from here on.
		{35, 10 * time.Second},
		{40, 10 * time.Second},
		{64, 10 * time.Second},
		{1000, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	huge := retry.Config{BaseBackoff: time.Duration(math.MaxInt64 / 3), MaxBackoff: time.Duration(math.MaxInt64)}
	if got := huge.Backoff(3); got != huge.MaxBackoff {
		t.Errorf("Backoff() near overflow = %v, want %v", got, huge.MaxBackoff)
	}
	if got := (retry.Config{MaxBackoff: time.Second}).Backoff(50); got != 0 {
		t.Errorf("Backoff() with zero base = %v, want 0", got)
	}
}
