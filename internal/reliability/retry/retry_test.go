package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func fastConfig() *Config {
	return &Config{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), quiet, "save", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	})
	if err != nil || got != 42 || calls != 3 {
		t.Fatalf("got %d, %v after %d calls", got, err, calls)
	}
}

func TestDoGivesUp(t *testing.T) {
	cause := errors.New("down")
	_, err := Do(context.Background(), fastConfig(), quiet, "save", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause, got %v", err)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := fastConfig()
	permanent := errors.New("bad input")
	cfg.ShouldRetry = func(err error) bool { return !errors.Is(err, permanent) }

	calls := 0
	_, err := Do(context.Background(), cfg, quiet, "save", func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if calls != 1 || !errors.Is(err, permanent) {
		t.Fatalf("expected a single attempt, got %d calls and %v", calls, err)
	}
}

func TestCalculateBackoffCaps(t *testing.T) {
	cfg := fastConfig()
	if got := calculateBackoff(10, cfg); got != cfg.MaxBackoff {
		t.Fatalf("backoff = %v, want cap %v", got, cfg.MaxBackoff)
	}
}
