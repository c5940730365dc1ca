package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTest         = errors.New("test error")
	errNonRetryable = errors.New("non-retryable error")
)

func fastConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errTest
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errTest
	})

	if err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if !errors.Is(err, errTest) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	// First try plus two retries.
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestRetry_NonRetryableAbortsImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.NonRetryable = []error{errNonRetryable}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errNonRetryable
	})

	if err == nil {
		t.Fatal("Expected error")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errTest
	})

	if !errors.Is(err, errTest) {
		t.Errorf("Expected test error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastConfig(), func() error {
		return errTest
	})

	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errTest
		}
		return "done", nil
	})

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != "done" {
		t.Errorf("Expected 'done', got: %q", got)
	}
}

func TestDelay_ExponentialSchedule(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, expect := range want {
		if got := Delay(cfg, i); got != expect {
			t.Errorf("Delay(%d) = %v, want %v", i, got, expect)
		}
	}
}

func TestDelay_CappedAtMax(t *testing.T) {
	cfg := Config{
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
	}

	if got := Delay(cfg, 5); got != 3*time.Second {
		t.Errorf("Delay(5) = %v, want max 3s", got)
	}
}

func TestRetry_OnRetryHook(t *testing.T) {
	cfg := fastConfig()
	var notified []int
	cfg.OnRetry = func(attempt int, delay time.Duration) {
		notified = append(notified, attempt)
	}

	attempts := 0
	_ = Retry(context.Background(), cfg, func() error {
		attempts++
		return errTest
	})

	if len(notified) != cfg.MaxAttempts {
		t.Fatalf("Expected %d retry notifications, got %d", cfg.MaxAttempts, len(notified))
	}
	for i, n := range notified {
		if n != i+1 {
			t.Errorf("notification %d = %d, want %d", i, n, i+1)
		}
	}
}
