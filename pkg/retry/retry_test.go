package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"testing"
	"time"

	"github.com/clouddiskfs/clouddiskfs/pkg/errors"
)

func fastConfig(attempts int) Config {
	config := DefaultConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = time.Millisecond
	config.MaxDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetryer_Success(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_RetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		if attempts < 3 {
			return errors.NewError(errors.ErrCodeConnectionTimeout, "connection timeout")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	attempts := 0
	err := New(fastConfig(3)).Do(func() error {
		attempts++
		return errors.NewError(errors.ErrCodeFileNotFound, "file not found")
	})

	if err == nil {
		t.Error("Expected error, got nil")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt (no retry), got %d", attempts)
	}
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	_ = New(fastConfig(3)).Do(func() error {
		attempts++
		return fmt.Errorf("boom")
	})
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestRetryer_Exhausted(t *testing.T) {
	cause := errors.NewError(errors.ErrCodeNetworkError, "offline")
	var retries []int

	err := New(fastConfig(3)).
		WithOnRetry(func(attempt int, err error, delay time.Duration) { retries = append(retries, attempt) }).
		Do(func() error { return cause })

	if !errors.HasCode(err, errors.ErrCodeRetryExhausted) {
		t.Fatalf("Expected RETRY_EXHAUSTED, got %v", err)
	}
	if !stderr.Is(err, cause) {
		t.Error("exhaustion error should wrap the last failure")
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry calls = %v, want [1 2]", retries)
	}
}

func TestRetryer_CustomClassifier(t *testing.T) {
	transient := fmt.Errorf("drive offline")
	config := fastConfig(4)
	config.IsRetryable = func(err error) bool { return stderr.Is(err, transient) }

	attempts := 0
	err := New(config).Do(func() error {
		attempts++
		if attempts < 4 {
			return transient
		}
		return nil
	})
	if err != nil || attempts != 4 {
		t.Errorf("err = %v, attempts = %d", err, attempts)
	}
}

func TestRetryer_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := fastConfig(10)
	config.InitialDelay = time.Hour
	config.MaxDelay = time.Hour

	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- New(config).DoWithContext(ctx, func(context.Context) error {
			attempts++
			return errors.NewError(errors.ErrCodeNetworkError, "offline")
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !stderr.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
}

func TestCalculateDelay(t *testing.T) {
	config := DefaultConfig()
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = time.Second
	config.Jitter = false
	r := New(config)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := r.calculateDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	config.Jitter = true
	r = New(config)
	for i := 0; i < 20; i++ {
		got := r.calculateDelay(1)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jittered delay %v outside +/-20%%", got)
		}
	}
}
