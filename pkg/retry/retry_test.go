package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

type classErr struct {
	class     string
	retryable bool
	after     time.Duration
}

func (e *classErr) Error() string             { return "remote " + e.class }
func (e *classErr) IsRetryable() bool         { return e.retryable }
func (e *classErr) ErrorClass() string        { return e.class }
func (e *classErr) RetryAfter() time.Duration { return e.after }

// recordingSleep captures requested waits without sleeping.
func recordingSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return ctx.Err()
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxRetries != 3 {
		t.Errorf("expected MaxRetries=3, got %d", cfg.MaxRetries)
	}
	if cfg.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected InitialDelay=100ms, got %v", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 5*time.Second {
		t.Errorf("expected MaxDelay=5s, got %v", cfg.MaxDelay)
	}
}

func TestRemoteConfig(t *testing.T) {
	cfg := RemoteConfig()
	if cfg.MaxRetries+1 != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.MaxRetries+1)
	}
	if cfg.InitialDelay != 2*time.Second || cfg.MaxDelay != 30*time.Second || cfg.MaxJitter != time.Second {
		t.Errorf("unexpected remote config: %+v", cfg)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Sleep: recordingSleep(&waits)}

	callCount := 0
	err := Do(context.Background(), cfg, func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected no error after retries, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("expected 3 calls, got %d", callCount)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("expected waits [1s 2s], got %v", waits)
	}
}

func TestDo_MaxDelayRespected(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second, Multiplier: 2.0, Sleep: recordingSleep(&waits)}

	err := Do(context.Background(), cfg, func() error { return errors.New("fail") })
	if err == nil {
		t.Fatal("expected error")
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}
	if fmt.Sprint(waits) != fmt.Sprint(want) {
		t.Errorf("expected waits %v, got %v", want, waits)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}

	callCount := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error {
			callCount++
			return errors.New("always fails")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoWithResult_KeepsLastResult(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2.0, Sleep: recordingSleep(&waits)}

	calls := 0
	result, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		calls++
		return calls, errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if result != 3 {
		t.Errorf("expected last result 3, got %d", result)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"plain error text is not inspected", errors.New("HTTP 503 service unavailable"), false},
		{"declared retryable", &classErr{class: "transient", retryable: true}, true},
		{"declared fatal", &classErr{class: "fatal"}, false},
		{"wrapped retryable", fmt.Errorf("create entity: %w", &classErr{class: "throttled", retryable: true}), true},
		{"network op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestDoIfRetryable_PermanentErrorReturnsImmediately(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 4, InitialDelay: time.Second, Multiplier: 2.0, Sleep: recordingSleep(&waits)}

	calls := 0
	fatal := &classErr{class: "fatal"}
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls != 1 || len(waits) != 0 {
		t.Errorf("expected 1 call and no waits, got %d calls, %v", calls, waits)
	}
}

func TestDoIfRetryable_RetryAfterExtendsDelay(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 4, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0, Sleep: recordingSleep(&waits)}

	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return &classErr{class: "throttled", retryable: true, after: 12 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(waits) != 1 || waits[0] != 12*time.Second {
		t.Errorf("expected a single 12s wait, got %v", waits)
	}
}

func TestDoIfRetryable_EscalatesRepeatedErrorClass(t *testing.T) {
	var waits []time.Duration
	cfg := &Config{MaxRetries: 10, InitialDelay: time.Millisecond, Multiplier: 1.0, MaxSameErrorType: 3, Sleep: recordingSleep(&waits)}

	calls := 0
	err := DoIfRetryable(context.Background(), cfg, func() error {
		calls++
		return &classErr{class: "transient", retryable: true}
	})
	if err == nil {
		t.Fatal("expected escalation error")
	}
	if calls != 3 {
		t.Errorf("expected 3 calls before escalation, got %d", calls)
	}
}

func TestDoIfRetryable_OnRetryHook(t *testing.T) {
	var attempts []int
	cfg := &Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		Sleep:        func(context.Context, time.Duration) error { return nil },
		OnRetry:      func(attempt int, _ error, _ time.Duration) { attempts = append(attempts, attempt) },
	}

	_ = DoIfRetryable(context.Background(), cfg, func() error {
		return &classErr{class: "transient", retryable: true}
	})
	if fmt.Sprint(attempts) != "[1 2]" {
		t.Errorf("expected retry hooks for attempts 1 and 2, got %v", attempts)
	}
}

func TestApplyJitter(t *testing.T) {
	cfg := &Config{MaxJitter: time.Second}
	for i := 0; i < 50; i++ {
		d := applyJitter(2*time.Second, cfg)
		if d < 2*time.Second || d >= 3*time.Second {
			t.Fatalf("jittered delay %v outside [2s, 3s)", d)
		}
	}
	if d := applyJitter(time.Second, &Config{}); d != time.Second {
		t.Errorf("expected no jitter, got %v", d)
	}
}
