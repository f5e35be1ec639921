package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return CheckStatus("registry shared", http.StatusBadGateway)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(3), func(context.Context) error {
		calls++
		return CheckStatus("registry shared", http.StatusTooManyRequests)
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 StatusError, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_ClientErrorIsNotRetried(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast(5), func(context.Context) error {
		calls++
		return CheckStatus("arbiter", http.StatusUnauthorized)
	})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatal("Do should unwrap PermanentError")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, Policy{Attempts: 5, BaseDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "guild-1")
	err := Do(ctx, fast(1), func(ctx context.Context) error {
		if ctx.Value(key{}) != "guild-1" {
			return errors.New("context not propagated")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("fail")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_MaxDelayCapsBackoff(t *testing.T) {
	start := time.Now()
	_ = Do(context.Background(), Policy{Attempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 10 * time.Millisecond},
		func(context.Context) error { return errors.New("fail") })
	// Three sleeps of at most 12.5ms each.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("backoff not capped: %v", elapsed)
	}
}

func TestCheckStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantNil   bool
		permanent bool
	}{
		{http.StatusOK, true, false},
		{http.StatusNoContent, true, false},
		{http.StatusInternalServerError, false, false},
		{http.StatusServiceUnavailable, false, false},
		{http.StatusTooManyRequests, false, false},
		{http.StatusBadRequest, false, true},
		{http.StatusForbidden, false, true},
	}
	for _, tt := range tests {
		err := CheckStatus("registry", tt.status)
		if tt.wantNil {
			if err != nil {
				t.Errorf("status %d: expected nil, got %v", tt.status, err)
			}
			continue
		}
		var pe *PermanentError
		if got := errors.As(err, &pe); got != tt.permanent {
			t.Errorf("status %d: permanent = %v, want %v", tt.status, got, tt.permanent)
		}
	}
}

func TestCryptoInt64n(t *testing.T) {
	if cryptoInt64n(0) != 0 {
		t.Fatal("n=0 should return 0")
	}
	for i := 0; i < 100; i++ {
		if v := cryptoInt64n(7); v < 0 || v >= 7 {
			t.Fatalf("out of range: %d", v)
		}
	}
}
