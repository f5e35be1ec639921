// Package retry retries upstream calls (ban registries, arbiters) with
// capped exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy suits a per-source deadline of a few hundred milliseconds.
func DefaultPolicy() Policy {
	return Policy{Attempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Upstream string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d", e.Upstream, e.Status)
}

// Retryable reports whether an HTTP status is worth another attempt:
// server errors and 429.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// CheckStatus returns nil for 2xx, a retryable StatusError for 5xx and 429,
// and a permanent one for everything else.
func CheckStatus(upstream string, status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := &StatusError{Upstream: upstream, Status: status}
	if Retryable(status) {
		return err
	}
	return Permanent(err)
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts run
// out, or ctx ends. The delay doubles each retry with +-25% jitter.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == p.Attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
