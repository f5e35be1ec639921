package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRateLimited is matched by RateLimitError.
var ErrRateLimited = errors.New("ratelimit: too many attempts")

// RateLimitError reports a rejected attempt and how long to wait.
type RateLimitError struct {
	WaitMinutes int
	Attempts    int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts (%d), retry in %d minutes", e.Attempts, e.WaitMinutes)
}

// Is makes errors.Is(err, ErrRateLimited) work.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// AttemptConfig configures the attempt limiter.
type AttemptConfig struct {
	Window      time.Duration `mapstructure:"window"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// DefaultAttemptConfig allows three attempts per trailing hour.
func DefaultAttemptConfig() AttemptConfig {
	return AttemptConfig{Window: time.Hour, MaxAttempts: 3, Cooldown: 60 * time.Minute}
}

// AttemptResult is the outcome of recording an attempt.
type AttemptResult struct {
	Allowed bool
	Count   int       // attempts in the window, including this one when allowed
	Last    time.Time // most recent recorded attempt
}

// AttemptStore records attempts. Attempt must prune entries older than the
// window, then record now only if fewer than max remain, atomically.
type AttemptStore interface {
	Attempt(ctx context.Context, key string, now time.Time, window time.Duration, max int) (AttemptResult, error)
	Cleanup(ctx context.Context, before time.Time) (int, error)
}

// AttemptLimiter bounds admission attempts per (identity, guild).
type AttemptLimiter struct {
	store AttemptStore
	cfg   AttemptConfig
	now   func() time.Time
}

// NewAttemptLimiter creates an attempt limiter.
func NewAttemptLimiter(store AttemptStore, cfg AttemptConfig) *AttemptLimiter {
	return &AttemptLimiter{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the limiter's time source.
func (l *AttemptLimiter) WithClock(now func() time.Time) *AttemptLimiter {
	l.now = now
	return l
}

// Check records an attempt for (identityID, guildID). It returns a
// *RateLimitError when the window is full; rejected attempts are not
// recorded.
func (l *AttemptLimiter) Check(ctx context.Context, identityID, guildID string) error {
	now := l.now()
	res, err := l.store.Attempt(ctx, attemptKey(identityID, guildID), now, l.cfg.Window, l.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	if res.Allowed {
		return nil
	}
	return &RateLimitError{WaitMinutes: WaitMinutes(l.cfg.Cooldown, now, res.Last), Attempts: res.Count}
}

// Cleanup drops attempt history older than the window.
func (l *AttemptLimiter) Cleanup(ctx context.Context) (int, error) {
	return l.store.Cleanup(ctx, l.now().Add(-l.cfg.Window))
}

// WaitMinutes is ceil((cooldown - (now - last)) / 1m), never below 1.
func WaitMinutes(cooldown time.Duration, now, last time.Time) int {
	remaining := cooldown - now.Sub(last)
	m := int(math.Ceil(remaining.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

func attemptKey(identityID, guildID string) string {
	return "attempts:" + guildID + ":" + identityID
}

// MemoryAttemptStore keeps attempt timestamps in process.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewMemoryAttemptStore creates an in-memory attempt store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string][]time.Time)}
}

func (m *MemoryAttemptStore) Attempt(_ context.Context, key string, now time.Time, window time.Duration, max int) (AttemptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	kept := m.attempts[key][:0]
	for _, t := range m.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= max {
		m.attempts[key] = kept
		return AttemptResult{Allowed: false, Count: len(kept), Last: kept[len(kept)-1]}, nil
	}
	kept = append(kept, now)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Before(kept[j]) })
	m.attempts[key] = kept
	return AttemptResult{Allowed: true, Count: len(kept), Last: now}, nil
}

func (m *MemoryAttemptStore) Cleanup(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, ts := range m.attempts {
		kept := ts[:0]
		for _, t := range ts {
			if t.After(before) {
				kept = append(kept, t)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(m.attempts, key)
		} else {
			m.attempts[key] = kept
		}
	}
	return removed, nil
}

// attemptScript prunes, counts and conditionally records in one round trip.
// Returns {allowed, count, lastMillis}.
var attemptScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return {1, count + 1, now}
end
local last = redis.call('ZRANGE', key, -1, -1, 'WITHSCORES')
return {0, count, tonumber(last[2])}
`)

// RedisAttemptStore shares attempt history across instances. Keys expire
// with the window, so Cleanup is a no-op.
type RedisAttemptStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisAttemptStore creates a Redis-backed attempt store.
func NewRedisAttemptStore(client redis.Cmdable, prefix string) *RedisAttemptStore {
	return &RedisAttemptStore{client: client, prefix: prefix}
}

func (r *RedisAttemptStore) Attempt(ctx context.Context, key string, now time.Time, window time.Duration, max int) (AttemptResult, error) {
	ms := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10)
	vals, err := attemptScript.Run(ctx, r.client, []string{r.prefix + key}, ms, window.Milliseconds(), max, member).Int64Slice()
	if err != nil {
		return AttemptResult{}, fmt.Errorf("attempt script: %w", err)
	}
	if len(vals) != 3 {
		return AttemptResult{}, fmt.Errorf("attempt script: unexpected reply %v", vals)
	}
	return AttemptResult{
		Allowed: vals[0] == 1,
		Count:   int(vals[1]),
		Last:    time.UnixMilli(vals[2]),
	}, nil
}

func (r *RedisAttemptStore) Cleanup(context.Context, time.Time) (int, error) {
	return 0, nil
}
