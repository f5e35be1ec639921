package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestAttemptLimiter_FourthAttemptWaits50(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewAttemptLimiter(NewMemoryAttemptStore(), DefaultAttemptConfig()).WithClock(clock.now)

	for _, offset := range []time.Duration{0, 10 * time.Minute, 20 * time.Minute} {
		clock.t = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).Add(offset)
		require.NoError(t, l.Check(ctx, "u1", "g1"), "offset %s", offset)
	}

	clock.t = time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	err := l.Check(ctx, "u1", "g1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 50, rl.WaitMinutes)
	assert.Equal(t, 3, rl.Attempts)
}

func TestAttemptLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewAttemptLimiter(NewMemoryAttemptStore(), AttemptConfig{Window: time.Hour, MaxAttempts: 1, Cooldown: time.Hour})

	require.NoError(t, l.Check(ctx, "u1", "g1"))
	assert.Error(t, l.Check(ctx, "u1", "g1"))
	assert.NoError(t, l.Check(ctx, "u1", "g2"))
	assert.NoError(t, l.Check(ctx, "u2", "g1"))
}

func TestAttemptLimiter_WindowSlides(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	l := NewAttemptLimiter(NewMemoryAttemptStore(), DefaultAttemptConfig()).WithClock(clock.now)

	for i := 0; i < 3; i++ {
		clock.t = start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, l.Check(ctx, "u", "g"))
	}
	clock.t = start.Add(61 * time.Minute)
	assert.NoError(t, l.Check(ctx, "u", "g"), "oldest attempt aged out")
}

func TestAttemptLimiter_RejectedAttemptsNotRecorded(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	l := NewAttemptLimiter(NewMemoryAttemptStore(), DefaultAttemptConfig()).WithClock(clock.now)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Check(ctx, "u", "g"))
	}
	for i := 0; i < 5; i++ {
		clock.t = start.Add(time.Duration(30+i) * time.Minute)
		assert.Error(t, l.Check(ctx, "u", "g"))
	}
	clock.t = start.Add(61 * time.Minute)
	assert.NoError(t, l.Check(ctx, "u", "g"))
}

func TestWaitMinutes(t *testing.T) {
	now := time.Now()
	assert.Equal(t, 50, WaitMinutes(time.Hour, now, now.Add(-10*time.Minute)))
	assert.Equal(t, 60, WaitMinutes(time.Hour, now, now.Add(-30*time.Second)))
	assert.Equal(t, 1, WaitMinutes(time.Hour, now, now.Add(-2*time.Hour)))
}

func TestMemoryAttemptStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryAttemptStore()
	now := time.Now()
	_, _ = s.Attempt(ctx, "k", now.Add(-2*time.Hour), time.Hour, 3)
	_, _ = s.Attempt(ctx, "k", now, time.Hour, 3)

	n, err := s.Cleanup(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
