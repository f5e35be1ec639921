//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/testutil"
)

func TestRedisAttemptStore_FourthAttemptWaits50(t *testing.T) {
	client := testutil.RedisTest(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: start}
	l := NewAttemptLimiter(NewRedisAttemptStore(client, "test:"), DefaultAttemptConfig()).WithClock(clock.now)

	for _, m := range []int{0, 10, 20} {
		clock.t = start.Add(time.Duration(m) * time.Minute)
		require.NoError(t, l.Check(ctx, "u1", "g1"))
	}
	clock.t = start.Add(30 * time.Minute)
	err := l.Check(ctx, "u1", "g1")

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 50, rl.WaitMinutes)
}
