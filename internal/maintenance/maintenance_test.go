package maintenance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/antiraid"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/profile"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/reputation"
)

func TestScheduler_AddValidates(t *testing.T) {
	s := NewScheduler(nil)
	run := func(context.Context) (int, error) { return 0, nil }

	require.NoError(t, s.Add(Job{Name: "a", Schedule: "@every 1h", Run: run}))
	assert.ErrorIs(t, s.Add(Job{Name: "a", Schedule: "@every 1h", Run: run}), ErrDuplicateJob)
	assert.Error(t, s.Add(Job{Name: "b", Schedule: "not a schedule", Run: run}))
	assert.Error(t, s.Add(Job{Name: "", Schedule: "@hourly", Run: run}))
}

func TestScheduler_RunNowRecordsStatus(t *testing.T) {
	s := NewScheduler(nil)
	calls := 0
	require.NoError(t, s.Add(Job{Name: "count", Schedule: "@hourly", Run: func(context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, errors.New("boom")
		}
		return 7, nil
	}}))

	before := testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues("count", "success"))
	n, err := s.RunNow(context.Background(), "count")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MaintenanceRunsTotal.WithLabelValues("count", "success")))

	_, err = s.RunNow(context.Background(), "count")
	assert.EqualError(t, err, "boom")

	st := s.Status()
	require.Len(t, st, 1)
	assert.Equal(t, int64(2), st[0].Runs)
	assert.Equal(t, int64(1), st[0].Failures)
	assert.Equal(t, "boom", st[0].LastError)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestScheduler_RecoversPanics(t *testing.T) {
	s := NewScheduler(nil)
	require.NoError(t, s.Add(Job{Name: "panicky", Schedule: "@hourly", Run: func(context.Context) (int, error) {
		panic("nil map")
	}}))

	_, err := s.RunNow(context.Background(), "panicky")
	assert.ErrorContains(t, err, "panic: nil map")
	assert.False(t, s.Status()[0].Running)
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := NewScheduler(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Schedule: "@hourly", Run: func(ctx context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}}))

	done := make(chan struct{})
	go func() {
		_, _ = s.RunNow(context.Background(), "slow")
		close(done)
	}()
	<-started

	_, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, errAlreadyRunning)
	close(release)
	<-done
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := NewScheduler(nil)
	var runs atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	assert.False(t, s.Status()[0].NextRun.IsZero())
}

func TestRegisterDefaults(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }

	store := identity.NewMemoryStore()
	for i := 0; i < profile.MinMessages; i++ {
		require.NoError(t, store.AppendMessages(ctx, []identity.Message{{
			IdentityID: "u1", GuildID: "g1", Content: "hello world", SentAt: now.Add(-time.Duration(i) * time.Minute),
		}}))
	}
	require.NoError(t, store.AppendMessages(ctx, []identity.Message{{
		IdentityID: "old", GuildID: "g1", Content: "ancient", SentAt: now.AddDate(0, -3, 0),
	}}))

	repStore := reputation.NewMemoryStore()
	rep := reputation.NewService(repStore, reputation.DefaultTrustDeltas(), nil)
	_, err := rep.RecordEvent(ctx, "u1", "g1", reputation.Event{Kind: reputation.EventMessage, Count: 3, At: now})
	require.NoError(t, err)

	windows := antiraid.NewMemoryWindowStore()
	s := NewScheduler(nil)
	require.NoError(t, RegisterDefaults(s, DefaultConfig(), Deps{
		Profiles:   profile.NewRebuilder(store, 7*24*time.Hour, 100),
		Raid:       antiraid.NewMonitor(antiraid.DefaultConfig(), windows, antiraid.NewMemoryIncidentStore()),
		Windows:    windows,
		Messages:   store,
		Limiter:    ratelimit.NewAttemptLimiter(ratelimit.NewMemoryAttemptStore(), ratelimit.DefaultAttemptConfig()),
		Reputation: rep,
		Now:        clock,
	}))
	assert.Len(t, s.Status(), 6)

	n, err := s.RunNow(ctx, "profile_rebuild")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.GetBehaviorProfile(ctx, "u1")
	assert.NoError(t, err)

	n, err = s.RunNow(ctx, "message_prune")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.RunNow(ctx, "reputation_snapshot")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, job := range []string{"raid_sweep", "window_prune", "attempt_cleanup"} {
		_, err := s.RunNow(ctx, job)
		assert.NoError(t, err, job)
	}
}

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewScheduler(nil)
	require.NoError(t, s.Add(Job{Name: "noop", Schedule: "@hourly", Run: func(context.Context) (int, error) { return 3, nil }}))
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/maintenance/noop/run", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":3`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/maintenance/nope/run", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/maintenance", nil))
	assert.Contains(t, w.Body.String(), `"name":"noop"`)
}
