package antiraid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/identity"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestMonitor() (*Monitor, *MemoryIncidentStore, *fakeClock) {
	clock := &fakeClock{t: start}
	incidents := NewMemoryIncidentStore()
	m := NewMonitor(DefaultConfig(), NewMemoryWindowStore(), incidents, WithClock(clock.now))
	return m, incidents, clock
}

func TestMonitor_TenthJoinWithinMinuteTriggersLockdown(t *testing.T) {
	ctx := context.Background()
	m, incidents, clock := newTestMonitor()

	for i := 0; i < 9; i++ {
		at := start.Add(time.Duration(i) * 5 * time.Second)
		clock.set(at)
		st, err := m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), at)
		require.NoError(t, err)
		assert.Equal(t, ModeNormal, st.Mode, "join %d", i+1)
	}

	clock.set(start.Add(45 * time.Second))
	st, err := m.RecordJoin(ctx, "g1", "u9", start.Add(45*time.Second))
	require.NoError(t, err)
	assert.Equal(t, ModeLockdown, st.Mode)
	assert.Equal(t, ThreatCritical, st.Threat)
	assert.Equal(t, start.Add(45*time.Second+5*time.Minute), st.LockdownUntil)

	list, err := incidents.List(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, TriggerJoins, list[0].Trigger)
	assert.Equal(t, 10, list[0].Count)
	assert.Equal(t, ModeNormal, list[0].FromMode)
}

func TestMonitor_JoinsSpreadBeyondWindowDoNotTrigger(t *testing.T) {
	ctx := context.Background()
	m, incidents, _ := newTestMonitor()

	// Ten joins spanning 61 seconds: the first has aged out by the tenth.
	for i := 0; i < 10; i++ {
		at := start.Add(time.Duration(i) * 61 * time.Second / 9)
		st, err := m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), at)
		require.NoError(t, err)
		assert.Equal(t, ModeNormal, st.Mode, "join %d", i+1)
	}
	list, _ := incidents.List(ctx, "g1", 0)
	assert.Empty(t, list)
}

func TestMonitor_RetriggerDuringLockdownIsNoop(t *testing.T) {
	ctx := context.Background()
	m, incidents, clock := newTestMonitor()

	var last Status
	for i := 0; i < 15; i++ {
		var err error
		at := start.Add(time.Duration(i) * time.Second)
		clock.set(at)
		last, err = m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), at)
		require.NoError(t, err)
	}
	assert.Equal(t, ModeLockdown, last.Mode)
	assert.Equal(t, start.Add(9*time.Second+5*time.Minute), last.LockdownUntil, "lockdown not extended")

	list, _ := incidents.List(ctx, "g1", 0)
	assert.Len(t, list, 1)
}

func TestMonitor_DecaysToElevatedThenLow(t *testing.T) {
	ctx := context.Background()
	m, incidents, clock := newTestMonitor()

	for i := 0; i < 10; i++ {
		at := start.Add(time.Duration(i) * time.Second)
		clock.set(at)
		_, err := m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), at)
		require.NoError(t, err)
	}
	until := start.Add(9*time.Second + 5*time.Minute)

	clock.set(until.Add(-time.Second))
	assert.True(t, m.InLockdown(ctx, "g1"))

	clock.set(until)
	st := mustStatus(t, m, "g1")
	assert.Equal(t, ModeNormal, st.Mode)
	assert.Equal(t, ThreatElevated, st.Threat)

	clock.set(until.Add(29 * time.Minute))
	assert.Equal(t, ThreatElevated, mustStatus(t, m, "g1").Threat)

	clock.set(until.Add(30 * time.Minute))
	assert.Equal(t, ThreatLow, mustStatus(t, m, "g1").Threat)

	list, _ := incidents.List(ctx, "g1", 0)
	require.Len(t, list, 3)
	assert.Equal(t, TriggerQuiet, list[0].Trigger)
	assert.Equal(t, TriggerExpired, list[1].Trigger)
	assert.Equal(t, TriggerJoins, list[2].Trigger)
}

func TestMonitor_MessageFlood(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor()

	var st Status
	for i := 0; i < 20; i++ {
		var err error
		st, err = m.RecordMessage(ctx, "g1", "u1", start.Add(time.Duration(i)*400*time.Millisecond))
		require.NoError(t, err)
		if i < 19 {
			assert.Equal(t, ModeNormal, st.Mode, "message %d", i+1)
		}
	}
	assert.Equal(t, ModeLockdown, st.Mode)
}

func TestMonitor_GuildsAreIndependent(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor()

	for i := 0; i < 10; i++ {
		_, err := m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), start)
		require.NoError(t, err)
	}
	assert.True(t, mustStatus(t, m, "g1").InLockdown())
	assert.False(t, mustStatus(t, m, "g2").InLockdown())
}

func TestMonitor_SweepAndHook(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMonitor()

	var mu sync.Mutex
	var seen []Trigger
	m.OnTransition(func(inc Incident) {
		mu.Lock()
		seen = append(seen, inc.Trigger)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		_, err := m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), start)
		require.NoError(t, err)
	}
	clock.set(start.Add(time.Hour))
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Trigger{TriggerJoins, TriggerExpired, TriggerQuiet}, seen)
}

func TestMonitor_StaleEventsCannotBackdateLockdown(t *testing.T) {
	ctx := context.Background()
	m, _, clock := newTestMonitor()
	now := start.Add(time.Hour)
	clock.set(now)

	// A batch stamped four minutes ago still counts, but the lockdown runs
	// from the monitor's clock.
	var st Status
	for i := 0; i < 10; i++ {
		var err error
		st, err = m.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), now.Add(-4*time.Minute).Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}
	assert.Equal(t, ModeLockdown, st.Mode)
	assert.Equal(t, now.Add(5*time.Minute), st.LockdownUntil)
	assert.Equal(t, now, st.LastTriggerAt)
	assert.True(t, m.InLockdown(ctx, "g1"))
}

func TestMonitor_RejectsEventsOutsideSkew(t *testing.T) {
	ctx := context.Background()
	m, incidents, clock := newTestMonitor()
	clock.set(start.Add(time.Hour))

	tests := []struct {
		name string
		at   time.Time
	}{
		{"stale", start},
		{"future", start.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.RecordJoin(ctx, "g1", "u1", tt.at)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
	list, _ := incidents.List(ctx, "g1", 0)
	assert.Empty(t, list)
}

func TestMonitor_SharedStateLocksDownEveryInstance(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: start}
	windows := NewMemoryWindowStore()
	states := NewMemoryStateStore()
	incidents := NewMemoryIncidentStore()
	a := NewMonitor(DefaultConfig(), windows, incidents, WithClock(clock.now), WithStateStore(states))
	b := NewMonitor(DefaultConfig(), windows, incidents, WithClock(clock.now), WithStateStore(states))

	for i := 0; i < 12; i++ {
		mon := a
		if i%2 == 1 {
			mon = b
		}
		_, err := mon.RecordJoin(ctx, "g1", fmt.Sprintf("u%d", i), start)
		require.NoError(t, err)
	}
	assert.True(t, a.InLockdown(ctx, "g1"))
	assert.True(t, b.InLockdown(ctx, "g1"))

	list, _ := incidents.List(ctx, "g1", 0)
	require.Len(t, list, 1, "one instance records the transition")

	clock.set(start.Add(time.Hour))
	na, err := a.Sweep(ctx)
	require.NoError(t, err)
	nb, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, na+nb)
	assert.False(t, b.InLockdown(ctx, "g1"))

	active, err := states.Active(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMonitor_RejectsEmptyGuild(t *testing.T) {
	m, _, _ := newTestMonitor()
	_, err := m.RecordJoin(context.Background(), "", "u1", start)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func mustStatus(t *testing.T, m *Monitor, guildID string) Status {
	t.Helper()
	st, err := m.Status(context.Background(), guildID)
	require.NoError(t, err)
	return st
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.JoinThreshold = 0
	assert.Error(t, cfg.Validate())
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []identity.Message
}

func (s *recordingSink) AppendMessages(_ context.Context, msgs []identity.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
	return nil
}

func TestHandler_JoinFloodAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, incidents, clock := newTestMonitor()
	sink := &recordingSink{}
	h := NewHandler(m, incidents, sink)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	for i := 0; i < 10; i++ {
		body := fmt.Sprintf(`{"identityId":"u%d","at":%q}`, i, start.Add(time.Duration(i)*time.Second).Format(time.RFC3339))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/events/join", strings.NewReader(body)))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	clock.set(start.Add(time.Minute))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/raid", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Raid Status `json:"raid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ModeLockdown, resp.Raid.Mode)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/raid/incidents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}

func TestHandler_MessageStoredForProfiling(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, incidents, _ := newTestMonitor()
	sink := &recordingSink{}
	r := gin.New()
	NewHandler(m, incidents, sink).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/events/message",
		strings.NewReader(`{"identityId":"u1","content":"hello there"}`)))
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Len(t, sink.msgs, 1)
	assert.Equal(t, "g1", sink.msgs[0].GuildID)
	assert.Equal(t, "hello there", sink.msgs[0].Content)
}

func TestHandler_RejectsBadIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, incidents, _ := newTestMonitor()
	r := gin.New()
	NewHandler(m, incidents, nil).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/events/join",
		strings.NewReader(`{"identityId":"bad id"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RejectsStaleEvent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, incidents, clock := newTestMonitor()
	clock.set(start.Add(time.Hour))
	r := gin.New()
	NewHandler(m, incidents, nil).RegisterRoutes(r.Group("/v1"))

	body := fmt.Sprintf(`{"identityId":"u1","at":%q}`, start.Format(time.RFC3339))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/events/join", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_event")
}
