package reputation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/decision"
)

func TestCalculator_NewRecord(t *testing.T) {
	calc := NewCalculator()
	score := calc.Calculate(Record{IdentityID: "u1", GuildID: "g1", Trust: DefaultTrust})

	// trust 50*0.4 + conduct 100*0.25
	assert.InDelta(t, 45.0, score.Score, 0.01)
	assert.Equal(t, TierEstablished, score.Tier)
	assert.Zero(t, score.Components.ActivityScore)
	assert.Zero(t, score.Components.TenureScore)
}

func TestCalculator_ActivityAndTenure(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	calc := NewCalculator()
	calc.now = func() time.Time { return now }

	score := calc.Calculate(Record{
		Trust:     90,
		Messages:  999,
		FirstSeen: now.Add(-365 * 24 * time.Hour),
	})
	assert.InDelta(t, 99.9, score.Components.ActivityScore, 0.1)
	assert.InDelta(t, 85.3, score.Components.TenureScore, 0.5)
	assert.Equal(t, TierPillar, score.Tier)
}

func TestCalculator_ConductPenalties(t *testing.T) {
	calc := NewCalculator()
	score := calc.Calculate(Record{Trust: 10, Warnings: 2, Kicks: 1, Reports: 3})
	assert.Zero(t, score.Components.ConductScore)
	assert.Equal(t, TierNew, score.Tier)
}

func TestTiers(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{0, TierNew},
		{19.9, TierNew},
		{20, TierEmerging},
		{40, TierEstablished},
		{60, TierTrusted},
		{80, TierPillar},
		{100, TierPillar},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getTier(tt.score), "score %v", tt.score)
	}
}

func TestDeltaFor(t *testing.T) {
	deltas := DefaultTrustDeltas()

	d, err := DeltaFor(Event{Kind: EventMessage, Count: 30}, deltas)
	require.NoError(t, err)
	assert.Equal(t, 30, d.Messages)
	assert.InDelta(t, 3.0, d.Trust, 1e-9)
	assert.False(t, d.At.IsZero())

	d, err = DeltaFor(Event{Kind: EventKick}, deltas)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Kicks)
	assert.Equal(t, -15.0, d.Trust)

	_, err = DeltaFor(Event{Kind: "hug"}, deltas)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestRecord_ApplyClampsTrust(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := Record{Trust: 5}
	r.Apply(Delta{Kicks: 1, Trust: -15, At: at})
	assert.Equal(t, 0.0, r.Trust)
	assert.Equal(t, at, r.FirstSeen)

	r.Apply(Delta{Trust: 500, At: at.Add(time.Hour)})
	assert.Equal(t, 100.0, r.Trust)
	assert.Equal(t, at, r.FirstSeen)
	assert.Equal(t, at.Add(time.Hour), r.LastActive)
}

func TestEventForDecision(t *testing.T) {
	at := time.Now()
	assert.Equal(t, EventApproved, EventForDecision(decision.Approved, at).Kind)
	assert.Equal(t, EventChallenged, EventForDecision(decision.Challenge, at).Kind)
	assert.Equal(t, EventDenied, EventForDecision(decision.Denied, at).Kind)
}

func TestService_RecordDecisionAndScore(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), DefaultTrustDeltas(), nil)

	_, err := svc.Score(ctx, "u1", "g1")
	assert.True(t, IsNotFound(err))

	rec, err := svc.RecordDecision(ctx, "u1", "g1", decision.Approved, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 52.0, rec.Trust)
	assert.Equal(t, 1, rec.Approvals)

	rec, err = svc.RecordDecision(ctx, "u1", "g2", decision.Denied, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 40.0, rec.Trust, "guilds are independent")

	score, err := svc.Score(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", score.GuildID)
	assert.Equal(t, 1, score.Record.Approvals)
}

func TestMemoryStore_ConcurrentApply(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Apply(ctx, "u1", "g1", Delta{Messages: 1, At: time.Now()})
		}()
	}
	wg.Wait()

	rec, err := store.Get(ctx, "u1", "g1")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Messages)
}

func TestService_Snapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, DefaultTrustDeltas(), nil)

	old := time.Now().Add(-48 * time.Hour)
	_, err := svc.RecordEvent(ctx, "stale", "g1", Event{Kind: EventMessage, At: old})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, "u1", "g1", Event{Kind: EventMessage, Count: 5})
	require.NoError(t, err)
	_, err = svc.RecordEvent(ctx, "u2", "g1", Event{Kind: EventWarning})
	require.NoError(t, err)

	n, err := svc.Snapshot(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist, err := svc.History(ctx, HistoryQuery{IdentityID: "u2", GuildID: "g1"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Less(t, hist[0].ConductScore, 100.0)

	hist, err = svc.History(ctx, HistoryQuery{IdentityID: "stale", GuildID: "g1"})
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func setupRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_EventThenScore(t *testing.T) {
	svc := NewService(NewMemoryStore(), DefaultTrustDeltas(), nil)
	r := setupRouter(svc)

	body, _ := json.Marshal(map[string]any{"kind": "message", "count": 10})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/identities/u1/reputation/events", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/identities/u1/reputation", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Reputation Score `json:"reputation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Reputation.Record.Messages)
	assert.InDelta(t, 51.0, resp.Reputation.Record.Trust, 1e-9)
}

func TestHandler_RejectsDecisionKinds(t *testing.T) {
	r := setupRouter(NewService(NewMemoryStore(), DefaultTrustDeltas(), nil))

	body, _ := json.Marshal(map[string]any{"kind": "approved"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/guilds/g1/identities/u1/reputation/events", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UnknownIdentity(t *testing.T) {
	r := setupRouter(NewService(NewMemoryStore(), DefaultTrustDeltas(), nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/identities/nobody/reputation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/guilds/g1/identities/nobody/reputation/history?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
