package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/admission"
	"github.com/mbd888/guildgate/internal/config"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/retry"
)

const testAdminSecret = "test-admin-secret-0123"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "json",
		InfraFailurePolicy: "open",
		AdminSecret:        testAdminSecret,
		RateLimitRPM:       6000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	p := config.DefaultPolicy()
	s, err := New(testConfig(), WithPolicy(&p))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func veteran(id, guild string) admission.Request {
	return admission.Request{
		IdentityID:       id,
		GuildID:          guild,
		AccountCreatedAt: time.Now().AddDate(-3, 0, 0),
		DisplayName:      "veteran_" + id,
		HasAvatar:        true,
		PlatformVerified: true,
	}
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "store", resp.Checks[0].Name)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health/live", "", nil).Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "guildgate_")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routeSet := make(map[string]bool)
	for _, route := range s.router.Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/guilds/:guild/admissions",
		"GET:/v1/guilds/:guild/identities/:id/attempts",
		"GET:/v1/guilds/:guild/identities/:id/reputation",
		"POST:/v1/guilds/:guild/identities/:id/reputation/events",
		"POST:/v1/guilds/:guild/events/join",
		"POST:/v1/guilds/:guild/events/message",
		"GET:/v1/guilds/:guild/raid",
		"GET:/v1/identities/:id/altlinks",
		"POST:/v1/altlinks/confirm",
		"POST:/v1/bans",
		"POST:/v1/threat-actors",
		"GET:/v1/audit",
		"POST:/v1/webhooks",
		"GET:/v1/webhooks",
		"DELETE:/v1/webhooks/:webhookId",
		"GET:/v1/maintenance",
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/nonexistent", "", nil).Code)
}

func TestRequestIDEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestAdmissionRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/guilds/g1/admissions", "", veteran("u1", "g1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGuildKeyIsScoped(t *testing.T) {
	s := newTestServer(t)
	raw, _, err := s.authMgr.GenerateKey(context.Background(), "g1", "bot", 0)
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/v1/guilds/g1/admissions", raw, veteran("u1", "g1"))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/guilds/g2/admissions", raw, veteran("u1", "g2"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Guild keys cannot reach moderator routes.
	w = do(t, s, http.MethodGet, "/v1/audit", raw, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestAdmissionEndToEnd(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/guilds/g1/admissions", testAdminSecret, veteran("u1", "g1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Result admission.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, decision.Approved, body.Result.Decision)
	assert.True(t, body.Result.Approved)
	assert.NotEmpty(t, body.Result.AttemptID)

	w = do(t, s, http.MethodGet, "/v1/guilds/g1/identities/u1/attempts", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), body.Result.AttemptID)

	w = do(t, s, http.MethodGet, "/v1/guilds/g1/identities/u1/reputation", testAdminSecret, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/audit?guild=g1&kind=evaluation", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var audit struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &audit))
	assert.Equal(t, 1, audit.Count)
}

func TestJoinFloodLocksDownGuild(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < s.policy.Raid.JoinThreshold; i++ {
		w := do(t, s, http.MethodPost, "/v1/guilds/g1/events/join", testAdminSecret,
			map[string]any{"identityId": fmt.Sprintf("raider-%d", i)})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	}

	w := do(t, s, http.MethodGet, "/v1/guilds/g1/raid", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"LOCKDOWN"`)

	// The transition hook writes an audit entry.
	w = do(t, s, http.MethodGet, "/v1/audit?guild=g1&kind=raid_transition", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "join_flood")

	// Admissions during lockdown are escalated away from plain approval.
	w = do(t, s, http.MethodPost, "/v1/guilds/g1/admissions", testAdminSecret, veteran("late", "g1"))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Result admission.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Result.Lockdown)
	assert.False(t, body.Result.Approved)
}

func TestMaintenanceStatus(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/maintenance", testAdminSecret, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "raid_sweep")
}

func TestInfraPolicyOverride(t *testing.T) {
	cfg := testConfig()
	cfg.InfraFailurePolicy = "closed"
	p := config.DefaultPolicy()

	s, err := New(cfg, WithPolicy(&p))
	require.NoError(t, err)
	assert.Equal(t, admission.InfraFailClosed, s.policy.Admission.InfraPolicy)
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://gg:hunter2@db:5432/guildgate")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "db:5432/guildgate")
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestUpstreamFault(t *testing.T) {
	assert.True(t, upstreamFault(errors.New("dial tcp: connection refused")))
	assert.True(t, upstreamFault(&retry.StatusError{Upstream: "arbiter", Status: http.StatusBadGateway}))
	assert.True(t, upstreamFault(&retry.StatusError{Upstream: "arbiter", Status: http.StatusTooManyRequests}))
	assert.False(t, upstreamFault(fmt.Errorf("wrapped: %w", &retry.StatusError{Upstream: "registry:shared", Status: http.StatusUnauthorized})))
}
