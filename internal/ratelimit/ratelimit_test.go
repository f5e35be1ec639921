package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiter_BurstThenWait(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("bot")
		require.True(t, ok, "request %d within burst", i)
	}
	ok, wait := l.Allow("bot")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	clock.t = clock.t.Add(time.Second)
	ok, _ = l.Allow("bot")
	assert.True(t, ok, "one token refilled after a second")
}

func TestLimiter_RefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 2})
	l.Allow("bot")
	clock.t = clock.t.Add(time.Hour)

	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := l.Allow("bot"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, _ = l.Allow("a")
	assert.False(t, ok)
	ok, _ = l.Allow("b")
	assert.True(t, ok)
}

func TestLimiter_PruneDropsIdleBuckets(t *testing.T) {
	l, clock := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: time.Minute})
	l.Allow("old")
	clock.t = clock.t.Add(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.prune())
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 60
	cfg.BurstSize = 1
	l, _ := newTestLimiter(t, cfg)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/guilds/g1/raid", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("/v1/guilds/g1/raid", "gg_one").Code)
	w := get("/v1/guilds/g1/raid", "gg_one")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// A different key has its own bucket.
	assert.Equal(t, http.StatusOK, get("/v1/guilds/g1/raid", "gg_two").Code)

	// Probes are never limited.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, get("/health/live", "").Code)
	}
}

func TestKey_DoesNotExposeCredential(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.Header.Set("Authorization", "Bearer gg_secretvalue")

	k := Key(c)
	assert.NotContains(t, k, "secretvalue")
	assert.Len(t, k, len("key:")+16)
}
