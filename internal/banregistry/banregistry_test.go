package banregistry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/circuitbreaker"
)

func newRegistryServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRegistry_Banned(t *testing.T) {
	srv := newRegistryServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bans/u1", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"banned":true,"reason":"raid bot"}`))
	})
	reg := NewHTTPRegistry(HTTPConfig{Name: "globalbans", BaseURL: srv.URL, Token: "tok"}, nil)

	res, err := reg.CheckBanned(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Banned)
	assert.Equal(t, "raid bot", res.Reason)
	assert.Equal(t, "globalbans", res.Source)
}

func TestHTTPRegistry_NotFoundMeansNotBanned(t *testing.T) {
	srv := newRegistryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	reg := NewHTTPRegistry(HTTPConfig{Name: "r", BaseURL: srv.URL}, nil)

	res, err := reg.CheckBanned(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Banned)
}

func TestHTTPRegistry_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newRegistryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"banned":false}`))
	})
	reg := NewHTTPRegistry(HTTPConfig{Name: "r", BaseURL: srv.URL}, nil)

	_, err := reg.CheckBanned(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPRegistry_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newRegistryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized","message":"bad token"}`))
	})
	reg := NewHTTPRegistry(HTTPConfig{Name: "r", BaseURL: srv.URL}, nil)

	_, err := reg.CheckBanned(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPRegistry_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := newRegistryServer(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	reg := NewHTTPRegistry(HTTPConfig{Name: "r", BaseURL: srv.URL}, circuitbreaker.New(2, time.Hour))

	for i := 0; i < 2; i++ {
		_, _ = reg.CheckBanned(context.Background(), "u1")
	}
	_, err := reg.CheckBanned(context.Background(), "u1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
}

type stubRegistry struct {
	name  string
	res   Result
	err   error
	delay time.Duration
}

func (s stubRegistry) Name() string { return s.name }

func (s stubRegistry) CheckBanned(ctx context.Context, _ string) (Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return s.res, s.err
}

func TestChecker_FailuresDegradeToNotBanned(t *testing.T) {
	c := NewChecker(50*time.Millisecond, nil,
		stubRegistry{name: "a", res: Result{Banned: true, Reason: "spam", Source: "a"}},
		stubRegistry{name: "b", err: errors.New("connection refused")},
		stubRegistry{name: "c", delay: time.Second},
		stubRegistry{name: "d", res: Result{Banned: false}},
	)

	rep := c.Check(context.Background(), "u1")
	require.Len(t, rep.Hits, 1)
	assert.Equal(t, "a", rep.Hits[0].Source)
	assert.Equal(t, "spam", rep.Hits[0].Reason)
	assert.Equal(t, []string{"registry.b", "registry.c"}, rep.Degraded)
}

func TestChecker_NoRegistries(t *testing.T) {
	rep := NewChecker(0, nil).Check(context.Background(), "u1")
	assert.Empty(t, rep.Hits)
	assert.Empty(t, rep.Degraded)
}
