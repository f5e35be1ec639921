package arbitration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/circuitbreaker"
	"github.com/mbd888/guildgate/internal/decision"
)

func request() *decision.ArbitrationRequest {
	return &decision.ArbitrationRequest{
		Summary:      decision.Summary{IdentityID: "u1", GuildID: "g1", AltMatchCount: 1},
		Flags:        []decision.Flag{decision.FlagNewAccount},
		CurrentScore: 62,
	}
}

func TestArbitrate_AdjustsScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 62, body["currentScore"])
		assert.Equal(t, "moderation-v1", body["model"])
		_, _ = w.Write([]byte(`{"adjustedScore":30,"additionalFlags":["vpn"]}`))
	}))
	defer srv.Close()

	a := New(Config{URL: srv.URL, Model: "moderation-v1"}, nil)
	resp, err := a.Arbitrate(context.Background(), request())
	require.NoError(t, err)
	require.NotNil(t, resp.AdjustedScore)
	assert.Equal(t, 30, *resp.AdjustedScore)
	assert.Equal(t, []decision.Flag{decision.FlagVPN}, resp.AdditionalFlags)
}

func TestArbitrate_NullMeansNoOpinion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`null`))
	}))
	defer srv.Close()

	resp, err := New(Config{URL: srv.URL}, nil).Arbitrate(context.Background(), request())
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestArbitrate_TimeoutKeepsScoreInPolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(`{"adjustedScore":0}`))
	}))
	defer srv.Close()

	p := decision.NewPolicy(decision.DefaultThresholds())
	out, info := p.Resolve(context.Background(), New(Config{URL: srv.URL}, nil), 50*time.Millisecond,
		decision.Summary{IdentityID: "u1"}, 62, nil)

	assert.Equal(t, decision.ActionChallengeLight, out.Action)
	assert.Equal(t, 62, out.Score)
	require.NotNil(t, info)
	assert.NotEmpty(t, info.Error)
}

func TestArbitrate_BreakerStopsCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := New(Config{URL: srv.URL}, circuitbreaker.New(1, time.Hour))
	_, err := a.Arbitrate(context.Background(), request())
	require.Error(t, err)
	_, err = a.Arbitrate(context.Background(), request())
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(1), calls.Load())
}
