package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func decisionEvent(guild string, score int, decision string, review bool) *Event {
	return &Event{
		Type:    EventDecision,
		GuildID: guild,
		Data: map[string]any{
			"score":                score,
			"decision":             decision,
			"requiresManualReview": review,
		},
	}
}

func TestSubscription_Matches(t *testing.T) {
	lockdown := &Event{Type: EventLockdown, GuildID: "g1"}
	denied := decisionEvent("g1", 90, "DENIED", true)
	approved := decisionEvent("g2", 10, "APPROVED", false)

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"empty matches all", Subscription{}, approved, true},
		{"type filter", Subscription{Types: []EventType{EventLockdown}}, denied, false},
		{"type filter hit", Subscription{Types: []EventType{EventLockdown}}, lockdown, true},
		{"guild filter", Subscription{Guilds: []string{"g1"}}, approved, false},
		{"min score drops low", Subscription{MinScore: 50}, approved, false},
		{"min score keeps high", Subscription{MinScore: 50}, denied, true},
		{"min score ignores raid events", Subscription{MinScore: 50}, lockdown, true},
		{"decision filter", Subscription{Decisions: []string{"DENIED", "CHALLENGE"}}, approved, false},
		{"review only", Subscription{ReviewOnly: true}, approved, false},
		{"review only hit", Subscription{ReviewOnly: true}, denied, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

func TestSubscription_MatchesJSONScores(t *testing.T) {
	// Scores decoded from JSON arrive as float64.
	ev := &Event{Type: EventDecision, Data: map[string]any{"score": float64(30)}}
	assert.False(t, Subscription{MinScore: 31}.Matches(ev))
	assert.True(t, Subscription{MinScore: 30}.Matches(ev))
}

func TestClient_ScopeOverridesSubscription(t *testing.T) {
	c := &Client{scope: "g1", sub: Subscription{Guilds: []string{"g2"}}}
	assert.False(t, c.wants(&Event{Type: EventBan, GuildID: "g2"}))

	c.sub = Subscription{}
	assert.True(t, c.wants(&Event{Type: EventBan, GuildID: "g1"}))
	assert.False(t, c.wants(&Event{Type: EventBan, GuildID: "g3"}))
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func TestHub_FanOutAndStats(t *testing.T) {
	h := testHub()
	runHub(t, h)

	g1 := &Client{hub: h, send: make(chan []byte, 4), scope: "g1"}
	g2 := &Client{hub: h, send: make(chan []byte, 4), scope: "g2"}
	h.register <- g1
	h.register <- g2

	h.BroadcastGuild(EventLockdown, "g1", map[string]any{"trigger": "join_flood"})

	select {
	case msg := <-g1.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventLockdown, ev.Type)
		assert.Equal(t, "join_flood", ev.Data["trigger"])
	case <-time.After(time.Second):
		t.Fatal("scoped client did not receive its guild's event")
	}

	h.unregister <- g2
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 10*time.Millisecond)

	stats := h.Stats()
	assert.EqualValues(t, 2, stats.TotalClients)
	assert.EqualValues(t, 2, stats.PeakClients)
	assert.EqualValues(t, 1, stats.TotalEvents)
	assert.Empty(t, g2.send)
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte)} // unbuffered, never read
	h.register <- slow
	h.BroadcastGuild(EventBan, "g1", nil)

	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := testHub().WithAllowedOrigins([]string{"https://dash.example"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://gg.local/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, h.checkOrigin(req("")))
	assert.True(t, h.checkOrigin(req("http://gg.local")))
	assert.True(t, h.checkOrigin(req("https://dash.example")))
	assert.False(t, h.checkOrigin(req("https://evil.example")))
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := testHub()
	runHub(t, h)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r, "")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Subscription{Decisions: []string{"DENIED"}}))
	var ack Event
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, EventSubscribed, ack.Type)

	h.Broadcast(decisionEvent("g1", 20, "APPROVED", false))
	h.Broadcast(decisionEvent("g1", 95, "DENIED", true))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "DENIED", got.Data["decision"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var errEv Event
	require.NoError(t, conn.ReadJSON(&errEv))
	assert.Equal(t, EventError, errEv.Type)
}

func TestHub_RejectsAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
