package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/apiclient"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := apiclient.New(apiclient.Config{APIURL: ts.URL, APIKey: "admin-secret"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleLookupIdentity(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/identities/u1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"identity": map[string]any{
			"id": "u1", "displayName": "newbie", "trust": 42.5, "banned": false,
		}})
	})
	mux.HandleFunc("/v1/identities/u1/altlinks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"altLinks": []map[string]any{
			{"identityA": "u0", "identityB": "u1", "method": "fingerprint", "confidence": 0.95, "confirmed": true},
			{"identityA": "u1", "identityB": "u9", "method": "name_similarity", "confidence": 0.8},
		}})
	})
	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleLookupIdentity(context.Background(), makeRequest(map[string]any{"identity_id": "u1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Identity u1")
	assert.Contains(t, text, "Trust: 42.5")
	assert.Contains(t, text, "1. u0 via fingerprint, confidence 95% (confirmed)")
	assert.Contains(t, text, "2. u9 via name_similarity, confidence 80% (suspected)")
}

func TestHandleLookupIdentity_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "Identity not found"})
	}))
	defer cleanup()

	result, err := h.HandleLookupIdentity(context.Background(), makeRequest(map[string]any{"identity_id": "ghost"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No identity ghost")
}

func TestHandleLookupIdentity_MissingArg(t *testing.T) {
	h := NewHandlers(apiclient.New(apiclient.Config{}))
	result, err := h.HandleLookupIdentity(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListAttempts(t *testing.T) {
	var gotLimit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/guilds/g1/identities/u1/attempts", r.URL.Path)
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{"attempts": []map[string]any{{
			"createdAt": "2026-03-01T12:00:00Z", "action": "challenge_light", "score": 65, "status": "provisional",
			"flags": []string{"new_account", "no_avatar"}, "degradedSources": []string{"registry.shared"},
			"manualReview": true,
		}}})
	}))
	defer cleanup()

	result, err := h.HandleListAttempts(context.Background(), makeRequest(map[string]any{
		"guild_id": "g1", "identity_id": "u1", "limit": float64(5),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Equal(t, "5", gotLimit)
	assert.Contains(t, text, "challenge_light (score 65, provisional)")
	assert.Contains(t, text, "Flags: new_account, no_avatar")
	assert.Contains(t, text, "Degraded: registry.shared")
	assert.Contains(t, text, "Needs manual review")
}

func TestHandleListAttempts_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"attempts": []any{}})
	}))
	defer cleanup()

	result, err := h.HandleListAttempts(context.Background(), makeRequest(map[string]any{"guild_id": "g1", "identity_id": "u1"}))
	require.NoError(t, err)
	assert.Equal(t, "No admission attempts recorded.", resultText(t, result))
}

func TestHandleGetReputation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"reputation": map[string]any{
			"score": 71.25, "tier": "established",
			"components": map[string]any{"trustScore": 80.0, "conductScore": 100.0},
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetReputation(context.Background(), makeRequest(map[string]any{"guild_id": "g1", "identity_id": "u1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Score: 71.2")
	assert.Contains(t, text, "Tier: established")
	assert.Contains(t, text, "trust: 80.0")
	assert.Contains(t, text, "conduct: 100.0")
}

func TestHandleRaidStatus(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"raid": map[string]any{
			"guildId": "g1", "mode": "lockdown", "threat": "high", "lockdownUntil": "2026-03-01T12:05:00Z",
		}})
	}))
	defer cleanup()

	result, err := h.HandleRaidStatus(context.Background(), makeRequest(map[string]any{"guild_id": "g1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Guild g1: lockdown, threat high")
	assert.Contains(t, text, "Lockdown until: 2026-03-01T12:05:00Z")
}

func TestHandleConfirmAltLink(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusOK, map[string]any{"altLink": map[string]any{"confirmed": true}})
	}))
	defer cleanup()

	result, err := h.HandleConfirmAltLink(context.Background(), makeRequest(map[string]any{"identity_a": "u1", "identity_b": "u2"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Confirmed u1 and u2")
	assert.Equal(t, "u1", body["identityA"])

	result, err = h.HandleConfirmAltLink(context.Background(), makeRequest(map[string]any{"identity_a": "u1", "identity_b": "u1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRecordBan(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bans", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"ban": map[string]any{"identityId": "u1", "banCount": 2}})
	}))
	defer cleanup()

	result, err := h.HandleRecordBan(context.Background(), makeRequest(map[string]any{
		"identity_id": "u1", "guild_id": "g1", "severity": "high", "reason": "spam",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Ban recorded for u1 (total bans: 2).", resultText(t, result))
	assert.Equal(t, "high", body["severity"])
	assert.Equal(t, "spam", body["reason"])
}

func TestHandleRecordBan_APIError(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_severity", "message": "Unknown severity"})
	}))
	defer cleanup()

	result, err := h.HandleRecordBan(context.Background(), makeRequest(map[string]any{
		"identity_id": "u1", "guild_id": "g1", "severity": "apocalyptic",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Unknown severity")
}

func TestHandleAddThreatActor(t *testing.T) {
	var body map[string]string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"threatActor": map[string]any{"kind": "device"}})
	}))
	defer cleanup()

	result, err := h.HandleAddThreatActor(context.Background(), makeRequest(map[string]any{"kind": "device", "value": "raw-fp"}))
	require.NoError(t, err)
	assert.Equal(t, "Added device threat actor.", resultText(t, result))
	assert.Equal(t, "raw-fp", body["value"])
}

func TestHandleQueryAudit(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "infra_failure", r.URL.Query().Get("kind"))
		writeJSON(w, http.StatusOK, map[string]any{
			"entries": []map[string]any{{
				"createdAt": "2026-03-01T12:00:00Z", "kind": "infra_failure", "identityId": "u1", "guildId": "g1",
				"action": "approve_with_review", "score": 0, "degradedSources": []string{"store"},
			}},
			"hasMore": true,
		})
	}))
	defer cleanup()

	result, err := h.HandleQueryAudit(context.Background(), makeRequest(map[string]any{"kind": "infra_failure"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "infra_failure identity=u1 guild=g1 approve_with_review (score 0) degraded=store")
	assert.Contains(t, text, "More entries exist")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(apiclient.Config{APIURL: "http://localhost:0", APIKey: "k"})
	require.NotNil(t, s)
}

// ============================================================
// Formatting helpers
// ============================================================

func TestFormatJSON_Invalid(t *testing.T) {
	assert.Equal(t, "not json", formatJSON(json.RawMessage("not json")))
}

func TestGetString(t *testing.T) {
	m := map[string]any{"a": "x", "n": 3.0}
	assert.Equal(t, "x", getString(m, "missing", "a"))
	assert.Equal(t, "3", getString(m, "n"))
	assert.Equal(t, "", getString(m, "missing"))
}

func TestFormatAudit_Empty(t *testing.T) {
	text, err := formatAudit(json.RawMessage(`{"entries":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "No audit entries match.", text)
}
