package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/guildgate/internal/apiclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *apiclient.Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *apiclient.Client) *Handlers {
	return &Handlers{client: client}
}

// HandleLookupIdentity combines the identity record with its alt links.
func (h *Handlers) HandleLookupIdentity(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("identity_id", "")
	if id == "" {
		return mcp.NewToolResultError("identity_id is required"), nil
	}

	raw, err := h.client.GetIdentity(ctx, id)
	if apiclient.IsStatus(err, http.StatusNotFound) {
		return mcp.NewToolResultText(fmt.Sprintf("No identity %s has been seen yet.", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to look up identity: %v", err)), nil
	}
	links, err := h.client.ListAltLinks(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alt links: %v", err)), nil
	}

	text, err := formatIdentity(raw, links)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse identity: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListAttempts returns recent admission attempts.
func (h *Handlers) HandleListAttempts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guildID := req.GetString("guild_id", "")
	id := req.GetString("identity_id", "")
	if guildID == "" || id == "" {
		return mcp.NewToolResultError("guild_id and identity_id are required"), nil
	}

	raw, err := h.client.ListAttempts(ctx, guildID, id, req.GetInt("limit", 10))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list attempts: %v", err)), nil
	}
	text, err := formatAttempts(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse attempts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetReputation returns per-guild reputation.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guildID := req.GetString("guild_id", "")
	id := req.GetString("identity_id", "")
	if guildID == "" || id == "" {
		return mcp.NewToolResultError("guild_id and identity_id are required"), nil
	}

	raw, err := h.client.GetReputation(ctx, guildID, id)
	if apiclient.IsStatus(err, http.StatusNotFound) {
		return mcp.NewToolResultText("This identity has no history in the guild."), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}
	text, err := formatReputation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRaidStatus returns the guild's lockdown state.
func (h *Handlers) HandleRaidStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	guildID := req.GetString("guild_id", "")
	if guildID == "" {
		return mcp.NewToolResultError("guild_id is required"), nil
	}

	raw, err := h.client.RaidStatus(ctx, guildID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get raid status: %v", err)), nil
	}
	text, err := formatRaidStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse raid status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmAltLink confirms a suspected link.
func (h *Handlers) HandleConfirmAltLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	a := req.GetString("identity_a", "")
	b := req.GetString("identity_b", "")
	if a == "" || b == "" {
		return mcp.NewToolResultError("identity_a and identity_b are required"), nil
	}
	if a == b {
		return mcp.NewToolResultError("an identity cannot be linked to itself"), nil
	}

	raw, err := h.client.ConfirmAltLink(ctx, a, b)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to confirm alt link: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Confirmed %s and %s as the same person.\n\n%s", a, b, formatJSON(raw))), nil
}

// HandleRecordBan records a ban.
func (h *Handlers) HandleRecordBan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("identity_id", "")
	guildID := req.GetString("guild_id", "")
	severity := req.GetString("severity", "")
	if id == "" || guildID == "" || severity == "" {
		return mcp.NewToolResultError("identity_id, guild_id and severity are required"), nil
	}

	raw, err := h.client.RecordBan(ctx, id, guildID, req.GetString("reason", ""), severity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to record ban: %v", err)), nil
	}

	var resp struct {
		Ban map[string]any `json:"ban"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Ban == nil {
		return mcp.NewToolResultText("Ban recorded.\n\n" + formatJSON(raw)), nil
	}
	count, _ := getFloat(resp.Ban, "banCount")
	return mcp.NewToolResultText(fmt.Sprintf("Ban recorded for %s (total bans: %.0f).", id, count)), nil
}

// HandleAddThreatActor adds an entry to the threat list.
func (h *Handlers) HandleAddThreatActor(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	value := req.GetString("value", "")
	if kind == "" || value == "" {
		return mcp.NewToolResultError("kind and value are required"), nil
	}

	_, err := h.client.AddThreatActor(ctx, kind, value, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to add threat actor: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Added %s threat actor.", kind)), nil
}

// HandleQueryAudit searches the audit log.
func (h *Handlers) HandleQueryAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAudit(ctx,
		req.GetString("guild_id", ""),
		req.GetString("identity_id", ""),
		req.GetString("kind", ""),
		req.GetInt("limit", 20),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query audit log: %v", err)), nil
	}
	text, err := formatAudit(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit log: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func formatIdentity(raw, linksRaw json.RawMessage) (string, error) {
	var resp struct {
		Identity map[string]any `json:"identity"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Identity == nil {
		return "", fmt.Errorf("unexpected identity response format")
	}
	var links struct {
		AltLinks []map[string]any `json:"altLinks"`
	}
	if err := json.Unmarshal(linksRaw, &links); err != nil {
		return "", fmt.Errorf("unexpected alt link response format")
	}

	m := resp.Identity
	var sb strings.Builder
	fmt.Fprintf(&sb, "Identity %s\n", getString(m, "id"))
	if v := getString(m, "displayName"); v != "" {
		fmt.Fprintf(&sb, "  Display name: %s\n", v)
	}
	if v := getString(m, "createdAt"); v != "" {
		fmt.Fprintf(&sb, "  Account created: %s\n", v)
	}
	if v, ok := getFloat(m, "trust"); ok {
		fmt.Fprintf(&sb, "  Trust: %.1f\n", v)
	}
	if banned, _ := m["banned"].(bool); banned {
		sb.WriteString("  BANNED\n")
	}

	if len(links.AltLinks) == 0 {
		sb.WriteString("\nNo alt links.")
		return sb.String(), nil
	}
	self := getString(m, "id")
	fmt.Fprintf(&sb, "\nAlt links (%d):\n", len(links.AltLinks))
	for i, l := range links.AltLinks {
		other := getString(l, "identityA")
		if other == self {
			other = getString(l, "identityB")
		}
		conf, _ := getFloat(l, "confidence")
		status := "suspected"
		if c, _ := l["confirmed"].(bool); c {
			status = "confirmed"
		}
		fmt.Fprintf(&sb, "%d. %s via %s, confidence %.0f%% (%s)\n", i+1, other, getString(l, "method"), conf*100, status)
	}
	return sb.String(), nil
}

func formatAttempts(raw json.RawMessage) (string, error) {
	var resp struct {
		Attempts []map[string]any `json:"attempts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected attempts response format")
	}
	if len(resp.Attempts) == 0 {
		return "No admission attempts recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d attempt(s):\n\n", len(resp.Attempts))
	for i, a := range resp.Attempts {
		score, _ := getFloat(a, "score")
		fmt.Fprintf(&sb, "%d. %s  %s (score %.0f, %s)\n", i+1, getString(a, "createdAt"), getString(a, "action"), score, getString(a, "status"))
		if flags := getStrings(a, "flags"); len(flags) > 0 {
			fmt.Fprintf(&sb, "   Flags: %s\n", strings.Join(flags, ", "))
		}
		if degraded := getStrings(a, "degradedSources"); len(degraded) > 0 {
			fmt.Fprintf(&sb, "   Degraded: %s\n", strings.Join(degraded, ", "))
		}
		if review, _ := a["manualReview"].(bool); review {
			sb.WriteString("   Needs manual review\n")
		}
	}
	return sb.String(), nil
}

func formatReputation(raw json.RawMessage) (string, error) {
	var resp struct {
		Reputation map[string]any `json:"reputation"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Reputation == nil {
		return "", fmt.Errorf("unexpected reputation response format")
	}

	m := resp.Reputation
	var sb strings.Builder
	sb.WriteString("Reputation:\n")
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.1f\n", v)
	}
	if v := getString(m, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	if c, ok := m["components"].(map[string]any); ok {
		for _, k := range []string{"trustScore", "activityScore", "tenureScore", "conductScore"} {
			if v, ok := getFloat(c, k); ok {
				fmt.Fprintf(&sb, "  %s: %.1f\n", strings.TrimSuffix(k, "Score"), v)
			}
		}
	}
	return sb.String(), nil
}

func formatRaidStatus(raw json.RawMessage) (string, error) {
	var resp struct {
		Raid map[string]any `json:"raid"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Raid == nil {
		return "", fmt.Errorf("unexpected raid response format")
	}

	m := resp.Raid
	var sb strings.Builder
	fmt.Fprintf(&sb, "Guild %s: %s, threat %s\n", getString(m, "guildId"), getString(m, "mode"), getString(m, "threat"))
	if getString(m, "mode") == "lockdown" {
		if v := getString(m, "lockdownUntil"); v != "" {
			fmt.Fprintf(&sb, "  Lockdown until: %s\n", v)
		}
		sb.WriteString("  New members are challenged until the lockdown lifts.\n")
	}
	return sb.String(), nil
}

func formatAudit(raw json.RawMessage) (string, error) {
	var resp struct {
		Entries []map[string]any `json:"entries"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected audit response format")
	}
	if len(resp.Entries) == 0 {
		return "No audit entries match.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d entr(ies):\n\n", len(resp.Entries))
	for i, e := range resp.Entries {
		fmt.Fprintf(&sb, "%d. %s  %s", i+1, getString(e, "createdAt"), getString(e, "kind"))
		if v := getString(e, "identityId"); v != "" {
			fmt.Fprintf(&sb, " identity=%s", v)
		}
		if v := getString(e, "guildId"); v != "" {
			fmt.Fprintf(&sb, " guild=%s", v)
		}
		if v := getString(e, "action"); v != "" {
			score, _ := getFloat(e, "score")
			fmt.Fprintf(&sb, " %s (score %.0f)", v, score)
		}
		if v := getString(e, "actor"); v != "" {
			fmt.Fprintf(&sb, " by %s", v)
		}
		if degraded := getStrings(e, "degradedSources"); len(degraded) > 0 {
			fmt.Fprintf(&sb, " degraded=%s", strings.Join(degraded, ","))
		}
		sb.WriteString("\n")
	}
	if resp.HasMore {
		sb.WriteString("\nMore entries exist; narrow the filter or raise the limit.")
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a numeric value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func getStrings(m map[string]any, key string) []string {
	items, _ := m[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
