// Package apiclient is an HTTP client for the guildgate API, shared by the
// MCP server and the standalone Discord bridge.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/guildgate/internal/admission"
)

// Config holds the connection settings.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // guild key or admin secret
}

// Client is a pure HTTP client for the guildgate API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
	body    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.body))
}

// RateLimitedError is returned by Evaluate on 429. Result is the deny the
// server computed.
type RateLimitedError struct {
	WaitMinutes int
	Result      *admission.Result
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %d minutes", e.WaitMinutes)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, body: respBody}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil {
			apiErr.Code, apiErr.Message = payload.Error, payload.Message
		}
		return respBody, apiErr
	}
	return json.RawMessage(respBody), nil
}

// Evaluate submits an admission request. A 429 returns the server's deny
// result inside a *RateLimitedError.
func (c *Client) Evaluate(ctx context.Context, req admission.Request) (*admission.Result, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/guilds/"+url.PathEscape(req.GuildID)+"/admissions", nil, req)
	if err != nil {
		if IsStatus(err, http.StatusTooManyRequests) {
			var body struct {
				WaitMinutes int               `json:"waitMinutes"`
				Result      *admission.Result `json:"result"`
			}
			_ = json.Unmarshal(raw, &body)
			return body.Result, &RateLimitedError{WaitMinutes: body.WaitMinutes, Result: body.Result}
		}
		return nil, err
	}
	var body struct {
		Result *admission.Result `json:"result"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if body.Result == nil {
		return nil, errors.New("decode result: empty response")
	}
	return body.Result, nil
}

// RecordJoin reports a member join for raid detection.
func (c *Client) RecordJoin(ctx context.Context, guildID, identityID string, at time.Time) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/guilds/"+url.PathEscape(guildID)+"/events/join", nil,
		map[string]any{"identityId": identityID, "at": at})
	return err
}

// RecordMessage reports a message for flood detection and profiling.
func (c *Client) RecordMessage(ctx context.Context, guildID, identityID, content string, at time.Time) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/guilds/"+url.PathEscape(guildID)+"/events/message", nil,
		map[string]any{"identityId": identityID, "content": content, "at": at})
	return err
}

// RaidStatus returns the guild's raid state.
func (c *Client) RaidStatus(ctx context.Context, guildID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/guilds/"+url.PathEscape(guildID)+"/raid", nil, nil)
}

// ListAttempts returns an identity's attempt history in a guild.
func (c *Client) ListAttempts(ctx context.Context, guildID, identityID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/guilds/" + url.PathEscape(guildID) + "/identities/" + url.PathEscape(identityID) + "/attempts"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// GetReputation returns an identity's per-guild reputation.
func (c *Client) GetReputation(ctx context.Context, guildID, identityID string) (json.RawMessage, error) {
	path := "/v1/guilds/" + url.PathEscape(guildID) + "/identities/" + url.PathEscape(identityID) + "/reputation"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// GetIdentity returns the stored identity record.
func (c *Client) GetIdentity(ctx context.Context, identityID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(identityID), nil, nil)
}

// ListAltLinks returns suspected and confirmed links for an identity.
func (c *Client) ListAltLinks(ctx context.Context, identityID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/identities/"+url.PathEscape(identityID)+"/altlinks", nil, nil)
}

// ConfirmAltLink marks two identities as confirmed alts.
func (c *Client) ConfirmAltLink(ctx context.Context, identityA, identityB string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/altlinks/confirm", nil,
		map[string]string{"identityA": identityA, "identityB": identityB})
}

// RecordBan records a ban against an identity.
func (c *Client) RecordBan(ctx context.Context, identityID, guildID, reason, severity string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/bans", nil, map[string]string{
		"identityId": identityID,
		"guildId":    guildID,
		"reason":     reason,
		"severity":   severity,
	})
}

// AddThreatActor adds an identity, device or network to the threat list.
func (c *Client) AddThreatActor(ctx context.Context, kind, value, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/threat-actors", nil, map[string]string{
		"kind":   kind,
		"value":  value,
		"reason": reason,
	})
}

// ListAudit queries the audit log.
func (c *Client) ListAudit(ctx context.Context, guildID, identityID, kind string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if guildID != "" {
		q.Set("guild", guildID)
	}
	if identityID != "" {
		q.Set("identity", identityID)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/audit", q, nil)
}
