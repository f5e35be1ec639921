// Package arbitration is the HTTP client for the external second-opinion
// service consulted on borderline risk scores.
package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mbd888/guildgate/internal/circuitbreaker"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/retry"
)

const breakerKey = "arbitration"

// Config holds the arbiter endpoint settings.
type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token" json:"-"`
	Model  string `mapstructure:"model"`
	Prompt string `mapstructure:"prompt"`
}

// HTTPArbiter posts an ArbitrationRequest as JSON and expects an
// ArbitrationResponse back. It implements decision.Arbiter.
type HTTPArbiter struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// New creates an arbiter client. The per-call deadline comes from the
// caller's context; breaker may be nil.
func New(cfg Config, breaker *circuitbreaker.Breaker) *HTTPArbiter {
	return &HTTPArbiter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
	}
}

type wireRequest struct {
	*decision.ArbitrationRequest
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

// Arbitrate asks the external service for a second opinion. An empty body
// or a JSON null means "no opinion".
func (a *HTTPArbiter) Arbitrate(ctx context.Context, req *decision.ArbitrationRequest) (*decision.ArbitrationResponse, error) {
	var resp *decision.ArbitrationResponse
	call := func(ctx context.Context) error {
		var err error
		resp, err = a.post(ctx, req)
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Do(ctx, breakerKey, call)
	} else {
		err = call(ctx)
	}

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.ArbitrationsTotal.WithLabelValues("circuit_open").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ArbitrationsTotal.WithLabelValues("timeout").Inc()
	case err != nil:
		metrics.ArbitrationsTotal.WithLabelValues("error").Inc()
	case resp == nil || resp.AdjustedScore == nil:
		metrics.ArbitrationsTotal.WithLabelValues("unchanged").Inc()
	default:
		metrics.ArbitrationsTotal.WithLabelValues("adjusted").Inc()
	}
	return resp, err
}

func (a *HTTPArbiter) post(ctx context.Context, req *decision.ArbitrationRequest) (*decision.ArbitrationResponse, error) {
	data, err := json.Marshal(wireRequest{ArbitrationRequest: req, Model: a.cfg.Model, Prompt: a.cfg.Prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if httpResp.StatusCode >= 300 {
		return nil, &retry.StatusError{Upstream: "arbiter", Status: httpResp.StatusCode}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var out *decision.ArbitrationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
