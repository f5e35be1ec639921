// Package banregistry queries external ban-list registries in parallel.
//
// A registry that errors, times out or has its circuit open is treated as
// "not banned" and reported as a degraded source. Registries never block a
// decision.
package banregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/guildgate/internal/circuitbreaker"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/retry"
	"github.com/mbd888/guildgate/internal/risk"
)

// Result is one registry's answer.
type Result struct {
	Banned bool   `json:"banned"`
	Reason string `json:"reason,omitempty"`
	Source string `json:"source"`
}

// Registry answers whether an identity is banned elsewhere.
type Registry interface {
	Name() string
	CheckBanned(ctx context.Context, identityID string) (Result, error)
}

// HTTPConfig configures an HTTP registry.
type HTTPConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token" json:"-"`
}

// HTTPRegistry queries GET {BaseURL}/bans/{identityID}. A 404 means not
// banned; a 200 carries {"banned": bool, "reason": string}.
type HTTPRegistry struct {
	cfg        HTTPConfig
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	retry      retry.Policy
}

// NewHTTPRegistry creates an HTTP registry client. breaker may be shared
// between registries; it is keyed by registry name.
func NewHTTPRegistry(cfg HTTPConfig, breaker *circuitbreaker.Breaker) *HTTPRegistry {
	return &HTTPRegistry{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		breaker:    breaker,
		retry:      retry.DefaultPolicy(),
	}
}

// Name returns the registry name.
func (r *HTTPRegistry) Name() string { return r.cfg.Name }

// CheckBanned queries the registry with retry inside the breaker.
func (r *HTTPRegistry) CheckBanned(ctx context.Context, identityID string) (Result, error) {
	var res Result
	call := func(ctx context.Context) error {
		return retry.Do(ctx, r.retry, func(ctx context.Context) error {
			var err error
			res, err = r.fetch(ctx, identityID)
			return err
		})
	}
	var err error
	if r.breaker != nil {
		err = r.breaker.Do(ctx, "registry:"+r.cfg.Name, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return Result{Source: r.cfg.Name}, err
	}
	return res, nil
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (r *HTTPRegistry) fetch(ctx context.Context, identityID string) (Result, error) {
	u := r.cfg.BaseURL + "/bans/" + url.PathEscape(identityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{Banned: false, Source: r.cfg.Name}, nil
	case retry.Retryable(resp.StatusCode):
		return Result{}, retry.CheckStatus("registry "+r.cfg.Name, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return Result{}, retry.Permanent(fmt.Errorf("registry %s: %s", r.cfg.Name, apiErr.Message))
		}
		return Result{}, retry.CheckStatus("registry "+r.cfg.Name, resp.StatusCode)
	}

	var out Result
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&out); err != nil {
		return Result{}, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	out.Source = r.cfg.Name
	return out, nil
}

// Checker fans out to every registry.
type Checker struct {
	registries []Registry
	timeout    time.Duration
	logger     *slog.Logger
}

// NewChecker creates a checker that gives each registry its own timeout.
func NewChecker(timeout time.Duration, logger *slog.Logger, registries ...Registry) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{registries: registries, timeout: timeout, logger: logger}
}

// Len returns the number of configured registries.
func (c *Checker) Len() int { return len(c.registries) }

// Report is the combined answer of all registries.
type Report struct {
	Hits     []risk.ExternalHit
	Degraded []string // "registry.<name>" for each failed registry
}

// Check queries all registries in parallel. It never returns an error:
// failures are logged and listed in Degraded.
func (c *Checker) Check(ctx context.Context, identityID string) Report {
	results := make([]Result, len(c.registries))
	failed := make([]bool, len(c.registries))

	var g errgroup.Group
	for i, reg := range c.registries {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()

			start := time.Now()
			res, err := reg.CheckBanned(rctx, identityID)
			metrics.ObserveSource("registry."+reg.Name(), time.Since(start), err)
			if err != nil {
				failed[i] = true
				level := slog.LevelWarn
				if errors.Is(err, circuitbreaker.ErrOpen) {
					level = slog.LevelDebug
				}
				c.logger.Log(ctx, level, "ban registry unavailable", "registry", reg.Name(), "identity_id", identityID, "error", err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	for i, reg := range c.registries {
		if failed[i] {
			rep.Degraded = append(rep.Degraded, "registry."+reg.Name())
			continue
		}
		if results[i].Banned {
			src := results[i].Source
			if src == "" {
				src = reg.Name()
			}
			rep.Hits = append(rep.Hits, risk.ExternalHit{Source: src, Reason: results[i].Reason})
		}
	}
	sort.Strings(rep.Degraded)
	return rep
}
