// Package webhooks delivers admission and raid events to consumer endpoints.
//
// Guild integrations register a URL to receive:
// - Admission decisions
// - Raid lockdown transitions
// - Ban reports
//
// Payloads are signed with HMAC-SHA256 over the body using the
// subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/guildgate/internal/metrics"
)

// ErrNotFound is returned for unknown subscriptions.
var ErrNotFound = errors.New("webhooks: subscription not found")

// EventType represents the type of webhook event
type EventType string

const (
	EventAdmissionDecided EventType = "admission.decided"
	EventRaidLockdown     EventType = "raid.lockdown"
	EventRaidCleared      EventType = "raid.cleared"
	EventBanRecorded      EventType = "ban.recorded"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventAdmissionDecided, EventRaidLockdown, EventRaidCleared, EventBanRecorded:
		return true
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	GuildID   string                 `json:"guildId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription. An empty GuildID
// receives events from every guild.
type Subscription struct {
	ID                  string      `json:"id"`
	GuildID             string      `json:"guildId,omitempty"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive event.
func (s *Subscription) Wants(event *Event) bool {
	if !s.Active {
		return false
	}
	if s.GuildID != "" && s.GuildID != event.GuildID {
		return false
	}
	for _, et := range s.Events {
		if et == event.Type {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context, guildID string) ([]*Subscription, error)
	// ListForEvent returns active subscriptions for the event type scoped to
	// guildID or to all guilds.
	ListForEvent(ctx context.Context, guildID string, eventType EventType) ([]*Subscription, error)
	// MarkSuccess clears the failure streak.
	MarkSuccess(ctx context.Context, id string, at time.Time) error
	// MarkFailure extends the failure streak atomically and deactivates the
	// subscription once the streak reaches maxFailures.
	MarkFailure(ctx context.Context, id, reason string, maxFailures int) (deactivated bool, err error)
	// SetActive toggles delivery; reactivation clears the failure streak.
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
}

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends an event to all relevant subscribers without waiting for
// delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.ListForEvent(ctx, event.GuildID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	for _, sub := range subs {
		// Detached so the caller's cancellation does not abort delivery.
		go func(sub *Subscription) {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.client.Timeout)
			defer cancel()
			_ = d.send(sctx, sub, event)
		}(sub)
	}
	return nil
}

// DispatchSync delivers to every subscriber in parallel and waits. Failed
// deliveries are joined into the returned error.
func (d *Dispatcher) DispatchSync(ctx context.Context, event *Event) error {
	subs, err := d.store.ListForEvent(ctx, event.GuildID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			if err := d.send(ctx, sub, event); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("webhook %s: %w", sub.ID, err))
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guildgate-Event", string(event.Type))
	req.Header.Set("X-Guildgate-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Guildgate-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.updateSuccess(ctx, sub)
		return nil
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
	d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	return fmt.Errorf("status %d", resp.StatusCode)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	if err := d.store.MarkSuccess(context.WithoutCancel(ctx), sub.ID, time.Now().UTC()); err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	deactivated, err := d.store.MarkFailure(context.WithoutCancel(ctx), sub.ID, errMsg, MaxConsecutiveFailures)
	if err != nil {
		d.logger.Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
		return
	}
	if deactivated {
		d.logger.Warn("webhook deactivated after repeated failures", "webhook_id", sub.ID, "url", sub.URL)
	}
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(ctx context.Context, guildID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if guildID == "" || sub.GuildID == guildID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListForEvent(ctx context.Context, guildID string, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	probe := &Event{GuildID: guildID, Type: eventType}
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(probe) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) MarkSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.LastSuccess = &at
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	return nil
}

func (m *MemoryStore) MarkFailure(_ context.Context, id, reason string, maxFailures int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	sub.LastError = reason
	sub.ConsecutiveFailures++
	if sub.Active && sub.ConsecutiveFailures >= maxFailures {
		sub.Active = false
		return true, nil
	}
	return false, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	sub.Active = active
	if active {
		sub.ConsecutiveFailures = 0
		sub.LastError = ""
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}
