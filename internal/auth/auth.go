// Package auth provides API authentication for guildgate.
//
// Authentication model:
// - Health and metrics endpoints: No auth required
// - Ingestion and evaluation: Require an integration key scoped to the guild
// - Moderator endpoints (bans, alt-link review, threat actors, audit): Require the admin secret
// - Integration keys are issued by an admin per guild
//
// Rotating a key leaves the old one working for a grace window so a bot can
// redeploy without downtime.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrKeyNotFound   = errors.New("API key not found")
)

const (
	rawPrefix = "gk_"
	idPrefix  = "ak_"

	// MaxRotationGrace bounds how long a rotated-out key keeps working.
	MaxRotationGrace = 7 * 24 * time.Hour

	// last_used is advisory; writing it on every request would turn each
	// authenticated read into a write.
	touchInterval = time.Minute
)

// APIKey is an integration key scoped to one guild.
type APIKey struct {
	ID         string     `json:"id"`
	Hash       string     `json:"-"`
	Hint       string     `json:"hint"` // first characters of the raw key, for operators
	GuildID    string     `json:"guildId"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	ReplacedBy string     `json:"replacedBy,omitempty"`
}

// Active reports whether the key authenticates at now.
func (k *APIKey) Active(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByGuild(ctx context.Context, guildID string) ([]*APIKey, error)
	Touch(ctx context.Context, id string, at time.Time) error
	// Revoke is sticky; revoking twice keeps the first timestamp.
	Revoke(ctx context.Context, id string, at time.Time) error
	// Expire moves the expiry earlier, never later, and records the successor.
	Expire(ctx context.Context, id string, at time.Time, replacedBy string) error
	// Purge deletes keys revoked or expired before the cutoff.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Manager handles authentication
type Manager struct {
	store       Store
	adminSecret string
	now         func() time.Time
}

// NewManager creates a new auth manager. An empty adminSecret disables
// admin access entirely.
func NewManager(store Store, adminSecret string) *Manager {
	return &Manager{store: store, adminSecret: adminSecret, now: time.Now}
}

func trimBearer(raw string) string {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "Bearer"); ok {
		raw = rest
	}
	return strings.TrimSpace(raw)
}

// IsAdmin compares raw against the admin secret in constant time.
func (m *Manager) IsAdmin(raw string) bool {
	raw = trimBearer(raw)
	if m.adminSecret == "" || raw == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(raw), []byte(m.adminSecret)) == 1
}

// GenerateKey creates a new integration key for a guild. The raw key is
// returned once and never stored; ttl <= 0 means no expiry.
func (m *Manager) GenerateKey(ctx context.Context, guildID, name string, ttl time.Duration) (string, *APIKey, error) {
	rawKey, key, err := m.newKey(guildID, name, ttl)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

func (m *Manager) newKey(guildID, name string, ttl time.Duration) (string, *APIKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	rawKey := rawPrefix + hex.EncodeToString(secret)

	key := &APIKey{
		ID:        idPrefix + hex.EncodeToString(secret[:8]),
		Hash:      hashKey(rawKey),
		Hint:      rawKey[:len(rawPrefix)+6],
		GuildID:   guildID,
		Name:      name,
		CreatedAt: m.now().UTC(),
	}
	if ttl > 0 {
		exp := key.CreatedAt.Add(ttl)
		key.ExpiresAt = &exp
	}
	return rawKey, key, nil
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	rawKey = trimBearer(rawKey)
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(rawKey, rawPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	if key.LastUsed == nil || now.Sub(*key.LastUsed) >= touchInterval {
		id := key.ID
		go func() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := m.store.Touch(tctx, id, now); err != nil {
				slog.Debug("failed to update key last-used", "key_id", id, "error", err)
			}
		}()
	}

	return key, nil
}

// ListKeys returns all keys for a guild, newest first.
func (m *Manager) ListKeys(ctx context.Context, guildID string) ([]*APIKey, error) {
	return m.store.GetByGuild(ctx, guildID)
}

func (m *Manager) activeKey(ctx context.Context, keyID, guildID string) (*APIKey, error) {
	keys, err := m.store.GetByGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	for _, k := range keys {
		if k.ID == keyID && k.Active(now) {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

// RevokeKey revokes an active key belonging to guildID.
func (m *Manager) RevokeKey(ctx context.Context, keyID, guildID string) error {
	k, err := m.activeKey(ctx, keyID, guildID)
	if err != nil {
		return err
	}
	return m.store.Revoke(ctx, k.ID, m.now().UTC())
}

// RotateKey issues a replacement for an active key. The old key keeps
// working for grace (capped at MaxRotationGrace) and the replacement inherits
// the old key's name and lifetime.
func (m *Manager) RotateKey(ctx context.Context, keyID, guildID string, grace time.Duration) (string, *APIKey, error) {
	old, err := m.activeKey(ctx, keyID, guildID)
	if err != nil {
		return "", nil, err
	}
	grace = max(0, min(grace, MaxRotationGrace))

	var ttl time.Duration
	if old.ExpiresAt != nil {
		ttl = old.ExpiresAt.Sub(old.CreatedAt)
	}
	rawKey, next, err := m.GenerateKey(ctx, guildID, old.Name, ttl)
	if err != nil {
		return "", nil, err
	}
	if err := m.store.Expire(ctx, old.ID, m.now().UTC().Add(grace), next.ID); err != nil {
		return "", nil, err
	}
	return rawKey, next, nil
}

// PurgeKeys deletes keys that stopped working before the cutoff.
func (m *Manager) PurgeKeys(ctx context.Context, before time.Time) (int, error) {
	return m.store.Purge(ctx, before)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
