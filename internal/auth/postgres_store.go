package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists API keys in PostgreSQL. Only the SHA-256 of a raw
// key is ever written.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, hint, guild_id, name, created_at, last_used, expires_at, revoked_at, replaced_by`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, hint, guild_id, name, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Hint, key.GuildID, key.Name, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// GetByHash retrieves an API key by its hash. Liveness is the caller's call,
// so a rotated-out key inside its grace window still resolves.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByGuild retrieves all API keys for a guild, newest first
func (p *PostgresStore) GetByGuild(ctx context.Context, guildID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE guild_id = $1 ORDER BY created_at DESC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Touch records last use.
func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, id, at)
}

// Revoke marks a key revoked; the first revocation time wins.
func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) error {
	return p.exec(ctx, `UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`, id, at)
}

// Expire shortens a key's lifetime and links its replacement.
func (p *PostgresStore) Expire(ctx context.Context, id string, at time.Time, replacedBy string) error {
	return p.exec(ctx, `
		UPDATE api_keys
		SET expires_at = LEAST(COALESCE(expires_at, $2), $2), replaced_by = $3
		WHERE id = $1
	`, id, at, replacedBy)
}

// Purge deletes keys revoked or expired before the cutoff.
func (p *PostgresStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM api_keys WHERE revoked_at < $1 OR expires_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge api keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Migrate creates the api_keys table if it doesn't exist
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id              VARCHAR(36) PRIMARY KEY,
			hash            VARCHAR(64) NOT NULL UNIQUE,
			hint            VARCHAR(16) NOT NULL DEFAULT '',
			guild_id        VARCHAR(64) NOT NULL,
			name            VARCHAR(255),
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used       TIMESTAMPTZ,
			expires_at      TIMESTAMPTZ,
			revoked_at      TIMESTAMPTZ,
			replaced_by     VARCHAR(36)
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_guild ON api_keys(guild_id, created_at DESC);
	`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed, expiresAt, revokedAt sql.NullTime
	var name, replacedBy sql.NullString
	if err := row.Scan(&key.ID, &key.Hash, &key.Hint, &key.GuildID, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &revokedAt, &replacedBy); err != nil {
		return nil, err
	}
	key.Name = name.String
	key.ReplacedBy = replacedBy.String
	key.LastUsed = nullTime(lastUsed)
	key.ExpiresAt = nullTime(expiresAt)
	key.RevokedAt = nullTime(revokedAt)
	return key, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
