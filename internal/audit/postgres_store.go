package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_log table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id                  VARCHAR(64) PRIMARY KEY,
			kind                VARCHAR(40) NOT NULL,
			guild_id            VARCHAR(64) NOT NULL DEFAULT '',
			identity_id         VARCHAR(64) NOT NULL DEFAULT '',
			attempt_id          VARCHAR(64) NOT NULL DEFAULT '',
			decision            VARCHAR(20) NOT NULL DEFAULT '',
			action              VARCHAR(32) NOT NULL DEFAULT '',
			score               SMALLINT NOT NULL DEFAULT 0,
			flags               TEXT[] NOT NULL DEFAULT '{}',
			degraded_sources    TEXT[] NOT NULL DEFAULT '{}',
			excluded_categories TEXT[] NOT NULL DEFAULT '{}',
			actor               TEXT NOT NULL DEFAULT '',
			detail              JSONB NOT NULL DEFAULT '{}',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_guild ON audit_log (guild_id, created_at DESC, id DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_log_identity ON audit_log (identity_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, guild_id, identity_id, attempt_id, decision, action, score,
			flags, degraded_sources, excluded_categories, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, string(e.Kind), e.GuildID, e.IdentityID, e.AttemptID, e.Decision, e.Action, e.Score,
		pq.Array(nonNil(e.Flags)), pq.Array(nonNil(e.DegradedSources)), pq.Array(nonNil(e.ExcludedCategories)),
		e.Actor, detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Entry, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.GuildID != "" {
		where = append(where, "guild_id = "+arg(q.GuildID))
	}
	if q.IdentityID != "" {
		where = append(where, "identity_id = "+arg(q.IdentityID))
	}
	if q.Kind != "" {
		where = append(where, "kind = "+arg(string(q.Kind)))
	}
	if q.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(q.Cursor.CreatedAt), arg(q.Cursor.ID)))
	}
	query := `SELECT id, kind, guild_id, identity_id, attempt_id, decision, action, score,
		flags, degraded_sources, excluded_categories, actor, detail, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var kind string
		var detail []byte
		if err := rows.Scan(&e.ID, &kind, &e.GuildID, &e.IdentityID, &e.AttemptID, &e.Decision, &e.Action, &e.Score,
			pq.Array(&e.Flags), pq.Array(&e.DegradedSources), pq.Array(&e.ExcludedCategories),
			&e.Actor, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		if len(detail) > 0 && string(detail) != "{}" {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to decode audit detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
