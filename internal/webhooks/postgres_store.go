package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the consumer_subscriptions table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS consumer_subscriptions (
			id                    TEXT PRIMARY KEY,
			guild_id              TEXT NOT NULL DEFAULT '',
			url                   TEXT NOT NULL,
			secret                TEXT NOT NULL,
			events                JSONB NOT NULL,
			active                BOOLEAN DEFAULT TRUE,
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			last_success          TIMESTAMPTZ,
			last_error            TEXT,
			consecutive_failures  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_consumer_subscriptions_guild ON consumer_subscriptions(guild_id);
		CREATE INDEX IF NOT EXISTS idx_consumer_subscriptions_active ON consumer_subscriptions(active) WHERE active = TRUE;
	`)
	return err
}

const subscriptionColumns = `id, guild_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO consumer_subscriptions (id, guild_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.GuildID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM consumer_subscriptions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	subs, err := p.scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) List(ctx context.Context, guildID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM consumer_subscriptions
		WHERE ($1 = '' OR guild_id = $1)
		ORDER BY created_at DESC
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanSubscriptions(rows)
}

func (p *PostgresStore) ListForEvent(ctx context.Context, guildID string, eventType EventType) ([]*Subscription, error) {
	// Use json.Marshal to safely encode the event type for JSONB query
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM consumer_subscriptions
		WHERE active = TRUE AND events @> $1::jsonb AND (guild_id = '' OR guild_id = $2)
	`, string(eventsJSON), guildID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return p.scanSubscriptions(rows)
}

func (p *PostgresStore) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE consumer_subscriptions
		SET last_success = $2, last_error = NULL, consecutive_failures = 0
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to record webhook success: %w", err)
	}
	return requireRow(res)
}

// MarkFailure increments in SQL so concurrent deliveries cannot lose a failure.
func (p *PostgresStore) MarkFailure(ctx context.Context, id, reason string, maxFailures int) (bool, error) {
	var wasActive, active bool
	err := p.db.QueryRowContext(ctx, `
		WITH prev AS (SELECT active FROM consumer_subscriptions WHERE id = $1 FOR UPDATE)
		UPDATE consumer_subscriptions c
		SET last_error = $2,
		    consecutive_failures = c.consecutive_failures + 1,
		    active = c.active AND c.consecutive_failures + 1 < $3
		FROM prev
		WHERE c.id = $1
		RETURNING prev.active, c.active
	`, id, reason, maxFailures).Scan(&wasActive, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return wasActive && !active, nil
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE consumer_subscriptions
		SET active = $2,
		    consecutive_failures = CASE WHEN $2 THEN 0 ELSE consecutive_failures END,
		    last_error = CASE WHEN $2 THEN NULL ELSE last_error END
		WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return requireRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM consumer_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var eventsJSON []byte
		var lastSuccess sql.NullTime
		var lastError sql.NullString

		if err := rows.Scan(
			&sub.ID, &sub.GuildID, &sub.URL, &sub.Secret, &eventsJSON,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, fmt.Errorf("corrupt events column for %s: %w", sub.ID, err)
		}

		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String

		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
