package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists reputation in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the reputation tables when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reputation (
			identity_id TEXT NOT NULL,
			guild_id    TEXT NOT NULL,
			trust       DOUBLE PRECISION NOT NULL DEFAULT 50,
			approvals   INTEGER NOT NULL DEFAULT 0,
			challenges  INTEGER NOT NULL DEFAULT 0,
			denials     INTEGER NOT NULL DEFAULT 0,
			messages    INTEGER NOT NULL DEFAULT 0,
			warnings    INTEGER NOT NULL DEFAULT 0,
			kicks       INTEGER NOT NULL DEFAULT 0,
			reports     INTEGER NOT NULL DEFAULT 0,
			first_seen  TIMESTAMPTZ NOT NULL,
			last_active TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (identity_id, guild_id)
		);
		CREATE INDEX IF NOT EXISTS idx_reputation_last_active ON reputation(last_active DESC);

		CREATE TABLE IF NOT EXISTS reputation_snapshots (
			id             SERIAL PRIMARY KEY,
			identity_id    TEXT NOT NULL,
			guild_id       TEXT NOT NULL,
			score          DOUBLE PRECISION NOT NULL,
			tier           TEXT NOT NULL,
			trust_score    DOUBLE PRECISION NOT NULL,
			activity_score DOUBLE PRECISION NOT NULL,
			tenure_score   DOUBLE PRECISION NOT NULL,
			conduct_score  DOUBLE PRECISION NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reputation_snapshots_subject
			ON reputation_snapshots(identity_id, guild_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate reputation tables: %w", err)
	}
	return nil
}

const recordColumns = `identity_id, guild_id, trust, approvals, challenges, denials,
	messages, warnings, kicks, reports, first_seen, last_active`

// Apply upserts the record and increments counters in one statement, so
// concurrent events for the same subject never lose updates.
func (p *PostgresStore) Apply(ctx context.Context, identityID, guildID string, d Delta) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO reputation AS r (`+recordColumns+`)
		VALUES ($1, $2, LEAST(100, GREATEST(0, $3::double precision + $4::double precision)), $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (identity_id, guild_id) DO UPDATE SET
			trust       = LEAST(100, GREATEST(0, r.trust + $4::double precision)),
			approvals   = r.approvals + EXCLUDED.approvals,
			challenges  = r.challenges + EXCLUDED.challenges,
			denials     = r.denials + EXCLUDED.denials,
			messages    = r.messages + EXCLUDED.messages,
			warnings    = r.warnings + EXCLUDED.warnings,
			kicks       = r.kicks + EXCLUDED.kicks,
			reports     = r.reports + EXCLUDED.reports,
			first_seen  = LEAST(r.first_seen, EXCLUDED.first_seen),
			last_active = GREATEST(r.last_active, EXCLUDED.last_active)
		RETURNING `+recordColumns,
		identityID, guildID, DefaultTrust, d.Trust,
		d.Approvals, d.Challenges, d.Denials, d.Messages, d.Warnings, d.Kicks, d.Reports,
		d.At,
	)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to apply reputation delta: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, identityID, guildID string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM reputation WHERE identity_id = $1 AND guild_id = $2`,
		identityID, guildID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reputation: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) ListActiveSince(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM reputation WHERE last_active >= $1 ORDER BY last_active DESC LIMIT $2`,
		since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reputation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveSnapshots(ctx context.Context, snaps []*Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reputation_snapshots
			(identity_id, guild_id, score, tier, trust_score, activity_score, tenure_score, conduct_score, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range snaps {
		created := s.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, s.IdentityID, s.GuildID, s.Score, string(s.Tier),
			s.TrustScore, s.ActivityScore, s.TenureScore, s.ConductScore, created); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `
		SELECT id, identity_id, guild_id, score, tier,
			   trust_score, activity_score, tenure_score, conduct_score, created_at
		FROM reputation_snapshots
		WHERE identity_id = $1 AND guild_id = $2`

	args := []interface{}{q.IdentityID, q.GuildID}
	argIdx := 3

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s := &Snapshot{}
		var tier string
		if err := rows.Scan(&s.ID, &s.IdentityID, &s.GuildID, &s.Score, &tier,
			&s.TrustScore, &s.ActivityScore, &s.TenureScore, &s.ConductScore, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Tier = Tier(tier)
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	if err := row.Scan(&r.IdentityID, &r.GuildID, &r.Trust, &r.Approvals, &r.Challenges, &r.Denials,
		&r.Messages, &r.Warnings, &r.Kicks, &r.Reports, &r.FirstSeen, &r.LastActive); err != nil {
		return nil, err
	}
	return r, nil
}
