package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/guildgate/internal/decision"
)

// PostgresStore persists the identity model in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed identity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the identity tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		id             VARCHAR(64) PRIMARY KEY,
		created_at     TIMESTAMPTZ,
		display_name   TEXT NOT NULL DEFAULT '',
		trust          DOUBLE PRECISION NOT NULL DEFAULT 50 CHECK (trust >= 0 AND trust <= 100),
		banned         BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_identities_created_at ON identities (created_at);

	CREATE TABLE IF NOT EXISTS signal_records (
		kind           VARCHAR(20) NOT NULL,
		hash           VARCHAR(128) NOT NULL,
		identity_ids   TEXT[] NOT NULL DEFAULT '{}',
		is_vpn         BOOLEAN NOT NULL DEFAULT FALSE,
		is_proxy       BOOLEAN NOT NULL DEFAULT FALSE,
		is_datacenter  BOOLEAN NOT NULL DEFAULT FALSE,
		is_tor         BOOLEAN NOT NULL DEFAULT FALSE,
		first_seen_at  TIMESTAMPTZ NOT NULL,
		last_seen_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (kind, hash)
	);
	CREATE OR REPLACE VIEW signal_fingerprints AS
		SELECT hash, identity_ids, first_seen_at, last_seen_at
		FROM signal_records WHERE kind = 'fingerprint';
	CREATE OR REPLACE VIEW signal_network_origin AS
		SELECT hash, identity_ids, is_vpn, is_proxy, is_datacenter, is_tor, first_seen_at, last_seen_at
		FROM signal_records WHERE kind = 'network_origin';

	CREATE TABLE IF NOT EXISTS alt_links (
		identity_a     VARCHAR(64) NOT NULL,
		identity_b     VARCHAR(64) NOT NULL,
		confidence     DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		method         VARCHAR(32) NOT NULL,
		evidence       JSONB NOT NULL DEFAULT '{}',
		confirmed      BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_by   TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (identity_a, identity_b),
		CHECK (identity_a < identity_b)
	);
	CREATE INDEX IF NOT EXISTS idx_alt_links_b ON alt_links (identity_b);

	CREATE TABLE IF NOT EXISTS ban_records (
		identity_id    VARCHAR(64) PRIMARY KEY,
		severity       SMALLINT NOT NULL CHECK (severity BETWEEN 1 AND 4),
		origins        JSONB NOT NULL DEFAULT '[]',
		ban_count      INTEGER NOT NULL DEFAULT 0,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verification_attempts (
		id                  VARCHAR(40) PRIMARY KEY,
		identity_id         VARCHAR(64) NOT NULL,
		guild_id            VARCHAR(64) NOT NULL,
		status              VARCHAR(12) NOT NULL CHECK (status IN ('final', 'provisional')),
		decision            VARCHAR(12) NOT NULL,
		action              VARCHAR(24) NOT NULL,
		score               SMALLINT NOT NULL CHECK (score >= 0 AND score <= 100),
		sub_scores          JSONB NOT NULL DEFAULT '{}',
		flags               TEXT[] NOT NULL DEFAULT '{}',
		degraded_sources    TEXT[] NOT NULL DEFAULT '{}',
		excluded_categories TEXT[] NOT NULL DEFAULT '{}',
		inputs              JSONB NOT NULL DEFAULT '{}',
		display_name        TEXT NOT NULL DEFAULT '',
		manual_review       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_identity_guild
		ON verification_attempts (identity_id, guild_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_attempts_guild_approved
		ON verification_attempts (guild_id, created_at DESC) WHERE decision = 'approved';

	CREATE TABLE IF NOT EXISTS identity_messages (
		id           BIGSERIAL PRIMARY KEY,
		identity_id  VARCHAR(64) NOT NULL,
		guild_id     VARCHAR(64) NOT NULL,
		content      TEXT NOT NULL,
		sent_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_identity_messages_identity ON identity_messages (identity_id, sent_at);
	CREATE INDEX IF NOT EXISTS idx_identity_messages_sent_at ON identity_messages (sent_at);

	CREATE TABLE IF NOT EXISTS behavior_profiles (
		identity_id          VARCHAR(64) PRIMARY KEY,
		message_count        INTEGER NOT NULL,
		mean_interval_sec    DOUBLE PRECISION NOT NULL,
		interval_stddev_sec  DOUBLE PRECISION NOT NULL,
		duplicate_ratio      DOUBLE PRECISION NOT NULL,
		link_ratio           DOUBLE PRECISION NOT NULL,
		mention_ratio        DOUBLE PRECISION NOT NULL,
		vocabulary_hash      VARCHAR(64) NOT NULL DEFAULT '',
		rebuilt_at           TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_behavior_vocab ON behavior_profiles (vocabulary_hash) WHERE vocabulary_hash <> '';

	CREATE TABLE IF NOT EXISTS style_profiles (
		identity_id            VARCHAR(64) PRIMARY KEY,
		token_count            INTEGER NOT NULL,
		vocabulary_diversity   DOUBLE PRECISION NOT NULL,
		avg_tokens_per_message DOUBLE PRECISION NOT NULL,
		uppercase_ratio        DOUBLE PRECISION NOT NULL,
		punctuation_ratio      DOUBLE PRECISION NOT NULL,
		style_hash             VARCHAR(64) NOT NULL DEFAULT '',
		rebuilt_at             TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_style_hash ON style_profiles (style_hash) WHERE style_hash <> '';

	CREATE TABLE IF NOT EXISTS threat_actors (
		kind        VARCHAR(10) NOT NULL CHECK (kind IN ('identity', 'device', 'network')),
		value       VARCHAR(128) NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		added_by    TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (kind, value)
	);
`

// --- identities ---

const identityColumns = `id, created_at, display_name, trust, banned, first_seen_at, updated_at`

func (s *PostgresStore) UpsertIdentity(ctx context.Context, ident *Identity) (*Identity, error) {
	if ident == nil || ident.ID == "" {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO identities (id, created_at, display_name, trust, first_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE identities.display_name END,
			created_at   = COALESCE(identities.created_at, EXCLUDED.created_at),
			updated_at   = NOW()
		RETURNING `+identityColumns,
		ident.ID, nullTime(ident.CreatedAt), ident.DisplayName, DefaultTrust,
	)
	out, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert identity: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	out, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AdjustTrust(ctx context.Context, id string, delta float64) (float64, error) {
	var trust float64
	err := s.db.QueryRowContext(ctx, `
		UPDATE identities
		SET trust = LEAST(100, GREATEST(0, trust + $2)), updated_at = NOW()
		WHERE id = $1
		RETURNING trust
	`, id, delta).Scan(&trust)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to adjust trust: %w", err)
	}
	return trust, nil
}

func (s *PostgresStore) MarkBanned(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, trust, banned) VALUES ($1, 0, TRUE)
		ON CONFLICT (id) DO UPDATE SET banned = TRUE, updated_at = NOW()
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark banned: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+identityColumns+`
		FROM identities
		WHERE created_at BETWEEN $1 AND $2
		ORDER BY created_at
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*Identity, error) {
	var ident Identity
	var created sql.NullTime
	if err := row.Scan(&ident.ID, &created, &ident.DisplayName, &ident.Trust, &ident.Banned, &ident.FirstSeenAt, &ident.UpdatedAt); err != nil {
		return nil, err
	}
	if created.Valid {
		ident.CreatedAt = created.Time
	}
	return &ident, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// --- signals ---

const signalColumns = `kind, hash, identity_ids, is_vpn, is_proxy, is_datacenter, is_tor, first_seen_at, last_seen_at`

func (s *PostgresStore) ObserveSignal(ctx context.Context, kind SignalKind, hash, identityID string, factors Factors, at time.Time) (*SignalRecord, error) {
	if hash == "" || identityID == "" || (kind != SignalFingerprint && kind != SignalNetworkOrigin) {
		return nil, ErrInvalidInput
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO signal_records (kind, hash, identity_ids, is_vpn, is_proxy, is_datacenter, is_tor, first_seen_at, last_seen_at)
		VALUES ($1, $2, ARRAY[$3::text], $4, $5, $6, $7, $8, $8)
		ON CONFLICT (kind, hash) DO UPDATE SET
			identity_ids  = CASE WHEN $3 = ANY(signal_records.identity_ids)
			                     THEN signal_records.identity_ids
			                     ELSE array_append(signal_records.identity_ids, $3) END,
			is_vpn        = signal_records.is_vpn OR EXCLUDED.is_vpn,
			is_proxy      = signal_records.is_proxy OR EXCLUDED.is_proxy,
			is_datacenter = signal_records.is_datacenter OR EXCLUDED.is_datacenter,
			is_tor        = signal_records.is_tor OR EXCLUDED.is_tor,
			last_seen_at  = GREATEST(signal_records.last_seen_at, EXCLUDED.last_seen_at)
		RETURNING `+signalColumns,
		string(kind), hash, identityID, factors.VPN, factors.Proxy, factors.Datacenter, factors.Tor, at,
	)
	rec, err := scanSignal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to observe signal: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetSignal(ctx context.Context, kind SignalKind, hash string) (*SignalRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM signal_records WHERE kind = $1 AND hash = $2`, string(kind), hash)
	rec, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	return rec, nil
}

func scanSignal(row scanner) (*SignalRecord, error) {
	var rec SignalRecord
	var kind string
	var ids []string
	if err := row.Scan(&kind, &rec.Hash, pq.Array(&ids), &rec.Factors.VPN, &rec.Factors.Proxy,
		&rec.Factors.Datacenter, &rec.Factors.Tor, &rec.FirstSeenAt, &rec.LastSeenAt); err != nil {
		return nil, err
	}
	rec.Kind = SignalKind(kind)
	sort.Strings(ids)
	rec.IdentityIDs = ids
	return &rec, nil
}

// --- alt links ---

const linkColumns = `identity_a, identity_b, confidence, method, evidence, confirmed, confirmed_by, created_at, updated_at`

// UpsertAltLink merges the link in a single statement with the same rules as
// MergeAltLink: max confidence, method of the stronger observation, evidence
// union with existing keys winning, sticky confirmation.
func (s *PostgresStore) UpsertAltLink(ctx context.Context, link *AltLink) (*AltLink, error) {
	if link == nil || link.IdentityA == "" || link.IdentityB == "" || link.IdentityA == link.IdentityB {
		return nil, ErrInvalidInput
	}
	a, b := CanonicalPair(link.IdentityA, link.IdentityB)
	evidence, err := json.Marshal(copyEvidence(link.Evidence))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	updated := link.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO alt_links (identity_a, identity_b, confidence, method, evidence, confirmed, confirmed_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		ON CONFLICT (identity_a, identity_b) DO UPDATE SET
			method       = CASE WHEN EXCLUDED.confidence > alt_links.confidence THEN EXCLUDED.method ELSE alt_links.method END,
			confidence   = GREATEST(alt_links.confidence, EXCLUDED.confidence),
			evidence     = EXCLUDED.evidence || alt_links.evidence,
			confirmed    = alt_links.confirmed OR EXCLUDED.confirmed,
			confirmed_by = CASE WHEN alt_links.confirmed THEN alt_links.confirmed_by ELSE EXCLUDED.confirmed_by END,
			updated_at   = GREATEST(alt_links.updated_at, EXCLUDED.updated_at)
		RETURNING `+linkColumns,
		a, b, clamp01(link.Confidence), string(link.Method), evidence, link.Confirmed, link.ConfirmedBy, updated,
	)
	out, err := scanLink(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert alt link: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ConfirmAltLink(ctx context.Context, a, b, reviewer string) (*AltLink, error) {
	a, b = CanonicalPair(a, b)
	row := s.db.QueryRowContext(ctx, `
		UPDATE alt_links SET
			confirmed_by = CASE WHEN confirmed THEN confirmed_by ELSE $3 END,
			confirmed    = TRUE,
			updated_at   = NOW()
		WHERE identity_a = $1 AND identity_b = $2
		RETURNING `+linkColumns, a, b, reviewer)
	out, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to confirm alt link: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListAltLinks(ctx context.Context, identityID string) ([]*AltLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM alt_links
		WHERE identity_a = $1 OR identity_b = $1
		ORDER BY confidence DESC, identity_a, identity_b
	`, identityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alt links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AltLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alt link: %w", err)
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

func scanLink(row scanner) (*AltLink, error) {
	var link AltLink
	var method string
	var evidence []byte
	if err := row.Scan(&link.IdentityA, &link.IdentityB, &link.Confidence, &method, &evidence,
		&link.Confirmed, &link.ConfirmedBy, &link.CreatedAt, &link.UpdatedAt); err != nil {
		return nil, err
	}
	link.Method = LinkMethod(method)
	link.Evidence = make(map[string]string)
	_ = json.Unmarshal(evidence, &link.Evidence)
	return &link, nil
}

// --- bans ---

// RecordBan folds the report into the ban record under a row lock so
// concurrent reports for the same identity serialize.
func (s *PostgresStore) RecordBan(ctx context.Context, report BanReport) (*BanRecord, error) {
	if report.IdentityID == "" {
		return nil, ErrInvalidInput
	}
	if report.At.IsZero() {
		report.At = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanBan(tx.QueryRowContext(ctx, `
		SELECT identity_id, severity, origins, ban_count, created_at, updated_at
		FROM ban_records WHERE identity_id = $1 FOR UPDATE
	`, report.IdentityID))
	if errors.Is(err, sql.ErrNoRows) {
		rec = &BanRecord{}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load ban record: %w", err)
	}
	rec.Apply(report)

	origins, err := json.Marshal(rec.Origins)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal origins: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ban_records (identity_id, severity, origins, ban_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id) DO UPDATE SET
			severity = EXCLUDED.severity, origins = EXCLUDED.origins,
			ban_count = EXCLUDED.ban_count, updated_at = EXCLUDED.updated_at
	`, rec.IdentityID, int(rec.Severity), origins, rec.BanCount, rec.CreatedAt, rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to store ban record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO identities (id, trust, banned) VALUES ($1, 0, TRUE)
		ON CONFLICT (id) DO UPDATE SET banned = TRUE, updated_at = NOW()
	`, rec.IdentityID); err != nil {
		return nil, fmt.Errorf("failed to mark banned: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ban: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetBan(ctx context.Context, identityID string) (*BanRecord, error) {
	rec, err := scanBan(s.db.QueryRowContext(ctx, `
		SELECT identity_id, severity, origins, ban_count, created_at, updated_at
		FROM ban_records WHERE identity_id = $1
	`, identityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ban record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) BannedAmong(ctx context.Context, ids []string) (map[string]*BanRecord, error) {
	out := make(map[string]*BanRecord)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, severity, origins, ban_count, created_at, updated_at
		FROM ban_records WHERE identity_id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query bans: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		rec, err := scanBan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban record: %w", err)
		}
		out[rec.IdentityID] = rec
	}
	return out, rows.Err()
}

func scanBan(row scanner) (*BanRecord, error) {
	var rec BanRecord
	var severity int
	var origins []byte
	if err := row.Scan(&rec.IdentityID, &severity, &origins, &rec.BanCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Severity = BanSeverity(severity)
	_ = json.Unmarshal(origins, &rec.Origins)
	return &rec, nil
}

// --- attempts ---

const attemptColumns = `id, identity_id, guild_id, status, decision, action, score, sub_scores, flags,
	degraded_sources, excluded_categories, inputs, display_name, manual_review, created_at`

// RecordAttempt serializes writers for one (identity, guild) pair with a
// transaction-scoped advisory lock, then inserts unless a final attempt
// already exists in the replay window.
func (s *PostgresStore) RecordAttempt(ctx context.Context, attempt *VerificationAttempt, since time.Time) (*VerificationAttempt, error) {
	if attempt == nil || attempt.ID == "" || attempt.IdentityID == "" || attempt.GuildID == "" {
		return nil, ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`,
		attemptKey(attempt.IdentityID, attempt.GuildID)); err != nil {
		return nil, fmt.Errorf("failed to lock attempt key: %w", err)
	}

	if attempt.IsFinal() {
		existing, err := scanAttempt(tx.QueryRowContext(ctx, `
			SELECT `+attemptColumns+`
			FROM verification_attempts
			WHERE identity_id = $1 AND guild_id = $2 AND status = 'final'
			  AND decision IN ('approved', 'denied') AND created_at >= $3
			ORDER BY created_at DESC LIMIT 1
		`, attempt.IdentityID, attempt.GuildID, since))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check replay window: %w", err)
		}
	}

	subScores, err := json.Marshal(attempt.SubScores)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sub-scores: %w", err)
	}
	inputs, err := json.Marshal(attempt.Inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inputs: %w", err)
	}
	created := attempt.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	flags := decision.Flags(attempt.Flags).Strings()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verification_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		attempt.ID, attempt.IdentityID, attempt.GuildID, string(attempt.Status),
		string(attempt.Decision), string(attempt.Action), attempt.Score, subScores,
		pq.Array(flags), pq.Array(nonNil(attempt.DegradedSources)), pq.Array(nonNil(attempt.ExcludedCategories)),
		inputs, attempt.DisplayName, attempt.ManualReview, created,
	); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt: %w", err)
	}
	return nil, nil
}

func (s *PostgresStore) LatestFinalAttempt(ctx context.Context, identityID, guildID string, since time.Time) (*VerificationAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM verification_attempts
		WHERE identity_id = $1 AND guild_id = $2 AND status = 'final'
		  AND decision IN ('approved', 'denied') AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1
	`, identityID, guildID, since))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, identityID, guildID string, limit int) ([]*VerificationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+`
		FROM verification_attempts
		WHERE identity_id = $1 AND guild_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, identityID, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*VerificationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListVerifiedInGuild(ctx context.Context, guildID string, since time.Time, limit int) ([]VerifiedMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT DISTINCT ON (a.identity_id)
				a.identity_id, COALESCE(NULLIF(i.display_name, ''), a.display_name), a.created_at
			FROM verification_attempts a
			LEFT JOIN identities i ON i.id = a.identity_id
			WHERE a.guild_id = $1 AND a.decision = 'approved' AND a.created_at >= $2
			ORDER BY a.identity_id, a.created_at DESC
		) latest
		ORDER BY created_at DESC
		LIMIT $3
	`, guildID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verified members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VerifiedMember
	for rows.Next() {
		var v VerifiedMember
		if err := rows.Scan(&v.IdentityID, &v.DisplayName, &v.VerifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan verified member: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanAttempt(row scanner) (*VerificationAttempt, error) {
	var a VerificationAttempt
	var status, dec, action string
	var subScores, inputs []byte
	var flags []string
	if err := row.Scan(&a.ID, &a.IdentityID, &a.GuildID, &status, &dec, &action, &a.Score, &subScores,
		pq.Array(&flags), pq.Array(&a.DegradedSources), pq.Array(&a.ExcludedCategories), &inputs,
		&a.DisplayName, &a.ManualReview, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = AttemptStatus(status)
	a.Decision = decision.Decision(dec)
	a.Action = decision.Action(action)
	for _, f := range flags {
		a.Flags = append(a.Flags, decision.Flag(f))
	}
	_ = json.Unmarshal(subScores, &a.SubScores)
	_ = json.Unmarshal(inputs, &a.Inputs)
	return &a, nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// --- messages and profiles ---

func (s *PostgresStore) AppendMessages(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("identity_messages", "identity_id", "guild_id", "content", "sent_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	for _, m := range msgs {
		if m.IdentityID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, m.IdentityID, m.GuildID, m.Content, m.SentAt); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy message: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush messages: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) RecentMessages(ctx context.Context, identityID string, since time.Time, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, guild_id, content, sent_at FROM (
			SELECT identity_id, guild_id, content, sent_at
			FROM identity_messages
			WHERE identity_id = $1 AND sent_at >= $2
			ORDER BY sent_at DESC
			LIMIT $3
		) recent ORDER BY sent_at
	`, identityID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.IdentityID, &m.GuildID, &m.Content, &m.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) IdentitiesWithMessagesSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT identity_id FROM identity_messages WHERE sent_at >= $1 ORDER BY identity_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan identity id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneMessages(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identity_messages WHERE sent_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveBehaviorProfile(ctx context.Context, p *BehaviorProfile) error {
	if p == nil || p.IdentityID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO behavior_profiles (identity_id, message_count, mean_interval_sec, interval_stddev_sec,
			duplicate_ratio, link_ratio, mention_ratio, vocabulary_hash, rebuilt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (identity_id) DO UPDATE SET
			message_count = EXCLUDED.message_count, mean_interval_sec = EXCLUDED.mean_interval_sec,
			interval_stddev_sec = EXCLUDED.interval_stddev_sec, duplicate_ratio = EXCLUDED.duplicate_ratio,
			link_ratio = EXCLUDED.link_ratio, mention_ratio = EXCLUDED.mention_ratio,
			vocabulary_hash = EXCLUDED.vocabulary_hash, rebuilt_at = EXCLUDED.rebuilt_at
	`, p.IdentityID, p.MessageCount, p.MeanIntervalSec, p.IntervalStdDevSec,
		p.DuplicateRatio, p.LinkRatio, p.MentionRatio, p.VocabularyHash, p.RebuiltAt)
	if err != nil {
		return fmt.Errorf("failed to save behavior profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBehaviorProfile(ctx context.Context, identityID string) (*BehaviorProfile, error) {
	var p BehaviorProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, message_count, mean_interval_sec, interval_stddev_sec,
			duplicate_ratio, link_ratio, mention_ratio, vocabulary_hash, rebuilt_at
		FROM behavior_profiles WHERE identity_id = $1
	`, identityID).Scan(&p.IdentityID, &p.MessageCount, &p.MeanIntervalSec, &p.IntervalStdDevSec,
		&p.DuplicateRatio, &p.LinkRatio, &p.MentionRatio, &p.VocabularyHash, &p.RebuiltAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get behavior profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SaveStyleProfile(ctx context.Context, p *StyleProfile) error {
	if p == nil || p.IdentityID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO style_profiles (identity_id, token_count, vocabulary_diversity, avg_tokens_per_message,
			uppercase_ratio, punctuation_ratio, style_hash, rebuilt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity_id) DO UPDATE SET
			token_count = EXCLUDED.token_count, vocabulary_diversity = EXCLUDED.vocabulary_diversity,
			avg_tokens_per_message = EXCLUDED.avg_tokens_per_message, uppercase_ratio = EXCLUDED.uppercase_ratio,
			punctuation_ratio = EXCLUDED.punctuation_ratio, style_hash = EXCLUDED.style_hash,
			rebuilt_at = EXCLUDED.rebuilt_at
	`, p.IdentityID, p.TokenCount, p.VocabularyDiversity, p.AvgTokensPerMessage,
		p.UppercaseRatio, p.PunctuationRatio, p.StyleHash, p.RebuiltAt)
	if err != nil {
		return fmt.Errorf("failed to save style profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStyleProfile(ctx context.Context, identityID string) (*StyleProfile, error) {
	var p StyleProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, token_count, vocabulary_diversity, avg_tokens_per_message,
			uppercase_ratio, punctuation_ratio, style_hash, rebuilt_at
		FROM style_profiles WHERE identity_id = $1
	`, identityID).Scan(&p.IdentityID, &p.TokenCount, &p.VocabularyDiversity, &p.AvgTokensPerMessage,
		&p.UppercaseRatio, &p.PunctuationRatio, &p.StyleHash, &p.RebuiltAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get style profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) FindByVocabularyHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error) {
	return s.findByHash(ctx, `
		SELECT identity_id FROM behavior_profiles
		WHERE vocabulary_hash = $1 AND identity_id <> $2
		ORDER BY identity_id LIMIT $3`, hash, excludeID, limit)
}

func (s *PostgresStore) FindByStyleHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error) {
	return s.findByHash(ctx, `
		SELECT identity_id FROM style_profiles
		WHERE style_hash = $1 AND identity_id <> $2
		ORDER BY identity_id LIMIT $3`, hash, excludeID, limit)
}

func (s *PostgresStore) findByHash(ctx context.Context, query, hash, excludeID string, limit int) ([]string, error) {
	if hash == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, query, hash, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find profiles by hash: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan identity id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- threat actors ---

func (s *PostgresStore) AddThreatActor(ctx context.Context, t *ThreatActor) error {
	if t == nil || t.Value == "" {
		return ErrInvalidInput
	}
	switch t.Kind {
	case ThreatIdentity, ThreatDevice, ThreatNetwork:
	default:
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threat_actors (kind, value, reason, added_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, value) DO UPDATE SET reason = EXCLUDED.reason, added_by = EXCLUDED.added_by
	`, string(t.Kind), t.Value, t.Reason, t.AddedBy)
	if err != nil {
		return fmt.Errorf("failed to add threat actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupThreat(ctx context.Context, identityID, deviceHash, networkHash string) (ThreatMatch, error) {
	var m ThreatMatch
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM threat_actors WHERE kind = 'identity' AND value = $1 AND $1 <> ''),
			EXISTS(SELECT 1 FROM threat_actors WHERE kind = 'device'   AND value = $2 AND $2 <> ''),
			EXISTS(SELECT 1 FROM threat_actors WHERE kind = 'network'  AND value = $3 AND $3 <> '')
	`, identityID, deviceHash, networkHash).Scan(&m.Identity, &m.Device, &m.Network)
	if err != nil {
		return ThreatMatch{}, fmt.Errorf("failed to look up threat actors: %w", err)
	}
	return m, nil
}
