package antiraid

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
)

// IncidentStore persists raid transitions.
type IncidentStore interface {
	Record(ctx context.Context, inc *Incident) error
	// List returns the most recent incidents first. An empty guildID lists
	// all guilds.
	List(ctx context.Context, guildID string, limit int) ([]*Incident, error)
}

// MemoryIncidentStore keeps incidents in process.
type MemoryIncidentStore struct {
	mu        sync.RWMutex
	incidents []*Incident
}

// NewMemoryIncidentStore creates an in-memory incident store.
func NewMemoryIncidentStore() *MemoryIncidentStore {
	return &MemoryIncidentStore{}
}

func (m *MemoryIncidentStore) Record(_ context.Context, inc *Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *inc
	m.incidents = append(m.incidents, &cp)
	return nil
}

func (m *MemoryIncidentStore) List(_ context.Context, guildID string, limit int) ([]*Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Incident
	for _, inc := range m.incidents {
		if guildID == "" || inc.GuildID == guildID {
			cp := *inc
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresIncidentStore persists incidents in PostgreSQL.
type PostgresIncidentStore struct {
	db *sql.DB
}

// NewPostgresIncidentStore creates a PostgreSQL-backed incident store.
func NewPostgresIncidentStore(db *sql.DB) *PostgresIncidentStore {
	return &PostgresIncidentStore{db: db}
}

// Migrate creates the raid_incidents table if it doesn't exist.
func (p *PostgresIncidentStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS raid_incidents (
			id           VARCHAR(64) PRIMARY KEY,
			guild_id     VARCHAR(64) NOT NULL,
			from_mode    VARCHAR(16) NOT NULL,
			to_mode      VARCHAR(16) NOT NULL,
			from_threat  VARCHAR(16) NOT NULL,
			to_threat    VARCHAR(16) NOT NULL,
			trigger      VARCHAR(32) NOT NULL,
			event_count  INTEGER NOT NULL DEFAULT 0,
			at           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_raid_incidents_guild ON raid_incidents (guild_id, at DESC);
	`)
	return err
}

func (p *PostgresIncidentStore) Record(ctx context.Context, inc *Incident) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO raid_incidents (id, guild_id, from_mode, to_mode, from_threat, to_threat, trigger, event_count, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, inc.ID, inc.GuildID, string(inc.FromMode), string(inc.ToMode), string(inc.FromThreat),
		string(inc.ToThreat), string(inc.Trigger), inc.Count, inc.At)
	if err != nil {
		return fmt.Errorf("failed to record raid incident: %w", err)
	}
	return nil
}

func (p *PostgresIncidentStore) List(ctx context.Context, guildID string, limit int) ([]*Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, guild_id, from_mode, to_mode, from_threat, to_threat, trigger, event_count, at
		FROM raid_incidents
		WHERE ($1 = '' OR guild_id = $1)
		ORDER BY at DESC
		LIMIT $2
	`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list raid incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Incident
	for rows.Next() {
		var inc Incident
		var fromMode, toMode, fromThreat, toThreat, trigger string
		if err := rows.Scan(&inc.ID, &inc.GuildID, &fromMode, &toMode, &fromThreat, &toThreat, &trigger, &inc.Count, &inc.At); err != nil {
			return nil, fmt.Errorf("failed to scan raid incident: %w", err)
		}
		inc.FromMode, inc.ToMode = Mode(fromMode), Mode(toMode)
		inc.FromThreat, inc.ToThreat = Threat(fromThreat), Threat(toThreat)
		inc.Trigger = Trigger(trigger)
		out = append(out, &inc)
	}
	return out, rows.Err()
}
