package reputation

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordKey struct{ identity, guild string }

// MemoryStore is an in-memory Store for demo mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[recordKey]*Record
	snapshots []*Snapshot
	nextID    int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

func (m *MemoryStore) Apply(_ context.Context, identityID, guildID string, d Delta) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := recordKey{identityID, guildID}
	rec, ok := m.records[k]
	if !ok {
		rec = &Record{IdentityID: identityID, GuildID: guildID, Trust: DefaultTrust}
		m.records[k] = rec
	}
	rec.Apply(d)
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) Get(_ context.Context, identityID, guildID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[recordKey{identityID, guildID}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListActiveSince(_ context.Context, since time.Time, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if !rec.LastActive.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActive.After(out[j].LastActive) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveSnapshots(_ context.Context, snaps []*Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snaps {
		m.nextID++
		cp := *s
		cp.ID = m.nextID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		m.snapshots = append(m.snapshots, &cp)
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []*Snapshot
	for i := len(m.snapshots) - 1; i >= 0; i-- {
		s := m.snapshots[i]
		if s.IdentityID != q.IdentityID || s.GuildID != q.GuildID {
			continue
		}
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
