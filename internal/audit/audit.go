// Package audit records every evaluation, degraded path and moderator
// action so that "approved despite missing data" can be told apart from
// "approved with full data".
package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/guildgate/internal/idgen"
	"github.com/mbd888/guildgate/internal/pagination"
)

// Kind classifies an audit entry.
type Kind string

const (
	KindEvaluation          Kind = "evaluation"
	KindEvaluationCancelled Kind = "evaluation_cancelled"
	KindReplay              Kind = "replay"
	KindRateLimited         Kind = "rate_limited"
	KindInfraFailure        Kind = "infrastructure_failure"
	KindNotificationFailure Kind = "notification_failure"
	KindRaidTransition      Kind = "raid_transition"
	KindBanRecorded         Kind = "ban_recorded"
	KindAltLinkConfirmed    Kind = "altlink_confirmed"
	KindThreatActorAdded    Kind = "threat_actor_added"
)

// Entry is one audit log row.
type Entry struct {
	ID                 string         `json:"id"`
	Kind               Kind           `json:"kind"`
	GuildID            string         `json:"guildId,omitempty"`
	IdentityID         string         `json:"identityId,omitempty"`
	AttemptID          string         `json:"attemptId,omitempty"`
	Decision           string         `json:"decision,omitempty"`
	Action             string         `json:"action,omitempty"`
	Score              int            `json:"score"`
	Flags              []string       `json:"flags,omitempty"`
	DegradedSources    []string       `json:"degradedSources,omitempty"`
	ExcludedCategories []string       `json:"excludedCategories,omitempty"`
	Actor              string         `json:"actor,omitempty"`
	Detail             map[string]any `json:"detail,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// Query filters a listing. Empty fields match everything.
type Query struct {
	GuildID    string
	IdentityID string
	Kind       Kind
	Cursor     *pagination.Cursor
	Limit      int
}

// Store persists audit entries. List returns newest first and may return
// up to Limit+1 rows so callers can detect another page.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, q Query) ([]*Entry, error)
}

// Logger writes audit entries, falling back to the structured log when the
// store fails. Audit writes never fail the calling operation.
type Logger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewLogger creates an audit logger.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger, now: time.Now}
}

// Record fills ID and CreatedAt when missing and appends the entry.
func (l *Logger) Record(ctx context.Context, e *Entry) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix(idgen.Audit)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.ErrorContext(ctx, "failed to write audit entry",
			"kind", e.Kind, "guild_id", e.GuildID, "identity_id", e.IdentityID,
			"degraded", e.DegradedSources, "error", err)
	}
}

// Page lists entries for q and returns the next cursor.
func (l *Logger) Page(ctx context.Context, q Query) ([]*Entry, string, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	limit := q.Limit
	q.Limit = limit + 1
	items, err := l.store.List(ctx, q)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if q.GuildID != "" && e.GuildID != q.GuildID {
			continue
		}
		if q.IdentityID != "" && e.IdentityID != q.IdentityID {
			continue
		}
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if !q.Cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
