package antiraid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateContended is returned when a Redis state update keeps losing the
// optimistic lock to other instances.
var ErrStateContended = errors.New("antiraid: raid state contended")

// State is a guild's persisted state machine.
type State struct {
	Status
	ElevatedAt time.Time `json:"elevatedAt,omitempty"`
}

func newState(guildID string) State {
	return State{Status: Status{GuildID: guildID, Mode: ModeNormal, Threat: ThreatLow}}
}

// atRest reports whether the guild needs no further decay.
func (s State) atRest() bool {
	return s.Mode == ModeNormal && s.Threat == ThreatLow
}

// StateStore holds per-guild lockdown state. Monitors sharing a store see
// the same mode, threat and lockdown deadline.
type StateStore interface {
	// Update applies fn to the guild's state and saves the result when fn
	// reports a change, atomically per guild. fn may run more than once.
	Update(ctx context.Context, guildID string, fn func(*State) bool) (State, error)
	// Active lists guilds whose state has not decayed to NORMAL/LOW.
	Active(ctx context.Context) ([]string, error)
}

// MemoryStateStore keeps guild state in process.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

// NewMemoryStateStore creates an in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (m *MemoryStateStore) Update(_ context.Context, guildID string, fn func(*State) bool) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[guildID]
	if !ok {
		st = newState(guildID)
	}
	if fn(&st) {
		m.states[guildID] = st
	}
	return st, nil
}

func (m *MemoryStateStore) Active(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, st := range m.states {
		if !st.atRest() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

const (
	maxStateRetries = 10
	// restingStateTTL keeps a decayed guild's last transition visible for a
	// while without holding keys for idle guilds forever.
	restingStateTTL = 24 * time.Hour
)

// RedisStateStore shares guild state across instances. Each guild is one
// JSON value updated under WATCH, so a transition commits on exactly one
// instance.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (r *RedisStateStore) stateKey(guildID string) string {
	return r.prefix + "state:" + guildID
}

func (r *RedisStateStore) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisStateStore) Update(ctx context.Context, guildID string, fn func(*State) bool) (State, error) {
	key := r.stateKey(guildID)
	var out State
	txf := func(tx *redis.Tx) error {
		st := newState(guildID)
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &st); err != nil {
				return fmt.Errorf("decode raid state: %w", err)
			}
		}
		if !fn(&st) {
			out = st
			return nil
		}

		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode raid state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if st.atRest() {
				pipe.Set(ctx, key, data, restingStateTTL)
				pipe.SRem(ctx, r.activeKey(), guildID)
			} else {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, r.activeKey(), guildID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = st
		return nil
	}

	for i := 0; i < maxStateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return State{}, fmt.Errorf("raid state update: %w", err)
		}
		return out, nil
	}
	return State{}, ErrStateContended
}

func (r *RedisStateStore) Active(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active raid states: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
