package antiraid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStore counts events in a trailing window.
type WindowStore interface {
	// Add records member at time at under key and returns the number of
	// events in (at-window, at].
	Add(ctx context.Context, key string, at time.Time, member string, window time.Duration) (int, error)
	// Prune drops events at or before the cutoff.
	Prune(ctx context.Context, before time.Time) error
}

// MemoryWindowStore keeps event timestamps in process.
type MemoryWindowStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryWindowStore creates an in-memory window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{events: make(map[string][]time.Time)}
}

func (m *MemoryWindowStore) Add(_ context.Context, key string, at time.Time, _ string, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := at.Add(-window)
	kept := m.events[key][:0]
	for _, t := range m.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, at)
	m.events[key] = kept

	count := 0
	for _, t := range kept {
		if !t.After(at) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryWindowStore) Prune(_ context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ts := range m.events {
		kept := ts[:0]
		for _, t := range ts {
			if t.After(before) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(m.events, key)
		} else {
			m.events[key] = kept
		}
	}
	return nil
}

// RedisWindowStore shares event windows across instances using one sorted
// set per key. Keys expire with their window so Prune is a no-op.
type RedisWindowStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisWindowStore creates a Redis-backed window store.
func NewRedisWindowStore(client redis.Cmdable, prefix string) *RedisWindowStore {
	return &RedisWindowStore{client: client, prefix: prefix}
}

func (r *RedisWindowStore) Add(ctx context.Context, key string, at time.Time, member string, window time.Duration) (int, error) {
	k := r.prefix + key
	ms := at.UnixMilli()
	cutoff := ms - window.Milliseconds()

	var count *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{Score: float64(ms), Member: member})
		pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("%d", cutoff))
		count = pipe.ZCount(ctx, k, fmt.Sprintf("(%d", cutoff), fmt.Sprintf("%d", ms))
		pipe.PExpire(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("window add: %w", err)
	}
	return int(count.Val()), nil
}

func (r *RedisWindowStore) Prune(context.Context, time.Time) error {
	return nil
}
