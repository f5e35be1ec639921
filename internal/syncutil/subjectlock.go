// Package syncutil serializes work per admission subject with bounded memory.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewSubjectLocks(0).
const DefaultShards = 256

// SubjectLocks is a fixed pool of channel mutexes keyed by (identity, guild).
// Distinct subjects may share a shard; the same subject never runs twice at
// once. Waiters give up when their context ends.
type SubjectLocks struct {
	shards []chan struct{}
}

// NewSubjectLocks creates a pool with n shards.
func NewSubjectLocks(n int) *SubjectLocks {
	if n <= 0 {
		n = DefaultShards
	}
	l := &SubjectLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// Key joins an identity and guild into a lock key.
func Key(identityID, guildID string) string {
	return identityID + "|" + guildID
}

// Lock waits for the subject's shard. The returned func releases it and
// must be called exactly once.
func (l *SubjectLocks) Lock(ctx context.Context, identityID, guildID string) (func(), error) {
	shard := l.shards[l.index(Key(identityID, guildID))]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the shard only if it is free.
func (l *SubjectLocks) TryLock(identityID, guildID string) (func(), bool) {
	shard := l.shards[l.index(Key(identityID, guildID))]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (l *SubjectLocks) index(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.shards)))
}
