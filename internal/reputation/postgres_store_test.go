//go:build integration

package reputation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/testutil"
)

func TestPostgresStore_ApplyAndSnapshot(t *testing.T) {
	db := testutil.PGContainer(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	at := time.Now().UTC().Truncate(time.Microsecond)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Apply(ctx, "u1", "g1", Delta{Messages: 1, Trust: 0.1, At: at})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := store.Apply(ctx, "u1", "g1", Delta{Kicks: 1, Trust: -15, At: at.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Messages)
	assert.Equal(t, 1, rec.Kicks)
	assert.InDelta(t, 37.0, rec.Trust, 1e-6)
	assert.True(t, rec.FirstSeen.Equal(at))
	assert.True(t, rec.LastActive.Equal(at.Add(time.Minute)))

	_, err = store.Get(ctx, "u1", "g2")
	assert.ErrorIs(t, err, ErrNotFound)

	svc := NewService(store, DefaultTrustDeltas(), nil)
	n, err := svc.Snapshot(ctx, at.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hist, err := store.History(ctx, HistoryQuery{IdentityID: "u1", GuildID: "g1", From: at.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "g1", hist[0].GuildID)
}

func TestPostgresStore_TrustClamped(t *testing.T) {
	db := testutil.PGContainer(t)
	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	rec, err := store.Apply(ctx, "u2", "g1", Delta{Denials: 1, Trust: -80, At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.Trust)
}
