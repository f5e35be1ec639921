//go:build integration

package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/testutil"
)

func TestPostgresStore_AppendAndPage(t *testing.T) {
	db := testutil.PGContainer(t)
	ctx := context.Background()
	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))
	l := NewLogger(store, nil)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l.Record(ctx, &Entry{
			ID:              fmt.Sprintf("aud_%d", i),
			Kind:            KindEvaluation,
			GuildID:         "g1",
			IdentityID:      "u1",
			Score:           40 + i,
			Flags:           []string{"new_account"},
			DegradedSources: []string{"registry.a"},
			Detail:          map[string]any{"attempt": i},
			CreatedAt:       base.Add(time.Duration(i) * time.Second),
		})
	}

	page, next, err := l.Page(ctx, Query{GuildID: "g1", Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "aud_4", page[0].ID)
	assert.Equal(t, []string{"registry.a"}, page[0].DegradedSources)
	assert.EqualValues(t, 4, page[0].Detail["attempt"])
	require.NotEmpty(t, next)
}
