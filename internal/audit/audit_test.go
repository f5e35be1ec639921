package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/guildgate/internal/pagination"
)

func seed(t *testing.T, l *Logger, n int) {
	t.Helper()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		guild := "g1"
		if i%2 == 1 {
			guild = "g2"
		}
		l.Record(context.Background(), &Entry{
			ID:         fmt.Sprintf("aud_%02d", i),
			Kind:       KindEvaluation,
			GuildID:    guild,
			IdentityID: fmt.Sprintf("u%d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		})
	}
}

func TestLogger_FillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)
	l.Record(context.Background(), &Entry{Kind: KindEvaluationCancelled, DegradedSources: []string{"registry.a"}})

	got, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].CreatedAt.IsZero())
	assert.Equal(t, []string{"registry.a"}, got[0].DegradedSources)
}

func TestLogger_PagesNewestFirst(t *testing.T) {
	l := NewLogger(NewMemoryStore(), nil)
	seed(t, l, 7)

	var seen []string
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		var q Query
		q.Limit = 3
		if cursor != "" {
			c, err := pagination.Decode(cursor)
			require.NoError(t, err)
			q.Cursor = c
		}
		entries, next, err := l.Page(context.Background(), q)
		require.NoError(t, err)
		for _, e := range entries {
			seen = append(seen, e.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"aud_06", "aud_05", "aud_04", "aud_03", "aud_02", "aud_01", "aud_00"}, seen)
}

func TestMemoryStore_Filters(t *testing.T) {
	l := NewLogger(NewMemoryStore(), nil)
	seed(t, l, 6)
	l.Record(context.Background(), &Entry{Kind: KindRaidTransition, GuildID: "g1"})

	entries, _, err := l.Page(context.Background(), Query{GuildID: "g1", Kind: KindEvaluation})
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, _, err = l.Page(context.Background(), Query{IdentityID: "u3"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "g2", entries[0].GuildID)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, *Entry) error { return errors.New("db down") }

func TestLogger_StoreFailureDoesNotPanic(t *testing.T) {
	l := NewLogger(&failingStore{}, nil)
	assert.NotPanics(t, func() {
		l.Record(context.Background(), &Entry{Kind: KindInfraFailure})
	})
}

func TestHandler_List(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewLogger(NewMemoryStore(), nil)
	seed(t, l, 5)

	r := gin.New()
	NewHandler(l).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit?guild=g1&limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Entries    []Entry `json:"entries"`
		NextCursor string  `json:"nextCursor"`
		HasMore    bool    `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 2)
	assert.True(t, resp.HasMore)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit?guild=g1&cursor="+resp.NextCursor, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Entries, 1)
	assert.False(t, resp.HasMore)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit?cursor=!!!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
