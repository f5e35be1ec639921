package idgen

import (
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(New())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestWithPrefix_SortsByCreation(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = WithPrefix(Attempt)
	}
	for _, id := range ids {
		assert.True(t, strings.HasPrefix(id, Attempt))
		assert.Len(t, id, len(Attempt)+32)
	}
	assert.True(t, sort.StringsAreSorted(ids), "v7 ids should be monotonic")
}

func TestSecret(t *testing.T) {
	a, b := Secret(32), Secret(32)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
