package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)

	// IDs may themselves contain dots; only the first separator counts.
	for _, id := range []string{"aud_0190f3c2", "att_a.b.c"} {
		c, err := Decode(Encode(ts, id))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, ts, c.CreatedAt)
		assert.Equal(t, id, c.ID)
	}
}

func TestDecode_Empty(t *testing.T) {
	c, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestDecode_Invalid(t *testing.T) {
	bad := []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("noseparator")),
		base64.RawURLEncoding.EncodeToString([]byte("zz!.aud_1")),
		base64.RawURLEncoding.EncodeToString([]byte("abc.")),
	}
	for _, s := range bad {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_After(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: t0, ID: "m"}

	assert.True(t, c.After(t0.Add(-time.Second), "z"), "older row")
	assert.False(t, c.After(t0.Add(time.Second), "a"), "newer row")
	assert.True(t, c.After(t0, "a"), "same instant, smaller id")
	assert.False(t, c.After(t0, "m"), "cursor row itself")

	var none *Cursor
	assert.True(t, none.After(t0, "x"))
}

func TestComputePage(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return at, s }

	page, next, more := ComputePage([]string{"a", "b", "c"}, 5, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	page, next, more = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Equal(t, []string{"a", "b", "c"}, page)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 50},
		{"abc", 50},
		{"-3", 50},
		{"0", 50},
		{"10", 10},
		{"1000", 200},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseLimit(tc.in, 50, 200), tc.in)
	}
}
