package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *clock) {
	clk := &clock{t: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clk.now
	return b, clk
}

var errUpstream = errors.New("registry unreachable")

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	assert.True(t, b.Allow("registry:shared"))
	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Do(ctx, "registry:shared", fail), errUpstream)
	}
	assert.Equal(t, StateClosed, b.State("registry:shared"))

	assert.ErrorIs(t, b.Do(ctx, "registry:shared", fail), errUpstream)
	assert.Equal(t, StateOpen, b.State("registry:shared"))
	assert.ErrorIs(t, b.Do(ctx, "registry:shared", ok), ErrOpen)
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	b.RecordFailure("arbiter")

	assert.False(t, b.Allow("arbiter"))
	clk.advance(time.Minute)

	assert.True(t, b.Allow("arbiter"))
	assert.Equal(t, StateHalfOpen, b.State("arbiter"))
	assert.False(t, b.Allow("arbiter"), "second caller during probe")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	ctx := context.Background()

	t.Run("success closes", func(t *testing.T) {
		b, clk := newTestBreaker(1, time.Minute)
		b.RecordFailure("arbiter")
		clk.advance(time.Minute)

		require.NoError(t, b.Do(ctx, "arbiter", ok))
		assert.Equal(t, StateClosed, b.State("arbiter"))
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clk := newTestBreaker(3, time.Minute)
		for i := 0; i < 3; i++ {
			b.RecordFailure("arbiter")
		}
		clk.advance(time.Minute)

		assert.ErrorIs(t, b.Do(ctx, "arbiter", fail), errUpstream)
		assert.Equal(t, StateOpen, b.State("arbiter"))
		assert.False(t, b.Allow("arbiter"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("r")
	b.RecordFailure("r")
	b.RecordSuccess("r")
	b.RecordFailure("r")
	b.RecordFailure("r")
	assert.Equal(t, StateClosed, b.State("r"))
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("registry:a")

	assert.False(t, b.Allow("registry:a"))
	assert.True(t, b.Allow("registry:b"))
	assert.Equal(t, StateClosed, b.State("never-seen"))
}

func TestBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)
	cancelled := func(context.Context) error { return context.Canceled }

	assert.ErrorIs(t, b.Do(context.Background(), "r", cancelled), context.Canceled)
	assert.Equal(t, StateClosed, b.State("r"))

	// A cancelled probe hands the slot back.
	b.RecordFailure("r")
	clk.advance(time.Minute)
	assert.ErrorIs(t, b.Do(context.Background(), "r", cancelled), context.Canceled)
	assert.True(t, b.Allow("r"))
}

func TestBreaker_FailureFilter(t *testing.T) {
	errNotFound := errors.New("404")
	b, _ := newTestBreaker(1, time.Minute)
	b.WithFailureFilter(func(err error) bool { return !errors.Is(err, errNotFound) })

	err := b.Do(context.Background(), "r", func(context.Context) error { return errNotFound })
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, StateClosed, b.State("r"))

	_ = b.Do(context.Background(), "r", fail)
	assert.Equal(t, StateOpen, b.State("r"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "registry:shared", key)
		got <- [2]State{from, to}
	})
	b.RecordFailure("registry:shared")

	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("transition callback not fired")
	}
}

func TestBreaker_Snapshot(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure("registry:b")
	b.RecordFailure("registry:a")
	b.RecordFailure("registry:a")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "registry:a", snap[0].Key)
	assert.Equal(t, "open", snap[0].State)
	assert.Equal(t, 2, snap[0].Failures)
	assert.Equal(t, "closed", snap[1].State)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
