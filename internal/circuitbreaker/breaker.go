// Package circuitbreaker guards upstream signal sources (ban registries,
// the arbitration service) so a dead dependency fails fast instead of
// eating each evaluation's per-source deadline.
package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/guildgate/internal/metrics"
)

// ErrOpen is returned by Do when the circuit for an upstream is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is the circuit state of one upstream.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls rejected until the cool-down passes
	StateHalfOpen              // a single probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Upstream is a point-in-time view of one key, for health and admin output.
type Upstream struct {
	Key         string    `json:"key"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"lastFailure,omitempty"`
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker keeps independent circuits per upstream key.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	countable    func(error) bool
	onTransition func(key string, from, to State)
	now          func() time.Time
}

// New returns a breaker that opens after threshold consecutive failures and
// probes again after openDuration.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		countable:    defaultCountable,
		now:          time.Now,
	}
}

// defaultCountable ignores the caller walking away: a cancelled evaluation
// says nothing about the upstream.
func defaultCountable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// WithFailureFilter replaces the predicate deciding which errors count toward
// tripping. Errors it rejects are treated like a success for circuit purposes.
func (b *Breaker) WithFailureFilter(fn func(error) bool) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countable = func(err error) bool { return defaultCountable(err) && fn(err) }
	return b
}

// OnTransition registers a callback fired asynchronously on state changes.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Allow reports whether a call to key may proceed. An open circuit whose
// cool-down has elapsed admits exactly one probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// immediately when a probe fails.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// release hands back a half-open probe slot without judging the upstream.
func (b *Breaker) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok && e.state == StateHalfOpen {
		b.transition(e, key, StateOpen)
		// Let the next caller probe right away.
		e.lastFailure = b.now().Add(-b.openDuration)
	}
}

// State returns the state for key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Snapshot lists every upstream that has ever failed, sorted by key.
func (b *Breaker) Snapshot() []Upstream {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Upstream, 0, len(b.entries))
	for k, e := range b.entries {
		out = append(out, Upstream{
			Key:         k,
			State:       e.state.String(),
			Failures:    e.failures,
			LastFailure: e.lastFailure,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// caller must hold b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(key, from, to)
	}
}

// Do runs fn under the circuit for key. It returns ErrOpen without calling
// fn while the circuit is open.
func (b *Breaker) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn(ctx)
	if err == nil {
		b.RecordSuccess(key)
		return nil
	}

	b.mu.Lock()
	countable := b.countable
	b.mu.Unlock()

	if countable(err) {
		b.RecordFailure(key)
	} else if errors.Is(err, context.Canceled) {
		b.release(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}
