// Package antiraid detects coordinated mass-join and message-flood attacks
// per guild and drives a lockdown state machine.
//
// Each guild is NORMAL or in LOCKDOWN, with a threat level of LOW, ELEVATED
// or CRITICAL. Crossing the join or message threshold moves NORMAL/any to
// LOCKDOWN/CRITICAL. A lockdown clears after LockdownDuration to
// NORMAL/ELEVATED, and the threat decays to LOW after QuietPeriod without a
// new crossing. Re-triggering during an active lockdown is a no-op. Every
// transition is recorded as an Incident.
//
// Event timestamps only place events in the counting windows. Lockdown
// start and decay run on the monitor's clock, and events further than
// EventSkew from it are rejected. Guild state lives in a StateStore so
// instances sharing Redis agree on lockdown.
package antiraid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/guildgate/internal/idgen"
	"github.com/mbd888/guildgate/internal/metrics"
)

var ErrInvalidEvent = errors.New("antiraid: invalid event")

// Mode is the guild's admission mode.
type Mode string

const (
	ModeNormal   Mode = "NORMAL"
	ModeLockdown Mode = "LOCKDOWN"
)

// Threat is the guild's threat level.
type Threat string

const (
	ThreatLow      Threat = "LOW"
	ThreatElevated Threat = "ELEVATED"
	ThreatCritical Threat = "CRITICAL"
)

// Trigger names what caused a transition.
type Trigger string

const (
	TriggerJoins    Trigger = "join_flood"
	TriggerMessages Trigger = "message_flood"
	TriggerExpired  Trigger = "lockdown_expired"
	TriggerQuiet    Trigger = "quiet_period"
)

// Config holds the detector thresholds and durations.
type Config struct {
	JoinThreshold    int           `mapstructure:"join_threshold"`
	JoinWindow       time.Duration `mapstructure:"join_window"`
	MessageThreshold int           `mapstructure:"message_threshold"`
	MessageWindow    time.Duration `mapstructure:"message_window"`
	LockdownDuration time.Duration `mapstructure:"lockdown_duration"`
	QuietPeriod      time.Duration `mapstructure:"quiet_period"`
	EventSkew        time.Duration `mapstructure:"event_skew"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		JoinThreshold:    10,
		JoinWindow:       60 * time.Second,
		MessageThreshold: 20,
		MessageWindow:    10 * time.Second,
		LockdownDuration: 5 * time.Minute,
		QuietPeriod:      30 * time.Minute,
		EventSkew:        5 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.JoinThreshold < 1 || c.MessageThreshold < 1 {
		return fmt.Errorf("antiraid: thresholds must be positive")
	}
	if c.JoinWindow <= 0 || c.MessageWindow <= 0 || c.LockdownDuration <= 0 || c.QuietPeriod <= 0 || c.EventSkew <= 0 {
		return fmt.Errorf("antiraid: windows and durations must be positive")
	}
	return nil
}

// Status is a guild's current state.
type Status struct {
	GuildID        string    `json:"guildId"`
	Mode           Mode      `json:"mode"`
	Threat         Threat    `json:"threat"`
	LockdownUntil  time.Time `json:"lockdownUntil,omitempty"`
	LastTriggerAt  time.Time `json:"lastTriggerAt,omitempty"`
	LastTransition time.Time `json:"lastTransition,omitempty"`
}

// InLockdown reports whether the guild is locked down.
func (s Status) InLockdown() bool {
	return s.Mode == ModeLockdown
}

// Incident is one state transition.
type Incident struct {
	ID         string    `json:"id"`
	GuildID    string    `json:"guildId"`
	FromMode   Mode      `json:"fromMode"`
	ToMode     Mode      `json:"toMode"`
	FromThreat Threat    `json:"fromThreat"`
	ToThreat   Threat    `json:"toThreat"`
	Trigger    Trigger   `json:"trigger"`
	Count      int       `json:"count,omitempty"`
	At         time.Time `json:"at"`
}

// Monitor tracks per-guild event windows and lockdown state.
type Monitor struct {
	cfg       Config
	windows   WindowStore
	states    StateStore
	incidents IncidentStore
	logger    *slog.Logger
	now       func() time.Time

	hookMu sync.RWMutex
	hooks  []func(Incident)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock overrides the monitor's time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithStateStore replaces the in-memory guild state.
func WithStateStore(s StateStore) Option {
	return func(m *Monitor) { m.states = s }
}

// NewMonitor creates a monitor.
func NewMonitor(cfg Config, windows WindowStore, incidents IncidentStore, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:       cfg,
		windows:   windows,
		states:    NewMemoryStateStore(),
		incidents: incidents,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTransition registers fn to be called after every transition.
func (m *Monitor) OnTransition(fn func(Incident)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

// RecordJoin ingests a join event and returns the guild status afterwards.
func (m *Monitor) RecordJoin(ctx context.Context, guildID, identityID string, at time.Time) (Status, error) {
	return m.record(ctx, guildID, identityID, at, "joins", m.cfg.JoinWindow, m.cfg.JoinThreshold, TriggerJoins)
}

// RecordMessage ingests a message event and returns the guild status afterwards.
func (m *Monitor) RecordMessage(ctx context.Context, guildID, identityID string, at time.Time) (Status, error) {
	return m.record(ctx, guildID, identityID, at, "messages", m.cfg.MessageWindow, m.cfg.MessageThreshold, TriggerMessages)
}

func (m *Monitor) record(ctx context.Context, guildID, identityID string, at time.Time, kind string, window time.Duration, threshold int, trigger Trigger) (Status, error) {
	if guildID == "" {
		return Status{}, ErrInvalidEvent
	}
	now := m.now()
	if at.IsZero() {
		at = now
	}
	if skew := at.Sub(now); skew > m.cfg.EventSkew || -skew > m.cfg.EventSkew {
		return Status{}, fmt.Errorf("%w: event time %s is %s from now", ErrInvalidEvent,
			at.UTC().Format(time.RFC3339), skew.Round(time.Second))
	}

	member := identityID + ":" + strconv.FormatInt(at.UnixNano(), 10)
	count, err := m.windows.Add(ctx, kind+":"+guildID, at, member, window)
	if err != nil {
		return Status{}, fmt.Errorf("record %s: %w", kind, err)
	}

	var fired []Incident
	st, err := m.states.Update(ctx, guildID, func(st *State) bool {
		fired = nil
		changed := m.advance(st, now, &fired)
		if count >= threshold && m.lockdown(st, now, trigger, count, &fired) {
			changed = true
		}
		return changed
	})
	if err != nil {
		return Status{}, fmt.Errorf("update raid state: %w", err)
	}
	m.emit(ctx, fired)
	return st.Status, nil
}

// lockdown moves the guild into LOCKDOWN, or only refreshes LastTriggerAt
// while a lockdown is active. It always changes st.
func (m *Monitor) lockdown(st *State, now time.Time, trigger Trigger, count int, fired *[]Incident) bool {
	st.LastTriggerAt = now
	if st.Mode == ModeLockdown && now.Before(st.LockdownUntil) {
		return true
	}
	*fired = append(*fired, m.transition(st, ModeLockdown, ThreatCritical, trigger, count, now))
	st.LockdownUntil = now.Add(m.cfg.LockdownDuration)
	return true
}

// advance applies time-based decay up to now and reports whether st changed.
func (m *Monitor) advance(st *State, now time.Time, fired *[]Incident) bool {
	changed := false
	if st.Mode == ModeLockdown && !now.Before(st.LockdownUntil) {
		*fired = append(*fired, m.transition(st, ModeNormal, ThreatElevated, TriggerExpired, 0, st.LockdownUntil))
		st.ElevatedAt = st.LockdownUntil
		st.LockdownUntil = time.Time{}
		changed = true
	}
	if st.Mode == ModeNormal && st.Threat == ThreatElevated {
		quietFrom := st.ElevatedAt
		if st.LastTriggerAt.After(quietFrom) {
			quietFrom = st.LastTriggerAt
		}
		if !now.Before(quietFrom.Add(m.cfg.QuietPeriod)) {
			*fired = append(*fired, m.transition(st, ModeNormal, ThreatLow, TriggerQuiet, 0, quietFrom.Add(m.cfg.QuietPeriod)))
			changed = true
		}
	}
	return changed
}

func (m *Monitor) transition(st *State, mode Mode, threat Threat, trigger Trigger, count int, at time.Time) Incident {
	inc := Incident{
		ID:         idgen.WithPrefix(idgen.Incident),
		GuildID:    st.GuildID,
		FromMode:   st.Mode,
		ToMode:     mode,
		FromThreat: st.Threat,
		ToThreat:   threat,
		Trigger:    trigger,
		Count:      count,
		At:         at,
	}
	st.Mode = mode
	st.Threat = threat
	st.LastTransition = at
	return inc
}

// emit runs after the state commit, so each incident is reported by the one
// instance whose update won.
func (m *Monitor) emit(ctx context.Context, incidents []Incident) {
	if len(incidents) == 0 {
		return
	}
	m.hookMu.RLock()
	hooks := append([]func(Incident){}, m.hooks...)
	m.hookMu.RUnlock()

	for _, inc := range incidents {
		if inc.FromMode != ModeLockdown && inc.ToMode == ModeLockdown {
			metrics.GuildsInLockdown.Inc()
		} else if inc.FromMode == ModeLockdown && inc.ToMode != ModeLockdown {
			metrics.GuildsInLockdown.Dec()
		}
		metrics.RaidTransitionsTotal.WithLabelValues(string(inc.ToMode) + "/" + string(inc.ToThreat)).Inc()

		m.logger.WarnContext(ctx, "raid state transition",
			"guild_id", inc.GuildID,
			"from", string(inc.FromMode)+"/"+string(inc.FromThreat),
			"to", string(inc.ToMode)+"/"+string(inc.ToThreat),
			"trigger", inc.Trigger,
			"count", inc.Count,
		)
		if m.incidents != nil {
			if err := m.incidents.Record(ctx, &inc); err != nil {
				m.logger.ErrorContext(ctx, "failed to record raid incident", "guild_id", inc.GuildID, "error", err)
			}
		}
		for _, fn := range hooks {
			fn(inc)
		}
	}
}

// decay applies decay to one guild and emits what fired.
func (m *Monitor) decay(ctx context.Context, guildID string, now time.Time) (State, int, error) {
	var fired []Incident
	st, err := m.states.Update(ctx, guildID, func(st *State) bool {
		fired = nil
		return m.advance(st, now, &fired)
	})
	if err != nil {
		return State{}, 0, err
	}
	m.emit(ctx, fired)
	return st, len(fired), nil
}

// Status returns the guild's state with decay applied.
func (m *Monitor) Status(ctx context.Context, guildID string) (Status, error) {
	st, _, err := m.decay(ctx, guildID, m.now())
	if err != nil {
		return Status{}, fmt.Errorf("raid status: %w", err)
	}
	return st.Status, nil
}

// InLockdown reports whether guildID is currently locked down. An
// unreadable state store is logged and reads as not locked down.
func (m *Monitor) InLockdown(ctx context.Context, guildID string) bool {
	st, err := m.Status(ctx, guildID)
	if err != nil {
		m.logger.WarnContext(ctx, "raid state unavailable", "guild_id", guildID, "error", err)
		return false
	}
	return st.InLockdown()
}

// Sweep applies decay to every guild not at rest and prunes old window
// entries. It returns the number of transitions fired.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	ids, err := m.states.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	total := 0
	for _, id := range ids {
		_, n, err := m.decay(ctx, id, now)
		if err != nil {
			return total, fmt.Errorf("sweep %s: %w", id, err)
		}
		total += n
	}

	longest := m.cfg.JoinWindow
	if m.cfg.MessageWindow > longest {
		longest = m.cfg.MessageWindow
	}
	if err := m.windows.Prune(ctx, now.Add(-longest)); err != nil {
		return total, fmt.Errorf("prune windows: %w", err)
	}
	return total, nil
}
