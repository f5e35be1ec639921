// Package reputation tracks per-guild standing for each identity.
//
// A Record holds trust and behavior counters for one (identity, guild)
// pair. It is mutated by admission decisions and by later in-guild events:
// - Messages build activity
// - Warnings, kicks and reports erode conduct
// - Time in the guild builds tenure
//
// The Calculator turns a Record into a 0-100 score with a tier.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/guildgate/internal/decision"
)

var (
	ErrNotFound     = errors.New("reputation: record not found")
	ErrInvalidEvent = errors.New("reputation: invalid event")
)

// DefaultTrust is the trust of a record with no history.
const DefaultTrust = 50.0

// Record is the per-guild standing of one identity.
type Record struct {
	IdentityID string    `json:"identityId"`
	GuildID    string    `json:"guildId"`
	Trust      float64   `json:"trust"` // 0-100
	Approvals  int       `json:"approvals"`
	Challenges int       `json:"challenges"`
	Denials    int       `json:"denials"`
	Messages   int       `json:"messages"`
	Warnings   int       `json:"warnings"`
	Kicks      int       `json:"kicks"`
	Reports    int       `json:"reports"`
	FirstSeen  time.Time `json:"firstSeen"`
	LastActive time.Time `json:"lastActive"`
}

// EventKind is something that happened to an identity in a guild.
type EventKind string

const (
	EventApproved   EventKind = "approved"
	EventChallenged EventKind = "challenged"
	EventDenied     EventKind = "denied"
	EventMessage    EventKind = "message"
	EventWarning    EventKind = "warning"
	EventKick       EventKind = "kick"
	EventReport     EventKind = "report"
)

// Moderation reports whether the kind may be submitted by an integration.
// Decision events only come from admission.
func (k EventKind) Moderation() bool {
	switch k {
	case EventMessage, EventWarning, EventKick, EventReport:
		return true
	}
	return false
}

// Event is one occurrence, possibly batched.
type Event struct {
	Kind  EventKind `json:"kind"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

// TrustDeltas is the trust change per single event of each kind.
type TrustDeltas struct {
	Approved   float64 `mapstructure:"approved"`
	Challenged float64 `mapstructure:"challenged"`
	Denied     float64 `mapstructure:"denied"`
	Message    float64 `mapstructure:"message"`
	Warning    float64 `mapstructure:"warning"`
	Kick       float64 `mapstructure:"kick"`
	Report     float64 `mapstructure:"report"`
}

// DefaultTrustDeltas reward approvals and activity lightly and punish
// misconduct harder.
func DefaultTrustDeltas() TrustDeltas {
	return TrustDeltas{
		Approved:   2,
		Challenged: -2,
		Denied:     -10,
		Message:    0.1,
		Warning:    -5,
		Kick:       -15,
		Report:     -3,
	}
}

// For returns the per-event delta for kind.
func (d TrustDeltas) For(kind EventKind) float64 {
	switch kind {
	case EventApproved:
		return d.Approved
	case EventChallenged:
		return d.Challenged
	case EventDenied:
		return d.Denied
	case EventMessage:
		return d.Message
	case EventWarning:
		return d.Warning
	case EventKick:
		return d.Kick
	case EventReport:
		return d.Report
	}
	return 0
}

// Delta is the change applied atomically to a Record.
type Delta struct {
	Approvals  int
	Challenges int
	Denials    int
	Messages   int
	Warnings   int
	Kicks      int
	Reports    int
	Trust      float64
	At         time.Time
}

// DeltaFor converts an event into a record delta.
func DeltaFor(e Event, deltas TrustDeltas) (Delta, error) {
	n := e.Count
	if n <= 0 {
		n = 1
	}
	d := Delta{Trust: deltas.For(e.Kind) * float64(n), At: e.At}
	switch e.Kind {
	case EventApproved:
		d.Approvals = n
	case EventChallenged:
		d.Challenges = n
	case EventDenied:
		d.Denials = n
	case EventMessage:
		d.Messages = n
	case EventWarning:
		d.Warnings = n
	case EventKick:
		d.Kicks = n
	case EventReport:
		d.Reports = n
	default:
		return Delta{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	return d, nil
}

// Apply mutates r by d. Trust is clamped to [0,100].
func (r *Record) Apply(d Delta) {
	r.Approvals += d.Approvals
	r.Challenges += d.Challenges
	r.Denials += d.Denials
	r.Messages += d.Messages
	r.Warnings += d.Warnings
	r.Kicks += d.Kicks
	r.Reports += d.Reports
	r.Trust = clampScore(r.Trust + d.Trust)
	if r.FirstSeen.IsZero() || d.At.Before(r.FirstSeen) {
		r.FirstSeen = d.At
	}
	if d.At.After(r.LastActive) {
		r.LastActive = d.At
	}
}

// Store persists reputation records and their snapshots.
type Store interface {
	// Apply creates the record if needed and applies d atomically.
	Apply(ctx context.Context, identityID, guildID string, d Delta) (*Record, error)
	Get(ctx context.Context, identityID, guildID string) (*Record, error)
	ListActiveSince(ctx context.Context, since time.Time, limit int) ([]*Record, error)
	SaveSnapshots(ctx context.Context, snaps []*Snapshot) error
	History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
}

// Score represents an identity's standing in one guild
type Score struct {
	IdentityID string     `json:"identityId"`
	GuildID    string     `json:"guildId"`
	Score      float64    `json:"score"`      // 0-100
	Tier       Tier       `json:"tier"`       // Human-readable tier
	Components Components `json:"components"` // Score breakdown
	Record     Record     `json:"record"`

	CalculatedAt time.Time `json:"calculatedAt"`
}

// Tier represents reputation levels
type Tier string

const (
	TierNew         Tier = "new"         // 0-19: Just joined or in trouble
	TierEmerging    Tier = "emerging"    // 20-39: Some activity
	TierEstablished Tier = "established" // 40-59: Regular participant
	TierTrusted     Tier = "trusted"     // 60-79: Proven track record
	TierPillar      Tier = "pillar"      // 80-100: Long-standing, clean record
)

// Components breaks down the score
type Components struct {
	TrustScore    float64 `json:"trustScore"`    // Accumulated trust
	ActivityScore float64 `json:"activityScore"` // Based on message count
	TenureScore   float64 `json:"tenureScore"`   // Based on time in guild
	ConductScore  float64 `json:"conductScore"`  // 100 minus misconduct penalties
}

// Weights for score components (must sum to 1.0)
type Weights struct {
	Trust    float64 `mapstructure:"trust"`
	Activity float64 `mapstructure:"activity"`
	Tenure   float64 `mapstructure:"tenure"`
	Conduct  float64 `mapstructure:"conduct"`
}

// DefaultWeights leans on accumulated trust and conduct.
var DefaultWeights = Weights{
	Trust:    0.40,
	Activity: 0.20,
	Tenure:   0.15,
	Conduct:  0.25,
}

// Calculator computes reputation scores
type Calculator struct {
	weights Weights
	now     func() time.Time
}

// NewCalculator creates a reputation calculator
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights, now: time.Now}
}

// NewCalculatorWithWeights creates a calculator with custom weights
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w, now: time.Now}
}

// Calculate computes a score from a record
func (c *Calculator) Calculate(r Record) *Score {
	comp := Components{TrustScore: r.Trust}

	// Activity: logarithmic, caps at 1000 messages
	// 0 = 0, 10 = 35, 100 = 67, 1000+ = 100
	if r.Messages > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(r.Messages)+1))
	}

	// Tenure: logarithmic in days since first seen, caps near 3 years
	// 7 days = 30, 30 days = 50, 365 days = 85
	if !r.FirstSeen.IsZero() {
		days := c.now().Sub(r.FirstSeen).Hours() / 24
		if days > 0 {
			comp.TenureScore = math.Min(100, 33.3*math.Log10(days+1))
		}
	}

	penalty := 20*float64(r.Warnings) + 40*float64(r.Kicks) + 10*float64(r.Reports) + 25*float64(r.Denials)
	comp.ConductScore = math.Max(0, 100-penalty)

	score := c.weights.Trust*comp.TrustScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Tenure*comp.TenureScore +
		c.weights.Conduct*comp.ConductScore
	score = clampScore(score)

	return &Score{
		IdentityID:   r.IdentityID,
		GuildID:      r.GuildID,
		Score:        math.Round(score*10) / 10,
		Tier:         getTier(score),
		Components:   comp,
		Record:       r,
		CalculatedAt: c.now(),
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierPillar
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}

func clampScore(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// EventForDecision maps an admission decision to its reputation event.
func EventForDecision(d decision.Decision, at time.Time) Event {
	switch d {
	case decision.Approved:
		return Event{Kind: EventApproved, Count: 1, At: at}
	case decision.Denied:
		return Event{Kind: EventDenied, Count: 1, At: at}
	default:
		return Event{Kind: EventChallenged, Count: 1, At: at}
	}
}
