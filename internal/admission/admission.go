// Package admission evaluates identities asking to join a guild.
//
// Evaluate is the single entry point. It serializes evaluations per
// (identity, guild), replays a stored final decision when one exists, fans
// out to every signal source in parallel, aggregates the risk score, applies
// the decision policy (consulting the arbiter for borderline scores),
// escalates during raid lockdown, persists the attempt and notifies
// consumers. Source failures degrade to "no data"; store and deadline
// failures fall back to the configured infrastructure policy.
package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/guildgate/internal/audit"
	"github.com/mbd888/guildgate/internal/banregistry"
	"github.com/mbd888/guildgate/internal/correlation"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/ratelimit"
	"github.com/mbd888/guildgate/internal/reputation"
	"github.com/mbd888/guildgate/internal/risk"
	"github.com/mbd888/guildgate/internal/syncutil"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("admission: invalid request")

// InfraPolicy selects the fallback when the store or deadline fails.
type InfraPolicy string

const (
	// InfraFailOpen approves with a mandatory manual review.
	InfraFailOpen InfraPolicy = "open"
	// InfraFailClosed denies with a manual review.
	InfraFailClosed InfraPolicy = "closed"
)

// ParseInfraPolicy parses "open" or "closed".
func ParseInfraPolicy(s string) (InfraPolicy, error) {
	switch InfraPolicy(s) {
	case InfraFailOpen, InfraFailClosed:
		return InfraPolicy(s), nil
	}
	return "", fmt.Errorf("infra failure policy must be open or closed, got %q", s)
}

// InfraError marks an infrastructure failure that triggered the fallback.
type InfraError struct {
	Stage string
	Err   error
}

func (e *InfraError) Error() string { return "admission: " + e.Stage + ": " + e.Err.Error() }
func (e *InfraError) Unwrap() error { return e.Err }

// Config holds orchestration timings.
type Config struct {
	EvaluationTimeout  time.Duration `mapstructure:"evaluation_timeout"`
	SourceTimeout      time.Duration `mapstructure:"source_timeout"`
	ArbitrationTimeout time.Duration `mapstructure:"arbitration_timeout"`
	NotifyTimeout      time.Duration `mapstructure:"notify_timeout"`
	ReplayWindow       time.Duration `mapstructure:"replay_window"`
	InfraPolicy        InfraPolicy   `mapstructure:"infra_failure_policy"`
	MaxMessages        int           `mapstructure:"max_messages"`
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		EvaluationTimeout:  10 * time.Second,
		SourceTimeout:      5 * time.Second,
		ArbitrationTimeout: 5 * time.Second,
		NotifyTimeout:      2 * time.Second,
		ReplayWindow:       24 * time.Hour,
		InfraPolicy:        InfraFailOpen,
		MaxMessages:        50,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.EvaluationTimeout <= 0 || c.SourceTimeout <= 0 {
		return errors.New("admission: timeouts must be positive")
	}
	if c.SourceTimeout > c.EvaluationTimeout {
		return errors.New("admission: source timeout exceeds evaluation timeout")
	}
	if c.ReplayWindow <= 0 {
		return errors.New("admission: replay window must be positive")
	}
	if _, err := ParseInfraPolicy(string(c.InfraPolicy)); err != nil {
		return err
	}
	return nil
}

// MessageInput is a recent message supplied with a request.
type MessageInput struct {
	Content string    `json:"content"`
	SentAt  time.Time `json:"sentAt"`
}

// Request is one admission evaluation. Raw signal values, when given without
// a hash, are hashed with SHA-256 and never stored.
type Request struct {
	IdentityID        string         `json:"identityId"`
	GuildID           string         `json:"guildId"`
	FingerprintHash   string         `json:"fingerprintHash,omitempty"`
	FingerprintRaw    string         `json:"fingerprintRaw,omitempty"`
	NetworkOriginHash string         `json:"networkOriginHash,omitempty"`
	NetworkOriginRaw  string         `json:"networkOriginRaw,omitempty"`
	NetworkFactors    NetworkFactors `json:"networkFactors"`
	AccountCreatedAt  time.Time      `json:"accountCreatedAt"`
	DisplayName       string         `json:"displayName"`
	HasAvatar         bool           `json:"hasAvatar"`
	PlatformVerified  bool           `json:"platformVerified"`
	RecentMessages    []MessageInput `json:"recentMessages,omitempty"`
}

// NetworkFactors are the ingestion adapter's classification of the origin.
type NetworkFactors struct {
	VPN        bool `json:"isVpn"`
	Proxy      bool `json:"isProxy"`
	Datacenter bool `json:"isDatacenter"`
	Tor        bool `json:"isTor"`
}

// HashSignal returns the hex SHA-256 of a raw signal value.
func HashSignal(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Result is what the decision consumer receives.
type Result struct {
	AttemptID            string                    `json:"attemptId,omitempty"`
	IdentityID           string                    `json:"identityId"`
	GuildID              string                    `json:"guildId"`
	Approved             bool                      `json:"approved"`
	Decision             decision.Decision         `json:"decision"`
	Action               decision.Action           `json:"action"`
	RiskScore            int                       `json:"riskScore"`
	SubScores            map[string]int            `json:"subScores,omitempty"`
	Flags                decision.Flags            `json:"flags"`
	AltMatches           []correlation.Match       `json:"altMatches"`
	RequiresManualReview bool                      `json:"requiresManualReview"`
	Reason               string                    `json:"reason,omitempty"`
	DeniedBy             decision.Flag             `json:"deniedBy,omitempty"`
	DegradedSources      []string                  `json:"degradedSources,omitempty"`
	ExcludedCategories   []string                  `json:"excludedCategories,omitempty"`
	Arbitration          *decision.ArbitrationInfo `json:"arbitration,omitempty"`
	Replayed             bool                      `json:"replayed,omitempty"`
	Lockdown             bool                      `json:"lockdown,omitempty"`
	InfraFailure         bool                      `json:"infraFailure,omitempty"`
	NotificationFailures []string                  `json:"notificationFailures,omitempty"`
	RetryAfterMinutes    int                       `json:"retryAfterMinutes,omitempty"`
	DecidedAt            time.Time                 `json:"decidedAt"`

	notifyErr error
}

// NotificationError returns the joined consumer failures, if any.
func (r *Result) NotificationError() error {
	return r.notifyErr
}

// Notifier is a decision consumer: webhooks, live feed, role grant.
// Notifiers run after the decision is persisted and never change it.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, r *Result) error
}

// RaidGate reports whether a guild is in raid lockdown.
type RaidGate interface {
	InLockdown(ctx context.Context, guildID string) bool
}

// Service orchestrates admission evaluations.
type Service struct {
	cfg        Config
	store      identity.Store
	engine     *correlation.Engine
	scorer     *risk.Scorer
	policy     *decision.Policy
	limiter    *ratelimit.AttemptLimiter
	arbiter    decision.Arbiter
	registries *banregistry.Checker
	raid       RaidGate
	reputation *reputation.Service
	audit      *audit.Logger
	notifiers  []Notifier
	banHooks   []BanHook
	locks      *syncutil.SubjectLocks
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithArbiter enables arbitration for borderline scores.
func WithArbiter(a decision.Arbiter) Option {
	return func(s *Service) { s.arbiter = a }
}

// WithRegistries enables external ban registry checks.
func WithRegistries(c *banregistry.Checker) Option {
	return func(s *Service) { s.registries = c }
}

// WithRaidGate enables lockdown escalation.
func WithRaidGate(g RaidGate) Option {
	return func(s *Service) { s.raid = g }
}

// WithReputation records decisions against per-guild reputation.
func WithReputation(r *reputation.Service) Option {
	return func(s *Service) { s.reputation = r }
}

// WithNotifiers adds decision consumers.
func WithNotifiers(n ...Notifier) Option {
	return func(s *Service) { s.notifiers = append(s.notifiers, n...) }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the orchestrator. store, engine, scorer, policy, limiter
// and auditLog are required.
func NewService(cfg Config, store identity.Store, engine *correlation.Engine, scorer *risk.Scorer,
	policy *decision.Policy, limiter *ratelimit.AttemptLimiter, auditLog *audit.Logger, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		scorer:  scorer,
		policy:  policy,
		limiter: limiter,
		audit:   auditLog,
		locks:   syncutil.NewSubjectLocks(0),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notifiers returns the configured consumers.
func (s *Service) Notifiers() []Notifier {
	return s.notifiers
}

// AddNotifier registers a consumer after construction.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Store exposes the identity store for the moderation handlers.
func (s *Service) Store() identity.Store {
	return s.store
}
