// Package correlation finds identities likely controlled by the same actor
// as a candidate.
//
// Six independent matchers run in parallel, each under its own timeout. A
// failing matcher is reported as a degraded source and contributes no
// matches; it never aborts the others. Every match is persisted as an
// AltLink with merge-by-max semantics.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/identity"
	"github.com/mbd888/guildgate/internal/metrics"
	"github.com/mbd888/guildgate/internal/traces"
)

// Source names reported in degraded lists.
const (
	SourceFingerprint = "correlation.fingerprint"
	SourceNetwork     = "correlation.network_origin"
	SourceName        = "correlation.name"
	SourceTimeCluster = "correlation.time_cluster"
	SourceVocabulary  = "correlation.vocabulary"
	SourceStyle       = "correlation.style"
	SourceBans        = "correlation.bans"
	SourceLinks       = "correlation.links"
)

// Match is one correlated identity.
type Match struct {
	LinkedIdentityID string              `json:"linkedIdentityId"`
	Method           identity.LinkMethod `json:"method"`
	Confidence       float64             `json:"confidence"`
	IsBanned         bool                `json:"isBanned"`
	Evidence         map[string]string   `json:"evidence,omitempty"`
}

// Candidate is the identity being evaluated and whatever signals were
// supplied. Empty fields skip the corresponding matcher.
type Candidate struct {
	IdentityID      string
	GuildID         string
	FingerprintHash string
	NetworkHash     string
	NetworkFactors  identity.Factors
	DisplayName     string
	CreatedAt       time.Time
	VocabularyHash  string
	StyleHash       string
}

// Report is the engine output.
type Report struct {
	Matches []Match `json:"matches"`
	// Fingerprint and Network are the signal records after observing the
	// candidate; nil when the hash was not supplied or the lookup failed.
	Fingerprint *identity.SignalRecord `json:"-"`
	Network     *identity.SignalRecord `json:"-"`
	// Banned holds every matched identity with a ban record.
	Banned   map[string]bool `json:"-"`
	Flags    decision.Flags  `json:"flags,omitempty"`
	Degraded []string        `json:"degraded,omitempty"`
}

// Store is the subset of the identity store the engine reads and writes.
type Store interface {
	identity.SignalStore
	identity.LinkStore
	identity.IdentityStore
	ProfileLookup
	BannedAmong(ctx context.Context, ids []string) (map[string]*identity.BanRecord, error)
	ListVerifiedInGuild(ctx context.Context, guildID string, since time.Time, limit int) ([]identity.VerifiedMember, error)
}

// ProfileLookup finds identities by profile hash.
type ProfileLookup interface {
	FindByVocabularyHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error)
	FindByStyleHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error)
}

// Config holds matcher parameters.
type Config struct {
	FingerprintConfidence      float64       `mapstructure:"fingerprint_confidence"`
	NetworkConfidence          float64       `mapstructure:"network_confidence"`
	NameThreshold              float64       `mapstructure:"name_threshold"`
	NameLookback               time.Duration `mapstructure:"name_lookback"`
	NameTopN                   int           `mapstructure:"name_top_n"`
	NameScanLimit              int           `mapstructure:"name_scan_limit"`
	TimeClusterWindow          time.Duration `mapstructure:"time_cluster_window"`
	TimeClusterConfidence      float64       `mapstructure:"time_cluster_confidence"`
	TimeClusterLimit           int           `mapstructure:"time_cluster_limit"`
	VocabularyConfidence       float64       `mapstructure:"vocabulary_confidence"`
	VocabularyBannedConfidence float64       `mapstructure:"vocabulary_banned_confidence"`
	StyleConfidence            float64       `mapstructure:"style_confidence"`
	StyleBannedConfidence      float64       `mapstructure:"style_banned_confidence"`
	ProfileMatchLimit          int           `mapstructure:"profile_match_limit"`
	SourceTimeout              time.Duration `mapstructure:"source_timeout"`
}

// DefaultConfig returns the production matcher parameters.
func DefaultConfig() Config {
	return Config{
		FingerprintConfidence:      0.95,
		NetworkConfidence:          0.70,
		NameThreshold:              0.75,
		NameLookback:               90 * 24 * time.Hour,
		NameTopN:                   5,
		NameScanLimit:              5000,
		TimeClusterWindow:          15 * time.Minute,
		TimeClusterConfidence:      0.60,
		TimeClusterLimit:           50,
		VocabularyConfidence:       0.85,
		VocabularyBannedConfidence: 0.90,
		StyleConfidence:            0.90,
		StyleBannedConfidence:      0.95,
		ProfileMatchLimit:          20,
		SourceTimeout:              5 * time.Second,
	}
}

// Engine runs the matchers.
type Engine struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a correlation engine.
func NewEngine(store Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{store: store, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type collector struct {
	mu       sync.Mutex
	matches  []Match
	degraded []string
}

func (c *collector) add(ms ...Match) {
	c.mu.Lock()
	c.matches = append(c.matches, ms...)
	c.mu.Unlock()
}

func (c *collector) degrade(source string) {
	c.mu.Lock()
	c.degraded = append(c.degraded, source)
	c.mu.Unlock()
}

// Correlate runs every applicable matcher and persists the resulting links.
// It returns an error only when ctx is cancelled; source failures are
// reported in Report.Degraded.
func (e *Engine) Correlate(ctx context.Context, cand Candidate) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "correlation.Correlate",
		traces.IdentityID(cand.IdentityID), traces.GuildID(cand.GuildID))
	defer span.End()

	rep := &Report{Banned: map[string]bool{}}
	col := &collector{}
	var recMu sync.Mutex

	var g errgroup.Group
	run := func(source string, fn func(ctx context.Context) ([]Match, error)) {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
			defer cancel()
			start := time.Now()
			ms, err := fn(sctx)
			metrics.ObserveSource(source, time.Since(start), err)
			if err != nil {
				e.logger.WarnContext(ctx, "correlation source degraded",
					"source", source, "identity_id", cand.IdentityID, "error", err)
				col.degrade(source)
				return nil
			}
			col.add(ms...)
			return nil
		})
	}

	now := e.now()
	if cand.FingerprintHash != "" {
		run(SourceFingerprint, func(ctx context.Context) ([]Match, error) {
			rec, err := e.store.ObserveSignal(ctx, identity.SignalFingerprint, cand.FingerprintHash, cand.IdentityID, identity.Factors{}, now)
			if err != nil {
				return nil, err
			}
			recMu.Lock()
			rep.Fingerprint = rec
			recMu.Unlock()
			return signalMatches(rec, cand.IdentityID, identity.MethodFingerprint, e.cfg.FingerprintConfidence, "fingerprint"), nil
		})
	}
	if cand.NetworkHash != "" {
		run(SourceNetwork, func(ctx context.Context) ([]Match, error) {
			rec, err := e.store.ObserveSignal(ctx, identity.SignalNetworkOrigin, cand.NetworkHash, cand.IdentityID, cand.NetworkFactors, now)
			if err != nil {
				return nil, err
			}
			recMu.Lock()
			rep.Network = rec
			recMu.Unlock()
			return signalMatches(rec, cand.IdentityID, identity.MethodNetworkOrigin, e.cfg.NetworkConfidence, "network_origin"), nil
		})
	}
	if NormalizeName(cand.DisplayName) != "" && cand.GuildID != "" {
		run(SourceName, func(ctx context.Context) ([]Match, error) {
			return e.matchName(ctx, cand, now)
		})
	}
	if !cand.CreatedAt.IsZero() {
		run(SourceTimeCluster, func(ctx context.Context) ([]Match, error) {
			return e.matchTimeCluster(ctx, cand)
		})
	}
	if cand.VocabularyHash != "" {
		run(SourceVocabulary, func(ctx context.Context) ([]Match, error) {
			ids, err := e.store.FindByVocabularyHash(ctx, cand.VocabularyHash, cand.IdentityID, e.cfg.ProfileMatchLimit)
			return profileMatches(ids, identity.MethodVocabulary, e.cfg.VocabularyConfidence, "vocabulary_hash", cand.VocabularyHash), err
		})
	}
	if cand.StyleHash != "" {
		run(SourceStyle, func(ctx context.Context) ([]Match, error) {
			ids, err := e.store.FindByStyleHash(ctx, cand.StyleHash, cand.IdentityID, e.cfg.ProfileMatchLimit)
			return profileMatches(ids, identity.MethodStyle, e.cfg.StyleConfidence, "style_hash", cand.StyleHash), err
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rep.Matches = col.matches
	rep.Degraded = col.degraded

	// Ban lookup over every matched id plus everyone sharing the fingerprint.
	ids := linkedIDs(rep, cand.IdentityID)
	if len(ids) > 0 {
		bctx, cancel := context.WithTimeout(ctx, e.cfg.SourceTimeout)
		banned, err := e.store.BannedAmong(bctx, ids)
		cancel()
		if err != nil {
			e.logger.WarnContext(ctx, "ban lookup for matches failed", "identity_id", cand.IdentityID, "error", err)
			rep.Degraded = append(rep.Degraded, SourceBans)
		}
		for id := range banned {
			rep.Banned[id] = true
		}
	}

	for i := range rep.Matches {
		m := &rep.Matches[i]
		if !rep.Banned[m.LinkedIdentityID] {
			continue
		}
		m.IsBanned = true
		switch m.Method {
		case identity.MethodVocabulary:
			m.Confidence = e.cfg.VocabularyBannedConfidence
		case identity.MethodStyle:
			m.Confidence = e.cfg.StyleBannedConfidence
		}
		if f, ok := bannedFlag(m.Method); ok {
			rep.Flags = rep.Flags.Add(f)
		}
	}
	sortMatches(rep.Matches)
	rep.Degraded = sortedUnique(rep.Degraded)
	rep.Flags = rep.Flags.Normalize()

	if err := e.persistLinks(ctx, cand.IdentityID, rep.Matches); err != nil {
		e.logger.WarnContext(ctx, "alt link upsert failed", "identity_id", cand.IdentityID, "error", err)
		rep.Degraded = sortedUnique(append(rep.Degraded, SourceLinks))
	}
	return rep, nil
}

func (e *Engine) matchName(ctx context.Context, cand Candidate, now time.Time) ([]Match, error) {
	members, err := e.store.ListVerifiedInGuild(ctx, cand.GuildID, now.Add(-e.cfg.NameLookback), e.cfg.NameScanLimit)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, m := range members {
		// Names made only of symbols or emoji carry nothing to compare.
		if m.IdentityID == cand.IdentityID || NormalizeName(m.DisplayName) == "" {
			continue
		}
		sim := NameSimilarity(cand.DisplayName, m.DisplayName)
		if sim > e.cfg.NameThreshold {
			out = append(out, Match{
				LinkedIdentityID: m.IdentityID,
				Method:           identity.MethodName,
				Confidence:       sim,
				Evidence:         map[string]string{"name": m.DisplayName, "candidate_name": cand.DisplayName},
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].LinkedIdentityID < out[j].LinkedIdentityID
	})
	if len(out) > e.cfg.NameTopN {
		out = out[:e.cfg.NameTopN]
	}
	return out, nil
}

func (e *Engine) matchTimeCluster(ctx context.Context, cand Candidate) ([]Match, error) {
	w := e.cfg.TimeClusterWindow
	idents, err := e.store.ListCreatedBetween(ctx, cand.CreatedAt.Add(-w), cand.CreatedAt.Add(w), e.cfg.TimeClusterLimit)
	if err != nil {
		return nil, err
	}
	var out []Match
	for _, ident := range idents {
		if ident.ID == cand.IdentityID {
			continue
		}
		diff := ident.CreatedAt.Sub(cand.CreatedAt)
		if diff < 0 {
			diff = -diff
		}
		if diff == 0 || diff > w {
			continue
		}
		out = append(out, Match{
			LinkedIdentityID: ident.ID,
			Method:           identity.MethodTimeCluster,
			Confidence:       e.cfg.TimeClusterConfidence,
			Evidence:         map[string]string{"created_apart": diff.Round(time.Second).String()},
		})
	}
	return out, nil
}

func (e *Engine) persistLinks(ctx context.Context, self string, matches []Match) error {
	var firstErr error
	for _, m := range matches {
		link := identity.NewAltLink(self, m.LinkedIdentityID, m.Method, m.Confidence, prefixEvidence(m.Method, m.Evidence))
		link.UpdatedAt = e.now()
		if _, err := e.store.UpsertAltLink(ctx, link); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("upsert link %s-%s: %w", self, m.LinkedIdentityID, err)
		}
	}
	return firstErr
}

func signalMatches(rec *identity.SignalRecord, self string, method identity.LinkMethod, confidence float64, evidenceKey string) []Match {
	others := rec.Others(self)
	out := make([]Match, 0, len(others))
	for _, id := range others {
		out = append(out, Match{
			LinkedIdentityID: id,
			Method:           method,
			Confidence:       confidence,
			Evidence:         map[string]string{evidenceKey + "_hash": rec.Hash},
		})
	}
	return out
}

func profileMatches(ids []string, method identity.LinkMethod, confidence float64, key, hash string) []Match {
	out := make([]Match, 0, len(ids))
	for _, id := range ids {
		out = append(out, Match{
			LinkedIdentityID: id,
			Method:           method,
			Confidence:       confidence,
			Evidence:         map[string]string{key: hash},
		})
	}
	return out
}

// prefixEvidence namespaces evidence keys by method so links merged from
// different matchers keep every observation.
func prefixEvidence(method identity.LinkMethod, ev map[string]string) map[string]string {
	out := make(map[string]string, len(ev))
	for k, v := range ev {
		out[string(method)+"."+k] = v
	}
	return out
}

func bannedFlag(m identity.LinkMethod) (decision.Flag, bool) {
	switch m {
	case identity.MethodFingerprint:
		return decision.FlagFingerprintMatchBanned, true
	case identity.MethodNetworkOrigin:
		return decision.FlagNetworkMatchBanned, true
	case identity.MethodName:
		return decision.FlagNameMatchBanned, true
	case identity.MethodTimeCluster:
		return decision.FlagTimeClusterMatchBanned, true
	case identity.MethodVocabulary:
		return decision.FlagVocabularyMatchBanned, true
	case identity.MethodStyle:
		return decision.FlagStyleMatchBanned, true
	}
	return "", false
}

func linkedIDs(rep *Report, self string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range rep.Matches {
		if !seen[m.LinkedIdentityID] {
			seen[m.LinkedIdentityID] = true
			out = append(out, m.LinkedIdentityID)
		}
	}
	if rep.Fingerprint != nil {
		for _, id := range rep.Fingerprint.Others(self) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func sortMatches(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		if ms[i].Method != ms[j].Method {
			return ms[i].Method < ms[j].Method
		}
		return ms[i].LinkedIdentityID < ms[j].LinkedIdentityID
	})
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
