// Package identity owns the persistent data model of the admission engine:
// identities, hashed signal records, alt links, ban records, verification
// attempts, advisory behavior/style profiles and the threat-actor list.
package identity

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/mbd888/guildgate/internal/decision"
)

var (
	ErrNotFound     = errors.New("identity: not found")
	ErrInvalidInput = errors.New("identity: invalid input")
)

// DefaultTrust is the trust score assigned on first contact.
const DefaultTrust = 50.0

// Identity is a unique actor tracked by the system.
type Identity struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"createdAt"` // account creation on the platform
	DisplayName string    `json:"displayName"`
	Trust       float64   `json:"trust"`
	Banned      bool      `json:"banned"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SignalKind identifies a hashed signal table.
type SignalKind string

const (
	SignalFingerprint   SignalKind = "fingerprint"
	SignalNetworkOrigin SignalKind = "network_origin"
)

// Factors are derived risk factors attached to a signal record. Factors only
// ever accumulate: once a hash has been seen as a VPN it stays a VPN.
type Factors struct {
	VPN        bool `json:"isVpn,omitempty"`
	Proxy      bool `json:"isProxy,omitempty"`
	Datacenter bool `json:"isDatacenter,omitempty"`
	Tor        bool `json:"isTor,omitempty"`
}

// Merge returns the union of two factor sets.
func (f Factors) Merge(o Factors) Factors {
	return Factors{
		VPN:        f.VPN || o.VPN,
		Proxy:      f.Proxy || o.Proxy,
		Datacenter: f.Datacenter || o.Datacenter,
		Tor:        f.Tor || o.Tor,
	}
}

// SignalRecord is shared by every identity ever observed with the same hash.
type SignalRecord struct {
	Kind        SignalKind `json:"kind"`
	Hash        string     `json:"hash"`
	IdentityIDs []string   `json:"identityIds"`
	Factors     Factors    `json:"factors"`
	FirstSeenAt time.Time  `json:"firstSeenAt"`
	LastSeenAt  time.Time  `json:"lastSeenAt"`
}

// Others returns the identities sharing the record, excluding id.
func (r *SignalRecord) Others(id string) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.IdentityIDs))
	for _, other := range r.IdentityIDs {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

// BanSeverity is ordered: a ban record never moves to a lower severity.
type BanSeverity int

const (
	BanLow BanSeverity = iota + 1
	BanMedium
	BanHigh
	BanCritical
)

// String returns the severity name.
func (s BanSeverity) String() string {
	switch s {
	case BanLow:
		return "low"
	case BanMedium:
		return "medium"
	case BanHigh:
		return "high"
	case BanCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseBanSeverity parses a severity name.
func ParseBanSeverity(s string) (BanSeverity, bool) {
	switch s {
	case "low":
		return BanLow, true
	case "medium":
		return BanMedium, true
	case "high":
		return BanHigh, true
	case "critical":
		return BanCritical, true
	}
	return 0, false
}

// BanOrigin is one report that contributed to a ban record.
type BanOrigin struct {
	GuildID    string    `json:"guildId"`
	Reason     string    `json:"reason"`
	ReportedAt time.Time `json:"reportedAt"`
}

// BanRecord accumulates ban reports for one identity.
type BanRecord struct {
	IdentityID string      `json:"identityId"`
	Severity   BanSeverity `json:"severity"`
	Origins    []BanOrigin `json:"origins"`
	BanCount   int         `json:"banCount"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// BanReport is a single incoming ban.
type BanReport struct {
	IdentityID string      `json:"identityId"`
	GuildID    string      `json:"guildId"`
	Reason     string      `json:"reason"`
	Severity   BanSeverity `json:"severity"`
	At         time.Time   `json:"at"`
}

// Apply folds a report into the record: severity only goes up, the origin is
// appended and the count incremented.
func (b *BanRecord) Apply(r BanReport) {
	if b.IdentityID == "" {
		b.IdentityID = r.IdentityID
		b.CreatedAt = r.At
	}
	if r.Severity > b.Severity {
		b.Severity = r.Severity
	}
	b.Origins = append(b.Origins, BanOrigin{GuildID: r.GuildID, Reason: r.Reason, ReportedAt: r.At})
	b.BanCount++
	b.UpdatedAt = r.At
}

// LinkMethod tags how an alt link was detected.
type LinkMethod string

const (
	MethodFingerprint   LinkMethod = "fingerprint"
	MethodNetworkOrigin LinkMethod = "network_origin"
	MethodName          LinkMethod = "name_similarity"
	MethodTimeCluster   LinkMethod = "time_cluster"
	MethodVocabulary    LinkMethod = "vocabulary"
	MethodStyle         LinkMethod = "style"
)

// AltLink is an undirected edge between two identities. IdentityA is always
// the lexically smaller id.
type AltLink struct {
	IdentityA   string            `json:"identityA"`
	IdentityB   string            `json:"identityB"`
	Confidence  float64           `json:"confidence"`
	Method      LinkMethod        `json:"method"`
	Evidence    map[string]string `json:"evidence"`
	Confirmed   bool              `json:"confirmed"`
	ConfirmedBy string            `json:"confirmedBy,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// NewAltLink builds a link with its endpoints in canonical order.
func NewAltLink(a, b string, method LinkMethod, confidence float64, evidence map[string]string) *AltLink {
	a, b = CanonicalPair(a, b)
	ev := make(map[string]string, len(evidence))
	for k, v := range evidence {
		ev[k] = v
	}
	return &AltLink{
		IdentityA:  a,
		IdentityB:  b,
		Confidence: clamp01(confidence),
		Method:     method,
		Evidence:   ev,
	}
}

// CanonicalPair orders two ids so (A,B) and (B,A) map to the same key.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Other returns the endpoint that is not id.
func (l *AltLink) Other(id string) string {
	if l.IdentityA == id {
		return l.IdentityB
	}
	return l.IdentityA
}

// MergeAltLink merges an incoming observation into an existing link. The
// confidence is the maximum of both, the method follows the higher
// confidence, evidence is the union (existing keys win), and confirmation is
// sticky. The merge is idempotent and commutative in confidence and evidence
// keys.
func MergeAltLink(existing, incoming *AltLink) *AltLink {
	if existing == nil {
		out := *incoming
		out.Evidence = copyEvidence(incoming.Evidence)
		return &out
	}
	out := *existing
	out.Evidence = copyEvidence(existing.Evidence)
	for k, v := range incoming.Evidence {
		if _, ok := out.Evidence[k]; !ok {
			out.Evidence[k] = v
		}
	}
	if incoming.Confidence > out.Confidence {
		out.Confidence = incoming.Confidence
		out.Method = incoming.Method
	}
	if incoming.Confirmed && !out.Confirmed {
		out.Confirmed = true
		out.ConfirmedBy = incoming.ConfirmedBy
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return &out
}

func copyEvidence(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Message is a recent chat message used to derive advisory profiles.
type Message struct {
	IdentityID string    `json:"identityId"`
	GuildID    string    `json:"guildId"`
	Content    string    `json:"content"`
	SentAt     time.Time `json:"sentAt"`
}

// BehaviorProfile summarizes message cadence. Advisory, may be stale.
type BehaviorProfile struct {
	IdentityID        string    `json:"identityId"`
	MessageCount      int       `json:"messageCount"`
	MeanIntervalSec   float64   `json:"meanIntervalSec"`
	IntervalStdDevSec float64   `json:"intervalStdDevSec"`
	DuplicateRatio    float64   `json:"duplicateRatio"`
	LinkRatio         float64   `json:"linkRatio"`
	MentionRatio      float64   `json:"mentionRatio"`
	VocabularyHash    string    `json:"vocabularyHash,omitempty"`
	RebuiltAt         time.Time `json:"rebuiltAt"`
}

// StyleProfile summarizes writing style. Advisory, may be stale.
type StyleProfile struct {
	IdentityID          string    `json:"identityId"`
	TokenCount          int       `json:"tokenCount"`
	VocabularyDiversity float64   `json:"vocabularyDiversity"`
	AvgTokensPerMessage float64   `json:"avgTokensPerMessage"`
	UppercaseRatio      float64   `json:"uppercaseRatio"`
	PunctuationRatio    float64   `json:"punctuationRatio"`
	StyleHash           string    `json:"styleHash,omitempty"`
	RebuiltAt           time.Time `json:"rebuiltAt"`
}

// AttemptStatus distinguishes final decisions from provisional ones.
type AttemptStatus string

const (
	AttemptFinal       AttemptStatus = "final"
	AttemptProvisional AttemptStatus = "provisional" // challenge pending or infrastructure fallback
)

// VerificationAttempt is the immutable record of one evaluation.
type VerificationAttempt struct {
	ID                 string            `json:"id"`
	IdentityID         string            `json:"identityId"`
	GuildID            string            `json:"guildId"`
	Status             AttemptStatus     `json:"status"`
	Decision           decision.Decision `json:"decision"`
	Action             decision.Action   `json:"action"`
	Score              int               `json:"score"`
	SubScores          map[string]int    `json:"subScores"`
	Flags              []decision.Flag   `json:"flags"`
	DegradedSources    []string          `json:"degradedSources"`
	ExcludedCategories []string          `json:"excludedCategories"`
	Inputs             map[string]any    `json:"inputs"`
	DisplayName        string            `json:"displayName"`
	ManualReview       bool              `json:"manualReview"`
	CreatedAt          time.Time         `json:"createdAt"`
}

// IsFinal reports whether the attempt settles the (identity, guild) pair.
func (a *VerificationAttempt) IsFinal() bool {
	return a.Status == AttemptFinal && (a.Decision == decision.Approved || a.Decision == decision.Denied)
}

// VerifiedMember is an identity approved in a guild, used for name matching.
type VerifiedMember struct {
	IdentityID  string    `json:"identityId"`
	DisplayName string    `json:"displayName"`
	VerifiedAt  time.Time `json:"verifiedAt"`
}

// ThreatKind is what a threat-actor entry matches against.
type ThreatKind string

const (
	ThreatIdentity ThreatKind = "identity"
	ThreatDevice   ThreatKind = "device"
	ThreatNetwork  ThreatKind = "network"
)

// ThreatActor is a maintained entry on the threat-actor list.
type ThreatActor struct {
	Kind      ThreatKind `json:"kind"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	AddedBy   string     `json:"addedBy,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ThreatMatch reports which of an identity's keys are listed.
type ThreatMatch struct {
	Identity bool `json:"identity"`
	Device   bool `json:"device"`
	Network  bool `json:"network"`
}

// Any reports whether anything matched.
func (m ThreatMatch) Any() bool {
	return m.Identity || m.Device || m.Network
}

// IdentityStore persists identities.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, ident *Identity) (*Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	AdjustTrust(ctx context.Context, id string, delta float64) (float64, error)
	MarkBanned(ctx context.Context, id string) error
	ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]*Identity, error)
}

// SignalStore persists hashed signal records.
type SignalStore interface {
	// ObserveSignal adds identityID to the record's id set, merges factors and
	// bumps last-seen, creating the record if needed. It returns the record
	// after the update.
	ObserveSignal(ctx context.Context, kind SignalKind, hash, identityID string, factors Factors, at time.Time) (*SignalRecord, error)
	GetSignal(ctx context.Context, kind SignalKind, hash string) (*SignalRecord, error)
}

// LinkStore persists alt links.
type LinkStore interface {
	UpsertAltLink(ctx context.Context, link *AltLink) (*AltLink, error)
	ConfirmAltLink(ctx context.Context, a, b, reviewer string) (*AltLink, error)
	ListAltLinks(ctx context.Context, identityID string) ([]*AltLink, error)
}

// BanStore persists ban records.
type BanStore interface {
	RecordBan(ctx context.Context, report BanReport) (*BanRecord, error)
	GetBan(ctx context.Context, identityID string) (*BanRecord, error)
	BannedAmong(ctx context.Context, ids []string) (map[string]*BanRecord, error)
}

// AttemptStore persists verification attempts.
type AttemptStore interface {
	// RecordAttempt inserts the attempt unless a final attempt for the same
	// (identity, guild) exists at or after since. In that case nothing is
	// written and the existing attempt is returned.
	RecordAttempt(ctx context.Context, attempt *VerificationAttempt, since time.Time) (existing *VerificationAttempt, err error)
	LatestFinalAttempt(ctx context.Context, identityID, guildID string, since time.Time) (*VerificationAttempt, error)
	ListAttempts(ctx context.Context, identityID, guildID string, limit int) ([]*VerificationAttempt, error)
	ListVerifiedInGuild(ctx context.Context, guildID string, since time.Time, limit int) ([]VerifiedMember, error)
}

// ProfileStore persists recent messages and the advisory profiles derived
// from them. Profile writes are last-writer-wins.
type ProfileStore interface {
	AppendMessages(ctx context.Context, msgs []Message) error
	RecentMessages(ctx context.Context, identityID string, since time.Time, limit int) ([]Message, error)
	IdentitiesWithMessagesSince(ctx context.Context, since time.Time) ([]string, error)
	PruneMessages(ctx context.Context, before time.Time) (int64, error)
	SaveBehaviorProfile(ctx context.Context, p *BehaviorProfile) error
	GetBehaviorProfile(ctx context.Context, identityID string) (*BehaviorProfile, error)
	SaveStyleProfile(ctx context.Context, p *StyleProfile) error
	GetStyleProfile(ctx context.Context, identityID string) (*StyleProfile, error)
	FindByVocabularyHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error)
	FindByStyleHash(ctx context.Context, hash, excludeID string, limit int) ([]string, error)
}

// ThreatStore persists the threat-actor list.
type ThreatStore interface {
	AddThreatActor(ctx context.Context, t *ThreatActor) error
	LookupThreat(ctx context.Context, identityID, deviceHash, networkHash string) (ThreatMatch, error)
}

// Store is the full identity store.
type Store interface {
	IdentityStore
	SignalStore
	LinkStore
	BanStore
	AttemptStore
	ProfileStore
	ThreatStore
	Ping(ctx context.Context) error
}

func sortStrings(in []string) []string {
	sort.Strings(in)
	return in
}
