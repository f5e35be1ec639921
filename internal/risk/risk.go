// Package risk combines per-category risk evidence about an identity into a
// single bounded score.
//
// Eight categories each produce a sub-score in [0,100] and are either present
// (the source had data) or absent. The aggregate is a weighted mean over the
// present categories only, with weights renormalized to 1.0, so a missing
// source neither adds nor dilutes risk.
package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/mbd888/guildgate/internal/decision"
)

// Category names a sub-score source.
type Category string

const (
	CategoryAccount     Category = "account"
	CategoryBan         Category = "ban"
	CategoryNetwork     Category = "network"
	CategoryFingerprint Category = "fingerprint"
	CategoryAlt         Category = "alt"
	CategoryBehavior    Category = "behavior"
	CategoryStyle       Category = "style"
	CategoryThreatActor Category = "threat_actor"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategoryAccount, CategoryBan, CategoryNetwork, CategoryFingerprint,
	CategoryAlt, CategoryBehavior, CategoryStyle, CategoryThreatActor,
}

// SubScore is one category's contribution.
type SubScore struct {
	Category Category       `json:"category"`
	Value    int            `json:"value"`
	Present  bool           `json:"present"`
	Reasons  []string       `json:"reasons,omitempty"`
	Flags    decision.Flags `json:"flags,omitempty"`
}

// Absent returns an absent sub-score for c.
func Absent(c Category) SubScore {
	return SubScore{Category: c}
}

func (s *SubScore) add(points int, reason string, flags ...decision.Flag) {
	s.Value += points
	s.Reasons = append(s.Reasons, reason)
	s.Flags = s.Flags.Add(flags...)
}

func (s *SubScore) clamp() {
	s.Value = clamp(s.Value, 0, 100)
}

// Weights are the per-category aggregate weights. They must sum to 1.0.
type Weights struct {
	Account     float64 `mapstructure:"account" json:"account"`
	Ban         float64 `mapstructure:"ban" json:"ban"`
	Network     float64 `mapstructure:"network" json:"network"`
	Fingerprint float64 `mapstructure:"fingerprint" json:"fingerprint"`
	Alt         float64 `mapstructure:"alt" json:"alt"`
	Behavior    float64 `mapstructure:"behavior" json:"behavior"`
	Style       float64 `mapstructure:"style" json:"style"`
	ThreatActor float64 `mapstructure:"threat_actor" json:"threatActor"`
}

// For returns the weight of c.
func (w Weights) For(c Category) float64 {
	switch c {
	case CategoryAccount:
		return w.Account
	case CategoryBan:
		return w.Ban
	case CategoryNetwork:
		return w.Network
	case CategoryFingerprint:
		return w.Fingerprint
	case CategoryAlt:
		return w.Alt
	case CategoryBehavior:
		return w.Behavior
	case CategoryStyle:
		return w.Style
	case CategoryThreatActor:
		return w.ThreatActor
	}
	return 0
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	var total float64
	for _, c := range Categories {
		total += w.For(c)
	}
	return total
}

// AccountConfig holds the account-age bands and adjustments.
type AccountConfig struct {
	UnderHour       int `mapstructure:"under_hour"`
	UnderDay        int `mapstructure:"under_day"`
	UnderWeek       int `mapstructure:"under_week"`
	UnderMonth      int `mapstructure:"under_month"`
	NoAvatar        int `mapstructure:"no_avatar"`
	VerifiedBonus   int `mapstructure:"verified_bonus"`
	NewAccountHours int `mapstructure:"new_account_hours"`
}

// BanConfig holds ban-category points.
type BanConfig struct {
	Critical    int `mapstructure:"critical"`
	High        int `mapstructure:"high"`
	Medium      int `mapstructure:"medium"`
	Low         int `mapstructure:"low"`
	PerBan      int `mapstructure:"per_ban"`
	PerBanCap   int `mapstructure:"per_ban_cap"`
	ExternalHit int `mapstructure:"external_hit"`
}

// NetworkConfig holds network-factor points.
type NetworkConfig struct {
	VPN        int `mapstructure:"vpn"`
	Proxy      int `mapstructure:"proxy"`
	Datacenter int `mapstructure:"datacenter"`
	Tor        int `mapstructure:"tor"`
}

// FingerprintConfig holds device points.
type FingerprintConfig struct {
	Shared       int `mapstructure:"shared"`
	UsedByBanned int `mapstructure:"used_by_banned"`
}

// AltConfig holds per-match points.
type AltConfig struct {
	FingerprintBanned int     `mapstructure:"fingerprint_banned"`
	Fingerprint       int     `mapstructure:"fingerprint"`
	NetworkBanned     int     `mapstructure:"network_banned"`
	Network           int     `mapstructure:"network"`
	NameStrong        int     `mapstructure:"name_strong"`
	NameWeak          int     `mapstructure:"name_weak"`
	NameStrongAt      float64 `mapstructure:"name_strong_at"`
	TimeCluster       int     `mapstructure:"time_cluster"`
	Vocabulary        int     `mapstructure:"vocabulary"`
	Style             int     `mapstructure:"style"`
}

// ThreatConfig holds threat-list points. The highest matching entry wins.
type ThreatConfig struct {
	Identity int `mapstructure:"identity"`
	Device   int `mapstructure:"device"`
	Network  int `mapstructure:"network"`
}

// BehaviorConfig holds message-cadence heuristics.
type BehaviorConfig struct {
	SpamIntervalSec    float64 `mapstructure:"spam_interval_sec"`
	SpamPoints         int     `mapstructure:"spam_points"`
	AutomationMinCount int     `mapstructure:"automation_min_count"`
	AutomationMaxCV    float64 `mapstructure:"automation_max_cv"`
	AutomationPoints   int     `mapstructure:"automation_points"`
	DuplicateRatio     float64 `mapstructure:"duplicate_ratio"`
	DuplicatePoints    int     `mapstructure:"duplicate_points"`
	LinkRatio          float64 `mapstructure:"link_ratio"`
	LinkPoints         int     `mapstructure:"link_points"`
	MentionRatio       float64 `mapstructure:"mention_ratio"`
	MentionPoints      int     `mapstructure:"mention_points"`
}

// StyleConfig holds vocabulary and repetition heuristics.
type StyleConfig struct {
	MinTokens          int     `mapstructure:"min_tokens"`
	LowDiversity       float64 `mapstructure:"low_diversity"`
	LowDiversityPoints int     `mapstructure:"low_diversity_points"`
	MidDiversity       float64 `mapstructure:"mid_diversity"`
	MidDiversityPoints int     `mapstructure:"mid_diversity_points"`
	UppercaseRatio     float64 `mapstructure:"uppercase_ratio"`
	UppercasePoints    int     `mapstructure:"uppercase_points"`
	PunctuationRatio   float64 `mapstructure:"punctuation_ratio"`
	PunctuationPoints  int     `mapstructure:"punctuation_points"`
	ShortMessageTokens float64 `mapstructure:"short_message_tokens"`
	ShortMessagePoints int     `mapstructure:"short_message_points"`
}

// Config holds every scoring tunable.
type Config struct {
	Weights     Weights           `mapstructure:"weights"`
	Account     AccountConfig     `mapstructure:"account"`
	Ban         BanConfig         `mapstructure:"ban"`
	Network     NetworkConfig     `mapstructure:"network"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Alt         AltConfig         `mapstructure:"alt"`
	Threat      ThreatConfig      `mapstructure:"threat"`
	Behavior    BehaviorConfig    `mapstructure:"behavior"`
	Style       StyleConfig       `mapstructure:"style"`
}

// DefaultConfig returns the production scoring parameters.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Account:     0.15,
			Ban:         0.25,
			Network:     0.12,
			Fingerprint: 0.08,
			Alt:         0.20,
			Behavior:    0.08,
			Style:       0.07,
			ThreatActor: 0.05,
		},
		Account: AccountConfig{
			UnderHour:       60,
			UnderDay:        50,
			UnderWeek:       30,
			UnderMonth:      20,
			NoAvatar:        15,
			VerifiedBonus:   15,
			NewAccountHours: 24,
		},
		Ban: BanConfig{
			Critical:    100,
			High:        80,
			Medium:      60,
			Low:         40,
			PerBan:      15,
			PerBanCap:   50,
			ExternalHit: 50,
		},
		Network:     NetworkConfig{VPN: 35, Proxy: 40, Datacenter: 45, Tor: 60},
		Fingerprint: FingerprintConfig{Shared: 30, UsedByBanned: 50},
		Alt: AltConfig{
			FingerprintBanned: 60,
			Fingerprint:       30,
			NetworkBanned:     50,
			Network:           15,
			NameStrong:        25,
			NameWeak:          15,
			NameStrongAt:      0.9,
			TimeCluster:       20,
			Vocabulary:        35,
			Style:             40,
		},
		Threat: ThreatConfig{Identity: 80, Device: 70, Network: 60},
		Behavior: BehaviorConfig{
			SpamIntervalSec:    2,
			SpamPoints:         40,
			AutomationMinCount: 5,
			AutomationMaxCV:    0.1,
			AutomationPoints:   35,
			DuplicateRatio:     0.5,
			DuplicatePoints:    30,
			LinkRatio:          0.5,
			LinkPoints:         20,
			MentionRatio:       0.3,
			MentionPoints:      15,
		},
		Style: StyleConfig{
			MinTokens:          20,
			LowDiversity:       0.3,
			LowDiversityPoints: 40,
			MidDiversity:       0.5,
			MidDiversityPoints: 15,
			UppercaseRatio:     0.6,
			UppercasePoints:    20,
			PunctuationRatio:   0.3,
			PunctuationPoints:  10,
			ShortMessageTokens: 2,
			ShortMessagePoints: 15,
		},
	}
}

// Validate checks that the weights are usable.
func (c Config) Validate() error {
	for _, cat := range Categories {
		if w := c.Weights.For(cat); w < 0 {
			return fmt.Errorf("risk: negative weight for %s", cat)
		}
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("risk: weights sum to %.4f, want 1.0", sum)
	}
	return nil
}

// AccountSignals are the account facts supplied with a request.
type AccountSignals struct {
	CreatedAt        time.Time
	HasAvatar        bool
	PlatformVerified bool
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
