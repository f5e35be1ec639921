package risk

import (
	"fmt"
	"time"

	"github.com/mbd888/guildgate/internal/correlation"
	"github.com/mbd888/guildgate/internal/decision"
	"github.com/mbd888/guildgate/internal/identity"
)

// Scorer computes category sub-scores from already-fetched evidence. It does
// no I/O; absent inputs produce absent sub-scores.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer with the given parameters.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's parameters.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Account scores account age and profile completeness. Absent when the
// creation time is unknown.
func (s *Scorer) Account(now time.Time, sig AccountSignals) SubScore {
	if sig.CreatedAt.IsZero() {
		return Absent(CategoryAccount)
	}
	c := s.cfg.Account
	sub := SubScore{Category: CategoryAccount, Present: true}

	age := now.Sub(sig.CreatedAt)
	if age < 0 {
		age = 0
	}
	switch {
	case age < time.Hour:
		sub.add(c.UnderHour, "account younger than an hour")
	case age < 24*time.Hour:
		sub.add(c.UnderDay, "account younger than a day")
	case age < 7*24*time.Hour:
		sub.add(c.UnderWeek, "account younger than a week")
	case age < 30*24*time.Hour:
		sub.add(c.UnderMonth, "account younger than a month")
	}
	if age < time.Duration(c.NewAccountHours)*time.Hour {
		sub.Flags = sub.Flags.Add(decision.FlagNewAccount)
	}
	if !sig.HasAvatar {
		sub.add(c.NoAvatar, "no avatar", decision.FlagNoAvatar)
	}
	if sig.PlatformVerified {
		sub.add(-c.VerifiedBonus, "platform verified")
	}
	sub.clamp()
	return sub
}

// ExternalHit is a positive answer from an external ban registry.
type ExternalHit struct {
	Source string
	Reason string
}

// Ban scores the identity's own ban record and external registry hits.
// Present only when there is something to score.
func (s *Scorer) Ban(rec *identity.BanRecord, hits []ExternalHit) SubScore {
	if rec == nil && len(hits) == 0 {
		return Absent(CategoryBan)
	}
	c := s.cfg.Ban
	sub := SubScore{Category: CategoryBan, Present: true}
	if rec != nil {
		base := 0
		switch rec.Severity {
		case identity.BanCritical:
			base = c.Critical
		case identity.BanHigh:
			base = c.High
		case identity.BanMedium:
			base = c.Medium
		case identity.BanLow:
			base = c.Low
		}
		sub.add(base, fmt.Sprintf("%s ban on record", rec.Severity), decision.FlagInternallyBanned)
		extra := rec.BanCount * c.PerBan
		if extra > c.PerBanCap {
			extra = c.PerBanCap
		}
		sub.add(extra, fmt.Sprintf("%d prior bans", rec.BanCount))
	}
	for _, h := range hits {
		sub.add(c.ExternalHit, "banned by "+h.Source, decision.FlagExternalBan)
	}
	sub.clamp()
	return sub
}

// Network scores the network-origin factors. Absent when no network signal
// was read.
func (s *Scorer) Network(rec *identity.SignalRecord) SubScore {
	if rec == nil {
		return Absent(CategoryNetwork)
	}
	c := s.cfg.Network
	sub := SubScore{Category: CategoryNetwork, Present: true}
	f := rec.Factors
	if f.VPN {
		sub.add(c.VPN, "vpn", decision.FlagVPN)
	}
	if f.Proxy {
		sub.add(c.Proxy, "proxy", decision.FlagProxy)
	}
	if f.Datacenter {
		sub.add(c.Datacenter, "datacenter network", decision.FlagDatacenterNetwork)
	}
	if f.Tor {
		sub.add(c.Tor, "anonymizing network exit", decision.FlagTorExit)
	}
	sub.clamp()
	return sub
}

// Fingerprint scores device sharing. banned holds the ids among the record's
// other identities that have a ban record. Absent when no fingerprint was read.
func (s *Scorer) Fingerprint(rec *identity.SignalRecord, self string, banned map[string]bool) SubScore {
	if rec == nil {
		return Absent(CategoryFingerprint)
	}
	c := s.cfg.Fingerprint
	sub := SubScore{Category: CategoryFingerprint, Present: true}
	others := rec.Others(self)
	if len(others) > 0 {
		sub.add(c.Shared, fmt.Sprintf("device shared with %d identities", len(others)), decision.FlagSharedDevice)
	}
	for _, id := range others {
		if banned[id] {
			sub.add(c.UsedByBanned, "device used by a banned identity", decision.FlagDeviceUsedByBanned)
			break
		}
	}
	sub.clamp()
	return sub
}

// Alt scores correlation matches. Present when there is at least one match.
func (s *Scorer) Alt(matches []correlation.Match) SubScore {
	if len(matches) == 0 {
		return Absent(CategoryAlt)
	}
	c := s.cfg.Alt
	sub := SubScore{Category: CategoryAlt, Present: true}
	sub.Flags = sub.Flags.Add(decision.FlagAltMatch)
	for _, m := range matches {
		switch m.Method {
		case identity.MethodFingerprint:
			if m.IsBanned {
				sub.add(c.FingerprintBanned, "fingerprint shared with banned "+m.LinkedIdentityID)
			} else {
				sub.add(c.Fingerprint, "fingerprint shared with "+m.LinkedIdentityID)
			}
		case identity.MethodNetworkOrigin:
			if m.IsBanned {
				sub.add(c.NetworkBanned, "network shared with banned "+m.LinkedIdentityID)
			} else {
				sub.add(c.Network, "network shared with "+m.LinkedIdentityID)
			}
		case identity.MethodName:
			if m.Confidence >= c.NameStrongAt {
				sub.add(c.NameStrong, fmt.Sprintf("name %.2f similar to %s", m.Confidence, m.LinkedIdentityID))
			} else {
				sub.add(c.NameWeak, fmt.Sprintf("name %.2f similar to %s", m.Confidence, m.LinkedIdentityID))
			}
		case identity.MethodTimeCluster:
			sub.add(c.TimeCluster, "created alongside "+m.LinkedIdentityID)
		case identity.MethodVocabulary:
			sub.add(c.Vocabulary, "vocabulary matches "+m.LinkedIdentityID)
		case identity.MethodStyle:
			sub.add(c.Style, "style matches "+m.LinkedIdentityID)
		}
	}
	sub.clamp()
	return sub
}

// ThreatActor scores threat-list hits; the strongest entry wins. Present only
// on a hit.
func (s *Scorer) ThreatActor(m identity.ThreatMatch) SubScore {
	if !m.Any() {
		return Absent(CategoryThreatActor)
	}
	c := s.cfg.Threat
	sub := SubScore{Category: CategoryThreatActor, Present: true}
	best := 0
	if m.Identity {
		sub.Flags = sub.Flags.Add(decision.FlagKnownThreatActor)
		sub.Reasons = append(sub.Reasons, "identity listed")
		best = max(best, c.Identity)
	}
	if m.Device {
		sub.Flags = sub.Flags.Add(decision.FlagThreatActorDevice)
		sub.Reasons = append(sub.Reasons, "device listed")
		best = max(best, c.Device)
	}
	if m.Network {
		sub.Flags = sub.Flags.Add(decision.FlagThreatActorNetwork)
		sub.Reasons = append(sub.Reasons, "network origin listed")
		best = max(best, c.Network)
	}
	sub.Value = best
	sub.clamp()
	return sub
}

// Behavior scores message cadence heuristics. Absent without a profile.
func (s *Scorer) Behavior(p *identity.BehaviorProfile) SubScore {
	if p == nil {
		return Absent(CategoryBehavior)
	}
	c := s.cfg.Behavior
	sub := SubScore{Category: CategoryBehavior, Present: true}
	if p.MessageCount >= 2 && p.MeanIntervalSec < c.SpamIntervalSec {
		sub.add(c.SpamPoints, fmt.Sprintf("mean interval %.1fs", p.MeanIntervalSec), decision.FlagSpamCadence)
	}
	if p.MessageCount >= c.AutomationMinCount && p.MeanIntervalSec > 0 &&
		p.IntervalStdDevSec/p.MeanIntervalSec < c.AutomationMaxCV {
		sub.add(c.AutomationPoints, "message intervals too regular", decision.FlagAutomationSuspected)
	}
	if p.DuplicateRatio > c.DuplicateRatio {
		sub.add(c.DuplicatePoints, fmt.Sprintf("%.0f%% duplicate messages", p.DuplicateRatio*100), decision.FlagDuplicateMessages)
	}
	if p.LinkRatio > c.LinkRatio {
		sub.add(c.LinkPoints, "mostly links")
	}
	if p.MentionRatio > c.MentionRatio {
		sub.add(c.MentionPoints, "mass mentions")
	}
	sub.clamp()
	return sub
}

// Style scores vocabulary diversity and repetition. Absent without a profile.
func (s *Scorer) Style(p *identity.StyleProfile) SubScore {
	if p == nil {
		return Absent(CategoryStyle)
	}
	c := s.cfg.Style
	sub := SubScore{Category: CategoryStyle, Present: true}
	if p.TokenCount >= c.MinTokens {
		switch {
		case p.VocabularyDiversity < c.LowDiversity:
			sub.add(c.LowDiversityPoints, fmt.Sprintf("vocabulary diversity %.2f", p.VocabularyDiversity), decision.FlagLowVocabularyDiversity)
		case p.VocabularyDiversity < c.MidDiversity:
			sub.add(c.MidDiversityPoints, fmt.Sprintf("vocabulary diversity %.2f", p.VocabularyDiversity))
		}
		if p.AvgTokensPerMessage < c.ShortMessageTokens {
			sub.add(c.ShortMessagePoints, "very short messages")
		}
	}
	if p.UppercaseRatio > c.UppercaseRatio {
		sub.add(c.UppercasePoints, "mostly uppercase")
	}
	if p.PunctuationRatio > c.PunctuationRatio {
		sub.add(c.PunctuationPoints, "heavy punctuation")
	}
	sub.clamp()
	return sub
}
