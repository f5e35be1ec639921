package decision

import "encoding/json"

// Severity ranks how strongly a flag indicates an unwanted identity.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the severity by name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Flag is a categorical signal attached to an evaluation. The set of flags is
// closed: every Flag value must have an entry in the catalog.
type Flag string

const (
	FlagInternallyBanned       Flag = "internally_banned"
	FlagKnownThreatActor       Flag = "known_threat_actor"
	FlagThreatActorDevice      Flag = "threat_actor_device"
	FlagThreatActorNetwork     Flag = "threat_actor_network"
	FlagFingerprintMatchBanned Flag = "fingerprint_match_banned"
	FlagDeviceUsedByBanned     Flag = "device_used_by_banned"
	FlagNetworkMatchBanned     Flag = "network_match_banned"
	FlagNameMatchBanned        Flag = "name_match_banned"
	FlagTimeClusterMatchBanned Flag = "time_cluster_match_banned"
	FlagVocabularyMatchBanned  Flag = "vocabulary_match_banned"
	FlagStyleMatchBanned       Flag = "style_match_banned"
	FlagExternalBan            Flag = "external_ban"
	FlagSharedDevice           Flag = "shared_device"
	FlagVPN                    Flag = "vpn"
	FlagProxy                  Flag = "proxy"
	FlagDatacenterNetwork      Flag = "datacenter_network"
	FlagTorExit                Flag = "tor_exit"
	FlagNewAccount             Flag = "new_account"
	FlagNoAvatar               Flag = "no_avatar"
	FlagSpamCadence            Flag = "spam_cadence"
	FlagAutomationSuspected    Flag = "automation_suspected"
	FlagDuplicateMessages      Flag = "duplicate_messages"
	FlagLowVocabularyDiversity Flag = "low_vocabulary_diversity"
	FlagAltMatch               Flag = "alt_match"
	FlagManualReview           Flag = "manual_review"
	FlagDegradedSignals        Flag = "degraded_signals"
	FlagInfrastructureFailure  Flag = "infrastructure_failure"
	FlagGuildLockdown          Flag = "guild_lockdown"
	FlagArbitrationAdjusted    Flag = "arbitration_adjusted"
)

// FlagInfo is the catalog metadata for a flag.
type FlagInfo struct {
	Flag        Flag     `json:"flag"`
	Severity    Severity `json:"severity"`
	InstantDeny bool     `json:"instantDeny"`
	Description string   `json:"description"`
}

var catalog = map[Flag]FlagInfo{
	FlagInternallyBanned:       {Severity: SeverityCritical, InstantDeny: true, Description: "identity has a ban record"},
	FlagKnownThreatActor:       {Severity: SeverityCritical, InstantDeny: true, Description: "identity is on the threat-actor list"},
	FlagThreatActorDevice:      {Severity: SeverityCritical, InstantDeny: true, Description: "device hash is on the threat-actor list"},
	FlagThreatActorNetwork:     {Severity: SeverityHigh, Description: "network origin is on the threat-actor list"},
	FlagFingerprintMatchBanned: {Severity: SeverityCritical, InstantDeny: true, Description: "fingerprint shared with a banned identity"},
	FlagDeviceUsedByBanned:     {Severity: SeverityCritical, InstantDeny: true, Description: "device previously used by a banned identity"},
	FlagNetworkMatchBanned:     {Severity: SeverityHigh, Description: "network origin shared with a banned identity"},
	FlagNameMatchBanned:        {Severity: SeverityMedium, Description: "display name similar to a banned identity"},
	FlagTimeClusterMatchBanned: {Severity: SeverityMedium, Description: "created alongside a banned identity"},
	FlagVocabularyMatchBanned:  {Severity: SeverityHigh, Description: "vocabulary fingerprint matches a banned identity"},
	FlagStyleMatchBanned:       {Severity: SeverityHigh, Description: "writing style matches a banned identity"},
	FlagExternalBan:            {Severity: SeverityHigh, Description: "reported banned by an external registry"},
	FlagSharedDevice:           {Severity: SeverityMedium, Description: "device shared with other identities"},
	FlagVPN:                    {Severity: SeverityLow, Description: "network origin is a VPN"},
	FlagProxy:                  {Severity: SeverityLow, Description: "network origin is a proxy"},
	FlagDatacenterNetwork:      {Severity: SeverityMedium, Description: "network origin is a datacenter"},
	FlagTorExit:                {Severity: SeverityHigh, Description: "network origin is an anonymizing-network exit"},
	FlagNewAccount:             {Severity: SeverityLow, Description: "account younger than a day"},
	FlagNoAvatar:               {Severity: SeverityInfo, Description: "account has no avatar"},
	FlagSpamCadence:            {Severity: SeverityMedium, Description: "message cadence faster than a human"},
	FlagAutomationSuspected:    {Severity: SeverityMedium, Description: "message intervals too regular"},
	FlagDuplicateMessages:      {Severity: SeverityLow, Description: "mostly repeated messages"},
	FlagLowVocabularyDiversity: {Severity: SeverityLow, Description: "very low vocabulary diversity"},
	FlagAltMatch:               {Severity: SeverityMedium, Description: "correlated with at least one other identity"},
	FlagManualReview:           {Severity: SeverityInfo, Description: "a moderator should review this admission"},
	FlagDegradedSignals:        {Severity: SeverityInfo, Description: "one or more signal sources were unavailable"},
	FlagInfrastructureFailure:  {Severity: SeverityHigh, Description: "decided by the infrastructure failure policy"},
	FlagGuildLockdown:          {Severity: SeverityHigh, Description: "guild was in raid lockdown"},
	FlagArbitrationAdjusted:    {Severity: SeverityInfo, Description: "score adjusted by arbitration"},
}

func init() {
	for f, info := range catalog {
		info.Flag = f
		catalog[f] = info
	}
}

// Info returns catalog metadata for f.
func (f Flag) Info() (FlagInfo, bool) {
	info, ok := catalog[f]
	return info, ok
}

// Severity returns the flag's severity, or info for unknown flags.
func (f Flag) Severity() Severity {
	return catalog[f].Severity
}

// IsInstantDeny reports whether f forces denial regardless of score.
func (f Flag) IsInstantDeny() bool {
	return catalog[f].InstantDeny
}

// Valid reports whether f is in the catalog.
func (f Flag) Valid() bool {
	_, ok := catalog[f]
	return ok
}

// ParseFlag converts an external string into a known flag.
func ParseFlag(s string) (Flag, bool) {
	f := Flag(s)
	return f, f.Valid()
}

// Catalog returns every known flag in lexical order.
func Catalog() []FlagInfo {
	flags := make([]Flag, 0, len(catalog))
	for f := range catalog {
		flags = append(flags, f)
	}
	out := make([]FlagInfo, 0, len(flags))
	for _, f := range sortedFlags(flags) {
		out = append(out, catalog[f])
	}
	return out
}

// Flags is an unordered collection of flags.
type Flags []Flag

// Has reports whether f is present.
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Add appends flags that are not already present.
func (fs Flags) Add(flags ...Flag) Flags {
	for _, f := range flags {
		if !fs.Has(f) {
			fs = append(fs, f)
		}
	}
	return fs
}

// Normalize returns the deduplicated flags in lexical order.
func (fs Flags) Normalize() Flags {
	var out Flags
	out = out.Add(fs...)
	return sortedFlags(out)
}

// InstantDeny returns the first instant-deny flag present, in lexical order.
func (fs Flags) InstantDeny() (Flag, bool) {
	for _, f := range fs.Normalize() {
		if f.IsInstantDeny() {
			return f, true
		}
	}
	return "", false
}

// MaxSeverity returns the highest severity among the flags.
func (fs Flags) MaxSeverity() Severity {
	max := SeverityInfo
	for _, f := range fs {
		if s := f.Severity(); s > max {
			max = s
		}
	}
	return max
}

// Strings returns the flags as plain strings.
func (fs Flags) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}
