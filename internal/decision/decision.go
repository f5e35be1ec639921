// Package decision maps an aggregate risk score plus categorical flags to an
// admission outcome.
//
// The policy is a pure function of (score, flags). The only suspension point
// is the optional arbitration consult in Resolve, which can adjust a
// mid-band score before the bands are applied.
package decision

import (
	"fmt"
	"sort"
)

// Decision is the terminal verdict of an admission evaluation.
type Decision string

const (
	Approved  Decision = "approved"
	Challenge Decision = "challenge"
	Denied    Decision = "denied"
)

// Valid reports whether d is one of the closed set of decisions.
func (d Decision) Valid() bool {
	switch d {
	case Approved, Challenge, Denied:
		return true
	}
	return false
}

// Action is the concrete step the decision consumer should take.
type Action string

const (
	ActionApprove         Action = "approve"
	ActionApproveReview   Action = "approve_with_review"
	ActionChallengeLight  Action = "challenge_light"  // proof-of-humanity only
	ActionChallengeStrong Action = "challenge_strong" // proof-of-humanity + free-text questions
	ActionDeny            Action = "deny"
)

// Decision returns the verdict an action belongs to.
func (a Action) Decision() Decision {
	switch a {
	case ActionApprove, ActionApproveReview:
		return Approved
	case ActionChallengeLight, ActionChallengeStrong:
		return Challenge
	default:
		return Denied
	}
}

// Thresholds are the score band boundaries. A score at a boundary falls into
// the higher band.
type Thresholds struct {
	Deny            int `json:"deny" mapstructure:"deny"`
	StrongChallenge int `json:"strongChallenge" mapstructure:"strong_challenge"`
	LightChallenge  int `json:"lightChallenge" mapstructure:"light_challenge"`
	Review          int `json:"review" mapstructure:"review"`
}

// DefaultThresholds returns the production score bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Deny:            95,
		StrongChallenge: 80,
		LightChallenge:  60,
		Review:          40,
	}
}

// Validate checks the bands are strictly ordered and inside [0,100].
func (t Thresholds) Validate() error {
	if t.Review < 0 || t.Deny > 100 {
		return fmt.Errorf("decision thresholds must be within [0,100]")
	}
	if !(t.Review < t.LightChallenge && t.LightChallenge < t.StrongChallenge && t.StrongChallenge < t.Deny) {
		return fmt.Errorf("decision thresholds must satisfy review < light < strong < deny (got %d/%d/%d/%d)",
			t.Review, t.LightChallenge, t.StrongChallenge, t.Deny)
	}
	return nil
}

// Outcome is the result of applying the policy.
type Outcome struct {
	Decision             Decision `json:"decision"`
	Action               Action   `json:"action"`
	Score                int      `json:"score"`
	Flags                Flags    `json:"flags"`
	RequiresManualReview bool     `json:"requiresManualReview"`
	Reason               string   `json:"reason"`
	DeniedBy             Flag     `json:"deniedBy,omitempty"`
}

// Policy applies instant-deny flags and score bands.
type Policy struct {
	thresholds Thresholds
}

// NewPolicy creates a policy with the given bands.
func NewPolicy(t Thresholds) *Policy {
	return &Policy{thresholds: t}
}

// Thresholds returns the configured bands.
func (p *Policy) Thresholds() Thresholds {
	return p.thresholds
}

// Decide maps (score, flags) to an outcome. Instant-deny flags win over any
// score; otherwise the first matching band applies.
func (p *Policy) Decide(score int, flags Flags) Outcome {
	flags = flags.Normalize()
	out := Outcome{Score: clampScore(score), Flags: flags}

	if f, ok := flags.InstantDeny(); ok {
		out.Action = ActionDeny
		out.Reason = "instant-deny flag " + string(f)
		out.DeniedBy = f
		out.Decision = out.Action.Decision()
		return out
	}

	t := p.thresholds
	switch {
	case out.Score >= t.Deny:
		out.Action = ActionDeny
		out.Reason = fmt.Sprintf("score %d >= %d", out.Score, t.Deny)
	case out.Score >= t.StrongChallenge:
		out.Action = ActionChallengeStrong
		out.Reason = fmt.Sprintf("score %d in [%d,%d)", out.Score, t.StrongChallenge, t.Deny)
	case out.Score >= t.LightChallenge:
		out.Action = ActionChallengeLight
		out.Reason = fmt.Sprintf("score %d in [%d,%d)", out.Score, t.LightChallenge, t.StrongChallenge)
	case out.Score >= t.Review:
		out.Action = ActionApproveReview
		out.RequiresManualReview = true
		out.Reason = fmt.Sprintf("score %d in [%d,%d)", out.Score, t.Review, t.LightChallenge)
	default:
		out.Action = ActionApprove
		out.Reason = fmt.Sprintf("score %d < %d", out.Score, t.Review)
	}
	if flags.Has(FlagManualReview) {
		out.RequiresManualReview = true
	}
	out.Decision = out.Action.Decision()
	return out
}

// ShouldArbitrate reports whether a second opinion may be requested: the
// score sits in [review, deny) and no instant-deny flag fired.
func (p *Policy) ShouldArbitrate(score int, flags Flags) bool {
	if _, ok := flags.InstantDeny(); ok {
		return false
	}
	return score >= p.thresholds.Review && score < p.thresholds.Deny
}

func clampScore(s int) int {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// sortedFlags returns a copy of the flags in lexical order.
func sortedFlags(in []Flag) []Flag {
	out := make([]Flag, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
