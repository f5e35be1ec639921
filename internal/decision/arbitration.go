package decision

import (
	"context"
	"log/slog"
	"time"
)

// Summary is the identity context shared with an arbiter.
type Summary struct {
	IdentityID      string         `json:"identityId"`
	GuildID         string         `json:"guildId"`
	DisplayName     string         `json:"displayName,omitempty"`
	AccountAgeHours float64        `json:"accountAgeHours,omitempty"`
	AltMatchCount   int            `json:"altMatchCount"`
	SubScores       map[string]int `json:"subScores,omitempty"`
	DegradedSources []string       `json:"degradedSources,omitempty"`
}

// ArbitrationRequest is sent to the arbiter for mid-band scores.
type ArbitrationRequest struct {
	Summary      Summary `json:"identitySummary"`
	Flags        []Flag  `json:"flags"`
	CurrentScore int     `json:"currentScore"`
}

// ArbitrationResponse is the arbiter's answer. A nil AdjustedScore keeps the
// current score.
type ArbitrationResponse struct {
	AdjustedScore   *int   `json:"adjustedScore"`
	AdditionalFlags []Flag `json:"additionalFlags"`
}

// Arbiter provides an optional second opinion on borderline scores.
type Arbiter interface {
	Arbitrate(ctx context.Context, req *ArbitrationRequest) (*ArbitrationResponse, error)
}

// ArbitrationInfo records what arbitration did to an evaluation.
type ArbitrationInfo struct {
	Invoked       bool   `json:"invoked"`
	OriginalScore int    `json:"originalScore"`
	AdjustedScore *int   `json:"adjustedScore,omitempty"`
	AddedFlags    []Flag `json:"addedFlags,omitempty"`
	Error         string `json:"error,omitempty"`
	LatencyMs     int64  `json:"latencyMs"`
}

// Resolve applies the policy, consulting arbiter first when the score is in
// the arbitration band. A nil arbiter, an error, a timeout or a null score all
// leave the score unchanged. Flags returned by the arbiter that are not in the
// catalog are dropped.
func (p *Policy) Resolve(ctx context.Context, arbiter Arbiter, timeout time.Duration, summary Summary, score int, flags Flags) (Outcome, *ArbitrationInfo) {
	if arbiter == nil || !p.ShouldArbitrate(score, flags) {
		return p.Decide(score, flags), nil
	}

	info := &ArbitrationInfo{Invoked: true, OriginalScore: score}
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := arbiter.Arbitrate(actx, &ArbitrationRequest{
		Summary:      summary,
		Flags:        flags.Normalize(),
		CurrentScore: score,
	})
	info.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		info.Error = err.Error()
		slog.Default().WarnContext(ctx, "arbitration failed, keeping score",
			"identity_id", summary.IdentityID, "score", score, "error", err)
		return p.Decide(score, flags), info
	}
	if resp == nil {
		return p.Decide(score, flags), info
	}

	for _, f := range resp.AdditionalFlags {
		if !f.Valid() {
			continue
		}
		if !flags.Has(f) {
			info.AddedFlags = append(info.AddedFlags, f)
		}
		flags = flags.Add(f)
	}
	if resp.AdjustedScore != nil {
		adjusted := clampScore(*resp.AdjustedScore)
		info.AdjustedScore = &adjusted
		if adjusted != score {
			flags = flags.Add(FlagArbitrationAdjusted)
		}
		score = adjusted
	}
	return p.Decide(score, flags), info
}
