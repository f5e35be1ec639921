package risk

import (
	"math"
	"sort"

	"github.com/mbd888/guildgate/internal/decision"
)

// Result is the aggregated score with its breakdown.
type Result struct {
	Score     int                   `json:"score"`
	SubScores map[Category]SubScore `json:"subScores"`
	Included  []Category            `json:"included"`
	Excluded  []Category            `json:"excluded"`
	Flags     decision.Flags        `json:"flags"`
}

// Values returns the present sub-score values keyed by category name.
func (r *Result) Values() map[string]int {
	out := make(map[string]int, len(r.Included))
	for _, c := range r.Included {
		out[string(c)] = r.SubScores[c].Value
	}
	return out
}

// ExcludedNames returns the excluded categories as strings.
func (r *Result) ExcludedNames() []string {
	out := make([]string, len(r.Excluded))
	for i, c := range r.Excluded {
		out[i] = string(c)
	}
	return out
}

// evidenceOnly categories are present only when their lookup found
// something. A clean answer leaves them absent.
var evidenceOnly = map[Category]bool{
	CategoryBan:         true,
	CategoryAlt:         true,
	CategoryThreatActor: true,
}

// Aggregate combines sub-scores into one score. Only present categories
// participate and their weights are renormalized to sum to 1.0. Missing
// categories are treated as absent. With nothing present the score is 0.
//
// Evidence-only categories never pull the score down: the result is the
// highest renormalized mean over any subset of them, so a hit scoring below
// the rest of the evidence leaves the score where it was.
func Aggregate(w Weights, subs ...SubScore) Result {
	byCat := make(map[Category]SubScore, len(Categories))
	for _, s := range subs {
		byCat[s.Category] = s
	}

	res := Result{SubScores: make(map[Category]SubScore, len(Categories))}
	var weighted, total float64
	var hits []SubScore
	for _, c := range Categories {
		s, ok := byCat[c]
		if !ok {
			s = Absent(c)
		}
		res.SubScores[c] = s
		if !s.Present || w.For(c) <= 0 {
			res.Excluded = append(res.Excluded, c)
			continue
		}
		res.Included = append(res.Included, c)
		res.Flags = res.Flags.Add(s.Flags...)
		if evidenceOnly[c] {
			hits = append(hits, s)
			continue
		}
		weighted += float64(clamp(s.Value, 0, 100)) * w.For(c)
		total += w.For(c)
	}

	// The best subset is a prefix of the hits by value: take each one while
	// it is above the running mean.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Value > hits[j].Value })
	for _, h := range hits {
		v := float64(clamp(h.Value, 0, 100))
		if total > 0 && v <= weighted/total {
			break
		}
		weighted += v * w.For(h.Category)
		total += w.For(h.Category)
	}

	if total > 0 {
		res.Score = clamp(int(math.Round(weighted/total)), 0, 100)
	}
	res.Flags = res.Flags.Normalize()
	return res
}
