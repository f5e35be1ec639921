// Package profile derives advisory behavior and style profiles from recent
// messages. Profiles are summaries, not evidence on their own: they feed the
// behavior and style risk categories and the vocabulary/style matchers.
package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/mbd888/guildgate/internal/identity"
)

// MinMessages is the fewest messages needed to build a profile.
const MinMessages = 5

const (
	vocabularyTopN = 20
	hashLen        = 32
)

// Build derives both profiles from messages. It returns nil profiles when
// there are fewer than MinMessages messages.
func Build(identityID string, msgs []identity.Message, now time.Time) (*identity.BehaviorProfile, *identity.StyleProfile) {
	if len(msgs) < MinMessages {
		return nil, nil
	}
	sorted := append([]identity.Message(nil), msgs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SentAt.Before(sorted[j].SentAt) })
	return buildBehavior(identityID, sorted, now), buildStyle(identityID, sorted, now)
}

func buildBehavior(identityID string, msgs []identity.Message, now time.Time) *identity.BehaviorProfile {
	p := &identity.BehaviorProfile{IdentityID: identityID, MessageCount: len(msgs), RebuiltAt: now}

	intervals := make([]float64, 0, len(msgs)-1)
	for i := 1; i < len(msgs); i++ {
		intervals = append(intervals, msgs[i].SentAt.Sub(msgs[i-1].SentAt).Seconds())
	}
	p.MeanIntervalSec, p.IntervalStdDevSec = meanStdDev(intervals)

	seen := make(map[string]int)
	var links, mentions int
	for _, m := range msgs {
		key := strings.ToLower(strings.TrimSpace(m.Content))
		seen[key]++
		if strings.Contains(key, "http://") || strings.Contains(key, "https://") {
			links++
		}
		if strings.Contains(m.Content, "@") {
			mentions++
		}
	}
	n := float64(len(msgs))
	p.DuplicateRatio = float64(len(msgs)-len(seen)) / n
	p.LinkRatio = float64(links) / n
	p.MentionRatio = float64(mentions) / n
	p.VocabularyHash = VocabularyHash(msgs)
	return p
}

func buildStyle(identityID string, msgs []identity.Message, now time.Time) *identity.StyleProfile {
	p := &identity.StyleProfile{IdentityID: identityID, RebuiltAt: now}

	unique := make(map[string]struct{})
	var letters, upper, punct, visible int
	for _, m := range msgs {
		for _, tok := range Tokenize(m.Content) {
			p.TokenCount++
			unique[tok] = struct{}{}
		}
		for _, r := range m.Content {
			switch {
			case unicode.IsLetter(r):
				letters++
				visible++
				if unicode.IsUpper(r) {
					upper++
				}
			case unicode.IsPunct(r):
				punct++
				visible++
			case !unicode.IsSpace(r):
				visible++
			}
		}
	}
	if p.TokenCount > 0 {
		p.VocabularyDiversity = float64(len(unique)) / float64(p.TokenCount)
	}
	p.AvgTokensPerMessage = float64(p.TokenCount) / float64(len(msgs))
	if letters > 0 {
		p.UppercaseRatio = float64(upper) / float64(letters)
	}
	if visible > 0 {
		p.PunctuationRatio = float64(punct) / float64(visible)
	}
	p.StyleHash = styleHash(p)
	return p
}

// Tokenize lowercases s and splits it into letter/digit runs.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// VocabularyHash hashes the most frequent tokens so two identities with the
// same habitual vocabulary produce the same value.
func VocabularyHash(msgs []identity.Message) string {
	counts := make(map[string]int)
	for _, m := range msgs {
		for _, tok := range Tokenize(m.Content) {
			if len([]rune(tok)) < 3 {
				continue
			}
			counts[tok]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	toks := make([]string, 0, len(counts))
	for t := range counts {
		toks = append(toks, t)
	}
	sort.Slice(toks, func(i, j int) bool {
		if counts[toks[i]] != counts[toks[j]] {
			return counts[toks[i]] > counts[toks[j]]
		}
		return toks[i] < toks[j]
	})
	if len(toks) > vocabularyTopN {
		toks = toks[:vocabularyTopN]
	}
	sort.Strings(toks)
	return digest(strings.Join(toks, " "))
}

// styleHash buckets the style ratios coarsely so small variations still
// collide.
func styleHash(p *identity.StyleProfile) string {
	if p.TokenCount == 0 {
		return ""
	}
	key := fmt.Sprintf("d%d|t%d|u%d|p%d",
		bucket(p.VocabularyDiversity, 10),
		int(math.Min(p.AvgTokensPerMessage, 30)/3),
		bucket(p.UppercaseRatio, 10),
		bucket(p.PunctuationRatio, 20),
	)
	return digest(key)
}

func bucket(v float64, n int) int {
	return int(math.Min(math.Max(v, 0), 1) * float64(n))
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLen]
}

func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

// Store is what the Rebuilder reads and writes.
type Store interface {
	RecentMessages(ctx context.Context, identityID string, since time.Time, limit int) ([]identity.Message, error)
	IdentitiesWithMessagesSince(ctx context.Context, since time.Time) ([]string, error)
	SaveBehaviorProfile(ctx context.Context, p *identity.BehaviorProfile) error
	SaveStyleProfile(ctx context.Context, p *identity.StyleProfile) error
}

// Rebuilder refreshes stored profiles from recorded messages.
type Rebuilder struct {
	store    Store
	lookback time.Duration
	limit    int
	now      func() time.Time
}

// NewRebuilder creates a rebuilder over messages from the last lookback.
func NewRebuilder(store Store, lookback time.Duration, limit int) *Rebuilder {
	return &Rebuilder{store: store, lookback: lookback, limit: limit, now: time.Now}
}

// RebuildAll rebuilds the profile of every identity with recent messages and
// returns how many were written.
func (r *Rebuilder) RebuildAll(ctx context.Context) (int, error) {
	since := r.now().Add(-r.lookback)
	ids, err := r.store.IdentitiesWithMessagesSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list active identities: %w", err)
	}
	written := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		ok, err := r.Rebuild(ctx, id)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// Rebuild refreshes one identity's profiles. It reports false when there
// were too few messages.
func (r *Rebuilder) Rebuild(ctx context.Context, identityID string) (bool, error) {
	now := r.now()
	msgs, err := r.store.RecentMessages(ctx, identityID, now.Add(-r.lookback), r.limit)
	if err != nil {
		return false, fmt.Errorf("load messages for %s: %w", identityID, err)
	}
	b, s := Build(identityID, msgs, now)
	if b == nil {
		return false, nil
	}
	if err := r.store.SaveBehaviorProfile(ctx, b); err != nil {
		return false, fmt.Errorf("save behavior profile: %w", err)
	}
	if err := r.store.SaveStyleProfile(ctx, s); err != nil {
		return false, fmt.Errorf("save style profile: %w", err)
	}
	return true, nil
}
