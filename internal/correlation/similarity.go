package correlation

import (
	"strings"
	"unicode"
)

// NormalizeName lowercases s and drops everything that is not a letter or
// digit.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NameSimilarity returns (maxLen - dist) / maxLen over the normalized names,
// in [0,1]. Identical normalized names (including two empty ones) score 1.
func NameSimilarity(a, b string) float64 {
	ra := []rune(NormalizeName(a))
	rb := []rune(NormalizeName(b))
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	d := levenshtein(ra, rb)
	sim := float64(maxLen-d) / float64(maxLen)
	if sim < 0 {
		return 0
	}
	return sim
}

// levenshtein computes edit distance with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
