// Package similarity holds the set and vector similarity primitives shared by
// clustering, validation heuristics and matching.
package similarity

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Tokenize lowercases text, replaces punctuation with spaces and splits on
// whitespace.
func Tokenize(text string) []string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(' ')
	}
	return strings.Fields(b.String())
}

// TokenSet builds a set from tokens of at least minLen runes.
func TokenSet(tokens []string, minLen int) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if utf8.RuneCountInString(t) < minLen {
			continue
		}
		set[t] = struct{}{}
	}
	return set
}

// Jaccard returns |a∩b| / |a∪b|, or 0 when either set is empty.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k := range a {
		if _, ok := b[k]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Cosine computes similarity between two vectors. Mismatched lengths and zero
// vectors score 0. The result is clamped to [-1, 1].
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	sim := dot / math.Sqrt(normA*normB)
	switch {
	case sim > 1:
		return 1
	case sim < -1:
		return -1
	}
	return sim
}

// HasStem reports whether any token starts with one of stems and carries at
// most maxSuffix extra runes ("record" matches "recorded", not "recordkeeping").
func HasStem(tokens []string, stems []string, maxSuffix int) bool {
	for _, t := range tokens {
		for _, s := range stems {
			if strings.HasPrefix(t, s) && utf8.RuneCountInString(t)-utf8.RuneCountInString(s) <= maxSuffix {
				return true
			}
		}
	}
	return false
}
