package coercion

import (
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)) computed on
// lower-cased input. Identical strings score 1, disjoint ones approach 0.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}

	dmp := diffmatchpatch.New()
	dist := dmp.DiffLevenshtein(dmp.DiffMain(a, b, false))
	score := 1 - float64(dist)/float64(longest)
	if score < 0 {
		return 0
	}
	return score
}

// ClosestMatch returns the candidate most similar to s and its score. Ties
// keep the earliest candidate so results are stable.
func ClosestMatch(s string, candidates []string) (string, float64) {
	best, bestScore := "", -1.0
	for _, c := range candidates {
		if score := Similarity(s, c); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < 0 {
		return "", 0
	}
	return best, bestScore
}
