// Package textmetrics provides the string measures used to compare and
// classify usernames: edit distance, normalized similarity, Shannon entropy
// and character-class skeletons.
package textmetrics

import (
	"math"
	"strings"
	"unicode"
)

// Levenshtein returns the minimum number of single-rune insertions,
// deletions and substitutions needed to turn a into b. The comparison is
// case-sensitive.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns 1 - distance/maxLen over the lowercased inputs, in [0, 1].
// Two empty strings are identical (1); one empty string against a non-empty
// one scores 0.
func Similarity(a, b string) float64 {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	maxLen := max(len([]rune(la)), len([]rune(lb)))
	if maxLen == 0 {
		return 1
	}
	if la == "" || lb == "" {
		return 0
	}
	return 1 - float64(Levenshtein(la, lb))/float64(maxLen)
}

// ShannonEntropy returns the entropy in bits of the rune distribution of s.
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	total := 0
	for _, r := range s {
		freq[r]++
		total++
	}

	var h float64
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	// -0 for single-symbol strings
	return math.Abs(h)
}

// PatternSkeleton replaces every digit with 'N' and every letter with 'L'.
// Other runes are kept as-is, so "bob_42" becomes "LLL_NN".
func PatternSkeleton(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			sb.WriteByte('N')
		case unicode.IsLetter(r):
			sb.WriteByte('L')
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// SimilarPattern reports whether a and b share the same skeleton.
func SimilarPattern(a, b string) bool {
	return PatternSkeleton(a) == PatternSkeleton(b)
}
