package matcher

import (
	"strings"

	levenshtein "github.com/ka-weihe/fast-levenshtein"
	"github.com/samber/lo"
)

// LooseThreshold is the similarity above which two titles are considered the same work
const LooseThreshold = 0.7

// Similarity returns 1 - distance/maxLen over normalized titles, in [0,1].
// Distance and length are both counted in runes.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" && nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	ka, kb := runeKeys(na, nb)
	maxLen := lo.Max([]int{len(ka), len(kb)})
	score := 1 - float64(levenshtein.Distance(ka, kb))/float64(maxLen)
	if score < 0 {
		return 0
	}
	return score
}

// runeKeys rewrites a and b over a shared one-byte alphabet so a byte level
// distance counts whole runes. Titles with more than 255 distinct runes are
// returned unchanged.
func runeKeys(a, b string) (string, string) {
	alphabet := map[rune]byte{}
	encode := func(s string) ([]byte, bool) {
		out := make([]byte, 0, len(s))
		for _, r := range s {
			k, ok := alphabet[r]
			if !ok {
				if len(alphabet) == 255 {
					return nil, false
				}
				k = byte(len(alphabet) + 1)
				alphabet[r] = k
			}
			out = append(out, k)
		}
		return out, true
	}
	ka, okA := encode(a)
	kb, okB := encode(b)
	if !okA || !okB {
		return a, b
	}
	return string(ka), string(kb)
}

// Mode selects how candidate titles are compared with the query
type Mode int

const (
	Loose Mode = iota
	Strict
)

// Matches reports whether candidate is the requested season of query.
// Strict requires equal titles once season tokens are removed, loose accepts
// containment either way or a similarity above LooseThreshold.
func Matches(mode Mode, candidate, query string, season int) bool {
	if season > 0 && SeasonOf(candidate) != season {
		return false
	}
	c := Normalize(StripSeason(candidate))
	q := Normalize(StripSeason(query))
	if c == "" || q == "" {
		return false
	}
	if mode == Strict {
		return c == q
	}
	if strings.Contains(c, q) || strings.Contains(q, c) {
		return true
	}
	return Similarity(c, q) >= LooseThreshold
}

// BestMatch returns the index of the title most similar to query, -1 for no titles.
// Ties go to the shortest title before any parenthesis so that "Title" beats
// "Title (Cantonese)".
func BestMatch(query string, titles []string) (int, float64) {
	best, bestScore := -1, -1.0
	for i, t := range titles {
		score := Similarity(query, t)
		switch {
		case score > bestScore:
			best, bestScore = i, score
		case score == bestScore && len([]rune(BaseTitle(t))) < len([]rune(BaseTitle(titles[best]))):
			best = i
		}
	}
	if best < 0 {
		return -1, 0
	}
	return best, bestScore
}
