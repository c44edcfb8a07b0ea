package util

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// maxSuggestDistance is the largest edit distance at which Suggest still
// considers a candidate a plausible misspelling.
const maxSuggestDistance = 3

// Suggest returns the candidate closest to name by case-insensitive
// Levenshtein distance, or "" if none is within maxSuggestDistance.  Ties go
// to the earlier candidate.
func Suggest(name string, candidates []string) string {
	best, bestDist := "", maxSuggestDistance+1
	lower := strings.ToLower(name)
	for _, c := range candidates {
		if d := matchr.Levenshtein(lower, strings.ToLower(c)); d < bestDist {
			best, bestDist = c, d
		}
	}
	return best
}
