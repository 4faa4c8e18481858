package markets

import "strings"

// noise words that differ between the schedule source and the exchange
var stopwords = map[string]bool{
	"fc": true, "afc": true, "cf": true, "sc": true, "ac": true,
	"club": true, "de": true, "the": true, "v": true, "vs": true,
}

// normalize lower-cases a name, strips punctuation and drops noise
// tokens, returning the token set.
func normalize(name string) map[string]bool {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	tokens := make(map[string]bool)
	for _, t := range strings.Fields(b.String()) {
		if !stopwords[t] {
			tokens[t] = true
		}
	}
	return tokens
}

// Similarity scores two names in [0, 1] using the Dice coefficient over
// normalized token sets. Identical names score 1; disjoint names 0.
func Similarity(a, b string) float64 {
	ta, tb := normalize(a), normalize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for t := range ta {
		if tb[t] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}
