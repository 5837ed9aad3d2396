package matcher

import "strings"

// Grams splits s into its set of overlapping n-character windows. The string
// is lowercased and padded with n-1 leading spaces and one trailing space so
// short words still produce windows.
func Grams(s string, n int) map[string]struct{} {
	if n <= 0 {
		n = 3
	}
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	out := map[string]struct{}{}
	if s == "" {
		return out
	}
	padded := []rune(strings.Repeat(" ", n-1) + s + " ")
	for i := 0; i+n <= len(padded); i++ {
		out[string(padded[i:i+n])] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard overlap of the n-gram sets of a and b, in [0,1].
func Similarity(a, b string, n int) float64 {
	ga, gb := Grams(a, n), Grams(b, n)
	if len(ga) == 0 || len(gb) == 0 {
		return 0
	}
	inter := 0
	for g := range ga {
		if _, ok := gb[g]; ok {
			inter++
		}
	}
	union := len(ga) + len(gb) - inter
	return float64(inter) / float64(union)
}
