package validate

import "strings"

// SuggestionThreshold is the minimum similarity score at which a
// candidate is offered for suggestions or autocorrection.
const SuggestionThreshold = 0.5

// Score rates how close two names are. Exact matches score 1.0,
// case-insensitive substring containment lands in 0.7-0.8 scaled by the
// length ratio, and everything else combines normalized Levenshtein
// similarity (weight 0.5) with shared-prefix ratio (weight 0.3).
func Score(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == "" || lb == "" {
		return 0
	}
	if strings.Contains(la, lb) || strings.Contains(lb, la) {
		shorter, longer := len(la), len(lb)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		return 0.7 + 0.1*float64(shorter)/float64(longer)
	}

	longest := len(la)
	if len(lb) > longest {
		longest = len(lb)
	}
	lev := 1.0 - float64(levenshteinDistance(la, lb))/float64(longest)
	if lev < 0 {
		lev = 0
	}
	return lev*0.5 + prefixRatio(la, lb)*0.3
}

// Best returns the highest-scoring candidate, breaking ties
// lexicographically so suggestions are deterministic.
func Best(target string, candidates []string) (string, float64) {
	var best string
	var bestScore float64
	for _, c := range candidates {
		s := Score(target, c)
		switch {
		case s > bestScore:
			best, bestScore = c, s
		case s == bestScore && s > 0 && c < best:
			best = c
		}
	}
	return best, bestScore
}

// Suggest returns the best candidate when it clears the threshold.
func Suggest(target string, candidates []string) (string, bool) {
	best, score := Best(target, candidates)
	return best, score > SuggestionThreshold
}

func prefixRatio(a, b string) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	common := 0
	for common < n && a[common] == b[common] {
		common++
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return float64(common) / float64(longest)
}

func levenshteinDistance(a, b string) int {
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
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
