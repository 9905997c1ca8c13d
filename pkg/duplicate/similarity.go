package duplicate

import "strings"

// titlesSimilar reports whether two titles are "close enough that
// divergence is suspicious" (spec §4.2 Step B): case- and
// whitespace-normalized equality, or normalized-Jaccard token overlap
// at or above jaccardThreshold.
func titlesSimilar(a, b string) bool {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == nb {
		return true
	}
	return jaccard(tokenSet(na), tokenSet(nb)) >= jaccardThreshold
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
