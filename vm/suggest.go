package vm

import "math"

// "Did you mean" suggestions for misspelled names.

const (
	maxCandidateItems = 750
	maxStringSize     = 40
	moveCost          = 2
	caseCost          = 1
)

func substitutionCost(a, b byte) int {
	if a&31 != b&31 {
		return moveCost
	}
	if a == b {
		return 0
	}
	if 'A' <= a && a <= 'Z' {
		a += 'a' - 'A'
	}
	if 'A' <= b && b <= 'Z' {
		b += 'a' - 'A'
	}
	if a == b {
		return caseCost
	}
	return moveCost
}

// levenshtein returns the weighted edit distance between a and b, or any
// value above maxCost once the distance is known to exceed it.
func levenshtein(a, b string, maxCost int) int {
	if a == b {
		return 0
	}
	for len(a) > 0 && len(b) > 0 && a[0] == b[0] {
		a, b = a[1:], b[1:]
	}
	for len(a) > 0 && len(b) > 0 && a[len(a)-1] == b[len(b)-1] {
		a, b = a[:len(a)-1], b[:len(b)-1]
	}
	if len(a) == 0 || len(b) == 0 {
		return (len(a) + len(b)) * moveCost
	}
	if len(a) > maxStringSize || len(b) > maxStringSize {
		return maxCost + 1
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	if (len(b)-len(a))*moveCost > maxCost {
		return maxCost + 1
	}
	row := make([]int, len(a))
	for i := range row {
		row[i] = (i + 1) * moveCost
	}
	result := 0
	for bi := 0; bi < len(b); bi++ {
		code := b[bi]
		distance := bi * moveCost
		result = distance
		minimum := math.MaxInt
		for i := 0; i < len(a); i++ {
			substitute := distance + substitutionCost(code, a[i])
			distance = row[i]
			insertDelete := min(result, distance) + moveCost
			result = min(insertDelete, substitute)
			row[i] = result
			if result < minimum {
				minimum = result
			}
		}
		if minimum > maxCost {
			return maxCost + 1
		}
	}
	return result
}

// suggestName returns the candidate closest to name, or "" when none is
// close enough. No more than about a third of the characters may differ.
func suggestName(candidates []string, name string) string {
	if len(candidates) >= maxCandidateItems {
		return ""
	}
	best := ""
	bestDistance := math.MaxInt
	for _, item := range candidates {
		if item == name {
			continue
		}
		maxDistance := (len(name) + len(item) + 3) * moveCost / 6
		maxDistance = min(maxDistance, bestDistance-1)
		d := levenshtein(name, item, maxDistance)
		if d > maxDistance {
			continue
		}
		if best == "" || d < bestDistance {
			best, bestDistance = item, d
		}
	}
	return best
}
