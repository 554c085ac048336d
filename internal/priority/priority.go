// Package priority defines the weighted priority levels shared by jobs and
// worker-pool tasks. Higher weight means more urgent.
package priority

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Level is a named priority.
type Level string

const (
	Critical Level = "critical"
	High     Level = "high"
	Normal   Level = "normal"
	Low      Level = "low"
)

var weights = map[Level]int{
	Critical: 1000,
	High:     100,
	Normal:   10,
	Low:      1,
}

// Weight returns the numeric weight of l. Unknown levels weigh as Normal.
func Weight(l Level) int {
	if w, ok := weights[l]; ok {
		return w
	}
	return weights[Normal]
}

// Parse converts a case-insensitive name into a Level. An empty string
// yields Normal.
func Parse(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "" {
		return Normal, nil
	}
	if _, ok := weights[l]; !ok {
		return "", fmt.Errorf("unknown priority %q (expected: critical, high, normal, low)", s)
	}
	return l, nil
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	_, ok := weights[l]
	return ok
}

func (l Level) Weight() int {
	return Weight(l)
}

// Compare orders a before b when a is heavier: negative if a sorts first.
func Compare(a, b Level) int {
	return cmp.Compare(Weight(b), Weight(a))
}

// Sort orders levels by descending weight, in place.
func Sort(levels []Level) {
	slices.SortStableFunc(levels, Compare)
}
