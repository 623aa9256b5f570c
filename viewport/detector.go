// Package viewport turns per-page visibility ratios from the scrolling client
// into a single stable "active page" decision, and debounces that decision
// before a capture is triggered.
package viewport

// Hysteresis constants. The current page keeps its active status while its
// own ratio stays at or above minStickyRatio and no challenger beats it by
// more than switchAdvantage.
const (
	minStickyRatio  = 0.2
	switchAdvantage = 0.15
)

// Resolve picks the active page from a map of page number to intersection
// ratio (0-1). current is the page that was active before this update, or 0
// for none. Returns 0 when no page is visible.
func Resolve(ratios map[int]float64, current int) int {
	leader := 0
	leaderRatio := 0.0
	for page, ratio := range ratios {
		if ratio > leaderRatio {
			leader = page
			leaderRatio = ratio
		}
	}

	// No page visible at all: no active page, regardless of history.
	if leader == 0 {
		return 0
	}
	if current == 0 || leader == current {
		return leader
	}

	currentRatio := ratios[current]
	if currentRatio >= minStickyRatio && leaderRatio-currentRatio <= switchAdvantage {
		return current
	}
	return leader
}
