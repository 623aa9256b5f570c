// Package pagerange normalizes user-entered page ranges into sorted disjoint
// intervals and expands them to page lists for batch export.
package pagerange

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Range is a single user-entered page range. Start and End stay as strings
// because the UI tolerates transient invalid input; validity is only checked
// at export time via Validate.
type Range struct {
	ID    string `json:"id"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// NewRange returns an empty range with a fresh id.
func NewRange() Range {
	return Range{ID: uuid.New().String()}
}

// Interval is a normalized inclusive page interval.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func parseBound(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Normalize merges the given ranges into sorted disjoint intervals. Entries
// that do not parse are dropped, reversed bounds are swapped, and adjacent or
// overlapping intervals are merged (a gap of zero pages counts as adjacent).
func Normalize(ranges []Range) []Interval {
	var parsed []Interval
	for _, r := range ranges {
		start, okStart := parseBound(r.Start)
		end, okEnd := parseBound(r.End)
		if !okStart || !okEnd {
			continue
		}
		if start > end {
			start, end = end, start
		}
		parsed = append(parsed, Interval{Start: start, End: end})
	}

	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Start < parsed[j].Start })

	var merged []Interval
	for _, iv := range parsed {
		if len(merged) > 0 && iv.Start <= merged[len(merged)-1].End+1 {
			last := &merged[len(merged)-1]
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Expand normalizes the ranges and flattens them into a deduplicated sorted
// page list.
func Expand(ranges []Range) []int {
	var pages []int
	for _, iv := range Normalize(ranges) {
		for p := iv.Start; p <= iv.End; p++ {
			pages = append(pages, p)
		}
	}
	// Normalized intervals are disjoint so no duplicates survive, but guard
	// anyway since callers rely on a strictly increasing list.
	out := pages[:0]
	seen := -1
	for _, p := range pages {
		if p != seen {
			out = append(out, p)
			seen = p
		}
	}
	return out
}

// Validate checks every range against the document page count and returns a
// human-readable error for the first violation found.
func Validate(ranges []Range, pageCount int) error {
	for i, r := range ranges {
		start, okStart := parseBound(r.Start)
		end, okEnd := parseBound(r.End)
		if !okStart || !okEnd {
			return fmt.Errorf("range %d: both start and end page numbers are required", i+1)
		}
		if start < 1 {
			return fmt.Errorf("range %d: start page must be at least 1", i+1)
		}
		if end > pageCount {
			return fmt.Errorf("range %d: end page %d is beyond the last page (%d)", i+1, end, pageCount)
		}
		if start > end {
			return fmt.Errorf("range %d: start page %d is after end page %d", i+1, start, end)
		}
	}
	return nil
}
