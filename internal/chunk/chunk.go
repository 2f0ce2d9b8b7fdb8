// Package chunk plans how a document's page space is split into units of work.
package chunk

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	// SmallDocumentThreshold is the largest page count planned with SmallChunkSize.
	SmallDocumentThreshold = 100

	// SmallChunkSize limits the pages lost to one failed call on short documents.
	SmallChunkSize = 50

	// LargeChunkSize bounds the number of chunks on long documents.
	LargeChunkSize = 100
)

// ErrInvalidTotal is returned when planning a document with no pages.
var ErrInvalidTotal = errors.New("total units must be positive")

// ErrInvalidRange is returned when a range string cannot be parsed.
var ErrInvalidRange = errors.New("invalid chunk range")

// Range is an inclusive, 1-indexed page interval.
type Range struct {
	Start int
	End   int
}

// String returns the canonical form, e.g. "51-100".
func (r Range) String() string {
	return strconv.Itoa(r.Start) + "-" + strconv.Itoa(r.End)
}

// Len returns the number of pages in the range.
func (r Range) Len() int {
	return r.End - r.Start + 1
}

// Contains reports whether page falls inside the range.
func (r Range) Contains(page int) bool {
	return page >= r.Start && page <= r.End
}

// Pages returns every page number in the range in ascending order.
func (r Range) Pages() []int {
	pages := make([]int, 0, r.Len())
	for p := r.Start; p <= r.End; p++ {
		pages = append(pages, p)
	}
	return pages
}

// MarshalText implements encoding.TextMarshaler using the canonical form.
func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Range) UnmarshalText(b []byte) error {
	parsed, err := ParseRange(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRange parses the canonical "start-end" form.
func ParseRange(s string) (Range, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	end, err := strconv.Atoi(endStr)
	if err != nil {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	if start < 1 || end < start {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return Range{Start: start, End: end}, nil
}

// SizeFor returns the chunk size used for a document of totalUnits pages.
func SizeFor(totalUnits int) int {
	if totalUnits <= SmallDocumentThreshold {
		return SmallChunkSize
	}
	return LargeChunkSize
}

// Plan splits pages 1..totalUnits into contiguous ranges of SizeFor(totalUnits).
func Plan(totalUnits int) ([]Range, error) {
	if totalUnits <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTotal, totalUnits)
	}
	return PlanWithSize(totalUnits, SizeFor(totalUnits))
}

// PlanWithSize splits pages 1..totalUnits into ranges of at most size pages.
func PlanWithSize(totalUnits, size int) ([]Range, error) {
	if totalUnits <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTotal, totalUnits)
	}
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %d", size)
	}

	ranges := make([]Range, 0, (totalUnits+size-1)/size)
	for start := 1; start <= totalUnits; start += size {
		end := start + size - 1
		if end > totalUnits {
			end = totalUnits
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges, nil
}

// Remaining returns the ranges of plan whose canonical form is not in done.
// Order of plan is preserved.
func Remaining(plan []Range, done []string) []Range {
	completed := make(map[string]struct{}, len(done))
	for _, d := range done {
		completed[d] = struct{}{}
	}
	var out []Range
	for _, r := range plan {
		if _, ok := completed[r.String()]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// Strings returns the canonical forms of ranges.
func Strings(ranges []Range) []string {
	out := make([]string, len(ranges))
	for i, r := range ranges {
		out[i] = r.String()
	}
	return out
}

// Sort orders canonical range strings by start page. Unparseable entries sort last.
func Sort(ranges []string) {
	sort.SliceStable(ranges, func(i, j int) bool {
		ri, erri := ParseRange(ranges[i])
		rj, errj := ParseRange(ranges[j])
		switch {
		case erri != nil && errj != nil:
			return ranges[i] < ranges[j]
		case erri != nil:
			return false
		case errj != nil:
			return true
		}
		return ri.Start < rj.Start
	})
}
