package persistence

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidRange is returned for empty or out-of-bounds ranges and for
	// worker layouts that do not match the topic's partition count.
	ErrInvalidRange = errors.New("persistence: invalid partition range")
	// ErrOverlappingRanges is returned when two workers would own a partition.
	ErrOverlappingRanges = errors.New("persistence: overlapping partition ranges")
)

// Range is the half-open partition interval [Start, Start+Count) owned by one
// worker.
type Range struct {
	Start int
	Count int
}

// End returns the first partition past the range.
func (r Range) End() int { return r.Start + r.Count }

// Contains reports whether partition p is in the range.
func (r Range) Contains(p int) bool { return p >= r.Start && p < r.End() }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End()) }

// AssignRanges splits partitions between workers, perWorker partitions each,
// in worker order. The layout must cover the topic exactly.
func AssignRanges(workers, perWorker, partitions int) ([]Range, error) {
	if workers <= 0 || perWorker <= 0 {
		return nil, fmt.Errorf("%w: %d workers x %d partitions", ErrInvalidRange, workers, perWorker)
	}
	if workers*perWorker != partitions {
		return nil, fmt.Errorf("%w: %d workers x %d partitions does not cover %d partitions",
			ErrInvalidRange, workers, perWorker, partitions)
	}
	ranges := make([]Range, workers)
	for i := range ranges {
		ranges[i] = Range{Start: i * perWorker, Count: perWorker}
	}
	return ranges, ValidateRanges(ranges, partitions)
}

// ValidateRanges checks that ranges are disjoint and together cover
// [0, partitions) with no gaps.
func ValidateRanges(ranges []Range, partitions int) error {
	sorted := append([]Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	next := 0
	for _, r := range sorted {
		if r.Count <= 0 || r.Start < 0 || r.End() > partitions {
			return fmt.Errorf("%w: %s of %d partitions", ErrInvalidRange, r, partitions)
		}
		if r.Start < next {
			return fmt.Errorf("%w: %s", ErrOverlappingRanges, r)
		}
		if r.Start > next {
			return fmt.Errorf("%w: partitions [%d,%d) unowned", ErrInvalidRange, next, r.Start)
		}
		next = r.End()
	}
	if next != partitions {
		return fmt.Errorf("%w: partitions [%d,%d) unowned", ErrInvalidRange, next, partitions)
	}
	return nil
}
