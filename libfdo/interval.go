// Copyright The fdoprof Authors
// SPDX-License-Identifier: Apache-2.0

package libfdo // import "github.com/fdo-tools/fdoprof/libfdo"

import (
	"fmt"
	"sort"
)

// FuncInterval describes the half-open address range [Start, End) occupied
// by one function symbol in the profiled binary.
type FuncInterval struct {
	Name  string
	Start Address
	End   Address
}

// Contains reports whether addr falls inside the interval.
func (fi *FuncInterval) Contains(addr Address) bool {
	return addr >= fi.Start && addr < fi.End
}

// IntervalMap stores pairwise disjoint function intervals and answers
// "which function contains this address" queries. All intervals are
// inserted via Add() and the map is then sorted and validated by a single
// Finalize() call, after which it is read-only.
type IntervalMap struct {
	// Sorted by Start descending after Finalize, so that sort.Search can
	// locate the candidate interval with a single predicate.
	intervals []FuncInterval
	finalized bool
}

func NewIntervalMap(capacity int) *IntervalMap {
	return &IntervalMap{
		intervals: make([]FuncInterval, 0, capacity),
	}
}

// Add inserts an interval. Empty intervals (Start >= End) are rejected.
func (m *IntervalMap) Add(fi FuncInterval) error {
	if fi.Start >= fi.End {
		return fmt.Errorf("empty interval for %s: [%v, %v)", fi.Name, fi.Start, fi.End)
	}
	m.intervals = append(m.intervals, fi)
	return nil
}

// Finalize sorts the intervals and verifies pairwise disjointness.
// Exact duplicates (same name and bounds) are coalesced.
func (m *IntervalMap) Finalize() error {
	sort.Slice(m.intervals, func(i, j int) bool {
		return m.intervals[i].Start > m.intervals[j].Start
	})

	deduped := m.intervals[:0]
	for i, fi := range m.intervals {
		if i > 0 {
			prev := &deduped[len(deduped)-1]
			if fi == *prev {
				continue
			}
			// prev has the larger start address here.
			if fi.End > prev.Start {
				return fmt.Errorf("overlapping intervals: %s [%v, %v) and %s [%v, %v)",
					fi.Name, fi.Start, fi.End, prev.Name, prev.Start, prev.End)
			}
		}
		deduped = append(deduped, fi)
	}
	m.intervals = deduped
	m.finalized = true
	return nil
}

// Containing returns the unique interval enclosing addr, if any.
func (m *IntervalMap) Containing(addr Address) (*FuncInterval, bool) {
	i := sort.Search(len(m.intervals), func(i int) bool {
		return addr >= m.intervals[i].Start
	})
	if i < len(m.intervals) && addr < m.intervals[i].End {
		return &m.intervals[i], true
	}
	return nil, false
}

// Len returns the number of intervals in the map.
func (m *IntervalMap) Len() int {
	return len(m.intervals)
}

// VisitAll calls cb for every interval, in descending start order.
func (m *IntervalMap) VisitAll(cb func(FuncInterval)) {
	for _, fi := range m.intervals {
		cb(fi)
	}
}
