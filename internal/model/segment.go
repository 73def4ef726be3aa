package model

import (
	"sort"
	"strconv"
	"strings"
)

// Address identifies a cluster member. It is the member's RPC endpoint ("host:port").
type Address string

// String implements fmt.Stringer
func (a Address) String() string {
	return string(a)
}

// SegmentSet is a set of segment ids
type SegmentSet map[int]struct{}

// NewSegmentSet creates a set holding the given segments
func NewSegmentSet(segments ...int) SegmentSet {
	s := make(SegmentSet, len(segments))
	for _, seg := range segments {
		s[seg] = struct{}{}
	}
	return s
}

// Add adds a segment to the set
func (s SegmentSet) Add(segment int) {
	s[segment] = struct{}{}
}

// AddAll adds every segment of other to the set
func (s SegmentSet) AddAll(other SegmentSet) {
	for seg := range other {
		s[seg] = struct{}{}
	}
}

// Remove removes a segment from the set
func (s SegmentSet) Remove(segment int) {
	delete(s, segment)
}

// Contains reports whether the segment is in the set
func (s SegmentSet) Contains(segment int) bool {
	_, ok := s[segment]
	return ok
}

// Len returns the number of segments
func (s SegmentSet) Len() int {
	return len(s)
}

// IsEmpty reports whether the set has no segments
func (s SegmentSet) IsEmpty() bool {
	return len(s) == 0
}

// Clone returns an independent copy
func (s SegmentSet) Clone() SegmentSet {
	c := make(SegmentSet, len(s))
	for seg := range s {
		c[seg] = struct{}{}
	}
	return c
}

// Difference returns the segments in s that are not in other
func (s SegmentSet) Difference(other SegmentSet) SegmentSet {
	d := make(SegmentSet)
	for seg := range s {
		if !other.Contains(seg) {
			d[seg] = struct{}{}
		}
	}
	return d
}

// Intersect returns the segments present in both sets
func (s SegmentSet) Intersect(other SegmentSet) SegmentSet {
	i := make(SegmentSet)
	for seg := range s {
		if other.Contains(seg) {
			i[seg] = struct{}{}
		}
	}
	return i
}

// Equal reports whether both sets hold the same segments
func (s SegmentSet) Equal(other SegmentSet) bool {
	if len(s) != len(other) {
		return false
	}
	for seg := range s {
		if !other.Contains(seg) {
			return false
		}
	}
	return true
}

// Sorted returns the segments in ascending order
func (s SegmentSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for seg := range s {
		out = append(out, seg)
	}
	sort.Ints(out)
	return out
}

// String renders the set as "{1, 4, 7}"
func (s SegmentSet) String() string {
	parts := make([]string, 0, len(s))
	for _, seg := range s.Sorted() {
		parts = append(parts, strconv.Itoa(seg))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
