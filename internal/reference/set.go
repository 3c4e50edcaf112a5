// Package reference extracts and normalizes issue references from pull request text.
//
// A reference is a positive issue number. A Set is an unordered, deduplicated
// collection of references; two sets are equal when they hold the same members,
// regardless of the order in which they were found.
package reference

import (
	"sort"
	"strconv"
	"strings"
)

// Ref is a normalized issue reference (a positive issue number).
type Ref int

// Set is an unordered set of references.
//
// The zero value (nil) is an empty set that is safe to read. Use NewSet or
// Add on a non-nil set to build one.
type Set map[Ref]struct{}

// NewSet builds a set from the given references, dropping duplicates.
func NewSet(refs ...Ref) Set {
	s := make(Set, len(refs))
	for _, r := range refs {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts r into the set.
func (s Set) Add(r Ref) {
	s[r] = struct{}{}
}

// Has reports whether r is a member of the set.
func (s Set) Has(r Ref) bool {
	_, ok := s[r]
	return ok
}

// Len returns the number of references in the set.
func (s Set) Len() int {
	return len(s)
}

// Empty reports whether the set holds no references.
func (s Set) Empty() bool {
	return len(s) == 0
}

// Equal reports set equality.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for r := range s {
		if !other.Has(r) {
			return false
		}
	}
	return true
}

// ContainsAll reports whether s is a superset of other.
func (s Set) ContainsAll(other Set) bool {
	for r := range other {
		if !s.Has(r) {
			return false
		}
	}
	return true
}

// Intersects reports whether s and other share at least one reference.
func (s Set) Intersects(other Set) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for r := range small {
		if large.Has(r) {
			return true
		}
	}
	return false
}

// Intersection returns the references present in both sets.
func (s Set) Intersection(other Set) Set {
	out := make(Set)
	for r := range s {
		if other.Has(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Union returns a new set holding the members of both sets.
func (s Set) Union(other Set) Set {
	out := make(Set, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Difference returns the members of s that are not in other.
func (s Set) Difference(other Set) Set {
	out := make(Set)
	for r := range s {
		if !other.Has(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members in ascending order.
func (s Set) Sorted() []Ref {
	out := make([]Ref, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Ints returns the members in ascending order as plain ints, for serialization.
func (s Set) Ints() []int {
	sorted := s.Sorted()
	out := make([]int, len(sorted))
	for i, r := range sorted {
		out[i] = int(r)
	}
	return out
}

// FromInts builds a set from plain ints, ignoring non-positive values.
func FromInts(values []int) Set {
	s := make(Set, len(values))
	for _, v := range values {
		if v > 0 {
			s[Ref(v)] = struct{}{}
		}
	}
	return s
}

// Format renders the set with the given marker, e.g. "#1, #2".
func (s Set) Format(marker string) string {
	sorted := s.Sorted()
	parts := make([]string, len(sorted))
	for i, r := range sorted {
		parts[i] = marker + strconv.Itoa(int(r))
	}
	return strings.Join(parts, ", ")
}

// String renders the set using the default "#" marker.
func (s Set) String() string {
	return "{" + s.Format(DefaultMarker) + "}"
}
