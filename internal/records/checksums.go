// Package records holds the in-memory face record collection and the
// checksum set used for change detection.
package records

import "sort"

// ChecksumSet is the set of content checksums that have already been
// ingested. It only grows; a checksum is never removed once added.
type ChecksumSet map[string]struct{}

// NewChecksumSet creates a set containing the given checksums.
func NewChecksumSet(sums ...string) ChecksumSet {
	s := make(ChecksumSet, len(sums))
	for _, sum := range sums {
		s.Add(sum)
	}
	return s
}

// Contains reports whether sum has been ingested.
func (s ChecksumSet) Contains(sum string) bool {
	_, ok := s[sum]
	return ok
}

// Add records sum as ingested.
func (s ChecksumSet) Add(sum string) {
	s[sum] = struct{}{}
}

// Len returns the number of checksums in the set.
func (s ChecksumSet) Len() int {
	return len(s)
}

// Sorted returns the checksums in lexical order.
func (s ChecksumSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for sum := range s {
		out = append(out, sum)
	}
	sort.Strings(out)
	return out
}
