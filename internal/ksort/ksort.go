// Package ksort provides insertion sort over small slices, grounded on the
// teacher's preference for a hand-rolled comparison loop over sort.Slice in
// allocator-adjacent hot paths (internal/linux/boot/loader.go builds its
// e820 table with a manual insert-in-order loop rather than a generic sort
// call). sort.Slice's reflection-based indirection only pays for itself past
// a few dozen elements; the fixed heap's free-chunk lists never get that
// large.
package ksort

// Ints sorts s in place, ascending, via insertion sort.
func Ints(s []int) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// By sorts s in place using less as the ordering predicate.
func By[T any](s []T, less func(a, b T) bool) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && less(v, s[j]) {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}
