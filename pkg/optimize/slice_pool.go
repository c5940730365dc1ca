package optimize

// PreAllocateSlice builds a slice with known capacity up front.
func PreAllocateSlice[T any](length, capacity int) []T {
	if capacity < length {
		capacity = length
	}
	return make([]T, length, capacity)
}

// Rewindow keeps the newest max elements in a fresh allocation. A plain
// re-slice would keep the whole original backing array reachable; sliding
// windows trimmed in place that way never shrink.
func Rewindow[T any](s []T, max int) []T {
	if len(s) <= max {
		return s
	}
	out := PreAllocateSlice[T](max, max)
	copy(out, s[len(s)-max:])
	return out
}

// GrowSlice extends a slice to newLen, doubling capacity when it must
// reallocate.
func GrowSlice[T any](s []T, newLen int) []T {
	if newLen <= cap(s) {
		return s[:newLen]
	}

	newCap := cap(s) * 2
	if newCap < newLen {
		newCap = newLen
	}

	grown := make([]T, newLen, newCap)
	copy(grown, s)
	return grown
}
