// Package buf holds overflow-checked size arithmetic used when turning
// caller-supplied counts and sizes into byte lengths.
package buf

// AddOverflowSafe adds a and b, returning ok = false when the result would
// wrap around uintptr.
func AddOverflowSafe(a, b uintptr) (uintptr, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulOverflowSafe multiplies a and b, returning ok = false when the result
// would overflow uintptr. This is what guards count * elementSize in Calloc.
func MulOverflowSafe(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > ^uintptr(0)/b {
		return 0, false
	}
	return a * b, true
}

// AlignUpSafe rounds n up to a multiple of align (a power of two),
// returning ok = false if the rounding overflows.
//
// Example:
//
//	AlignUpSafe(5000, 4096) == 8192, true
//	AlignUpSafe(^uintptr(0), 4096) == 0, false
func AlignUpSafe(n, align uintptr) (uintptr, bool) {
	mask := align - 1
	sum, ok := AddOverflowSafe(n, mask)
	if !ok {
		return 0, false
	}
	return sum &^ mask, true
}

// FitsIn reports whether off+n stays within limit without overflowing.
func FitsIn(off, n, limit uintptr) bool {
	end, ok := AddOverflowSafe(off, n)
	return ok && end <= limit
}
