package layout

import "math/bits"

// AlignUp returns n rounded up to the next multiple of align.
// align must be a power of two.
//
// Example:
//
//	AlignUp(1, 16)  = 16
//	AlignUp(16, 16) = 16
//	AlignUp(17, 16) = 32
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align (a power of two).
//
// Example:
//
//	AlignDown(17, 16)   = 16
//	AlignDown(4095, 16) = 4080
func AlignDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}

// IsAligned reports whether n is a multiple of align (a power of two).
func IsAligned(n, align uintptr) bool {
	return n&(align-1) == 0
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

// DivideUp returns ceil(n / d).
func DivideUp(n, d uintptr) uintptr {
	return (n + d - 1) / d
}

// WSize converts a byte size to machine words, rounding up.
//
// Example (64-bit):
//
//	WSize(0)  = 0
//	WSize(1)  = 1
//	WSize(24) = 3
//	WSize(25) = 4
func WSize(size uintptr) uintptr {
	return (size + WordSize - 1) >> WordShift
}

// Bsr returns the index of the highest set bit of x ("bit scan reverse").
// x must be non-zero.
//
// Example:
//
//	Bsr(1)    = 0
//	Bsr(8)    = 3
//	Bsr(1023) = 9
func Bsr(x uintptr) uint {
	return uint(bits.Len(uint(x))) - 1
}
