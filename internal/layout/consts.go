// Package layout holds the word-size and alignment arithmetic shared by the
// size-class table and the allocator engine. Everything here is a pure
// function of its arguments.
package layout

import "unsafe"

const (
	// WordSize is the size of a machine word (uintptr) in bytes.
	WordSize = unsafe.Sizeof(uintptr(0))

	// WordShift is log2(WordSize).
	WordShift = 2 + (WordSize>>3)&1 + (WordSize>>4)&1

	// KiB, MiB and GiB are byte-count helpers.
	KiB uintptr = 1 << 10
	MiB uintptr = 1 << 20
	GiB uintptr = 1 << 30

	// MaxAllocSize is the largest request the engine accepts (PTRDIFF_MAX).
	MaxAllocSize = ^uintptr(0) >> 1
)
