package alloc

import (
	"unsafe"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/tagged"
	"github.com/joshuapare/heapkit/stats"
)

// Debug fill bytes.
const (
	fillUninit  byte = 0xD0 // handed out, not yet written
	fillFreed   byte = 0xDF // returned by free
	fillPadding byte = 0xDE // slack between the request and the padding trailer
)

// paddingSize is the trailer appended to each block in padding mode: a
// 32-bit canary and the 32-bit distance from the end of the request to the
// trailer. It is a word multiple on every supported platform.
const paddingSize = 8

// paddingFillMax bounds how many slack bytes are filled and checked.
const paddingFillMax = 16

// freedCheckMax bounds how many bytes of a free block are checked on reuse.
const freedCheckMax = 1 * layout.KiB

func fillBytes(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// canary mixes the block address with the segment cookie so a stale or
// forged trailer does not validate.
func (p *Page) canary(b block) uint32 {
	x := uintptr(b) ^ p.segment.cookie
	return uint32(x) ^ uint32(uint64(x)>>32)
}

func (a *Allocator) writePadding(p *Page, b block, size uintptr) {
	seg := p.segment
	usable := p.blockSize - paddingSize
	delta := usable - size
	trailer := seg.ptr(uintptr(b) + usable)
	*(*uint32)(trailer) = p.canary(b)
	*(*uint32)(unsafe.Add(trailer, 4)) = uint32(delta)
	fillBytes(seg.bytes(uintptr(b)+size, min(delta, paddingFillMax)), fillPadding)
}

// paddingDelta reads and checks the trailer of b, returning the slack
// between the request and the trailer.
func (a *Allocator) paddingDelta(p *Page, b block) uintptr {
	seg := p.segment
	usable := p.blockSize - paddingSize
	trailer := seg.ptr(uintptr(b) + usable)
	canary := *(*uint32)(trailer)
	delta := uintptr(*(*uint32)(unsafe.Add(trailer, 4)))
	if canary != p.canary(b) || delta > usable {
		invariantViolation("block %#x: padding trailer overwritten (buffer overflow or invalid free)", uintptr(b))
	}
	return delta
}

func (a *Allocator) checkPadding(p *Page, b block) {
	delta := a.paddingDelta(p, b)
	usable := p.blockSize - paddingSize
	for i, v := range p.segment.bytes(uintptr(b)+usable-delta, min(delta, paddingFillMax)) {
		if v != fillPadding {
			invariantViolation("block %#x: buffer overflow at offset %d", uintptr(b), usable-delta+uintptr(i))
		}
	}
}

// freedSpan returns how many bytes after the link word of a free block on p
// are expected to hold fillFreed.
func (a *Allocator) freedSpan(p *Page) uintptr {
	usable := min(p.blockSize-a.padding, freedCheckMax)
	if usable <= layout.WordSize {
		return 0
	}
	return usable - layout.WordSize
}

// fillExtended marks n freshly carved blocks starting at index first as
// freed, so reuse checks treat them like returned blocks.
func (a *Allocator) fillExtended(p *Page, first, n uintptr) {
	span := a.freedSpan(p)
	for i := first; i < first+n; i++ {
		fillBytes(p.segment.bytes(uintptr(p.blockAt(i))+layout.WordSize, span), fillFreed)
	}
}

// checkFreed panics when a free block about to be handed out no longer
// holds the freed fill, which means it was written after free.
func (a *Allocator) checkFreed(p *Page, b block) {
	for i, v := range p.segment.bytes(uintptr(b)+layout.WordSize, a.freedSpan(p)) {
		if v != fillFreed {
			invariantViolation("block %#x: written after free at offset %d", uintptr(b), layout.WordSize+uintptr(i))
		}
	}
}

// checkDoubleFree panics when b is already on one of the page's free
// lists. It runs on the owning thread only.
func (p *Page) checkDoubleFree(b block) {
	if n := p.nextFree(b); n != 0 {
		if _, ok := p.blockIndex(n); !ok {
			// The link does not look like a free-list entry.
			return
		}
	}
	if p.listContains(p.free, b) || p.listContains(p.localFree, b) ||
		p.listContains(block(p.threadFree.Load().Addr()), b) {
		invariantViolation("page %#x: double free of block %#x", p.start, uintptr(b))
	}
}

func (p *Page) listContains(head, b block) bool {
	n := uint32(0)
	for q := head; q != 0 && n <= p.capacity; q = p.nextFree(q) {
		if q == b {
			return true
		}
		n++
	}
	return false
}

func (a *Allocator) countFree(sink stats.Sink, p *Page) {
	usable := p.blockSize - a.padding
	sink.Decrease(stats.Malloc, int64(usable))
	switch {
	case p.segment.kind == segmentHuge:
		sink.Decrease(stats.Huge, int64(p.blockSize))
	case p.blockSize > a.geom.MediumObjSizeMax():
		sink.Decrease(stats.Large, int64(p.blockSize))
	default:
		sink.Decrease(stats.Normal, int64(p.blockSize))
		sink.Bin(a.table.Bin(p.blockSize), -1)
	}
}

// traceDelayed reports a delayed-free state change to the test hook.
func (a *Allocator) traceDelayed(p *Page, from, to tagged.State) {
	if a.onDelayed != nil && from != to {
		a.onDelayed(p, from, to)
	}
}
