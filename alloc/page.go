package alloc

import (
	"runtime"
	"sync/atomic"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/tagged"
)

// Delayed-free states, kept in the low bits of a page's thread-free slot.
const (
	// UseDelayedFree: the next foreign free must register the page with its
	// owning heap.
	UseDelayedFree tagged.State = iota
	// DelayedFreeing: a foreign thread is registering the page right now.
	DelayedFreeing
	// NoDelayedFree: the page is already registered; foreign frees only push.
	NoDelayedFree
	// NeverDelayedFree: the page has no heap to notify (abandoned). Cleared
	// only when the page is reclaimed.
	NeverDelayedFree
)

const (
	pageInFull     uint32 = 1 << 0
	pageHasAligned uint32 = 1 << 1
)

const (
	maxExtendSize = 4 * layout.KiB // bytes of blocks added per extension
	minExtend     = 4              // blocks added per extension at least
	retireCycles  = 16
)

// Page is the arena for one block size. A page lives in its segment's slice
// table; the same struct describes a free span while the slices are unused
// (blockSize == 0).
//
// Only the owning thread touches the plain fields. Other threads use
// threadFree, heap and flags.
type Page struct {
	segment     *Segment
	sliceIndex  int32 // position in the segment's slice table
	sliceCount  int32 // slices in this span (first slice only)
	sliceOffset int32 // distance back to the first slice of the span
	spanQueued  bool  // free span linked into a span queue

	isCommitted bool
	isReset     bool
	isZeroInit  bool
	isZero      bool // blocks on the free list read as zero

	capacity     uint32 // blocks carved so far
	reserved     uint32 // blocks that fit in the page
	used         uint32 // blocks handed out, including those on threadFree
	retireExpire uint8

	flags      atomic.Uint32
	blockSize  uintptr // 0 for a free span
	start      uintptr
	free       block
	localFree  block
	keys       [2]uintptr
	threadFree tagged.Slot
	heap       atomic.Pointer[Heap]

	next, prev  *Page // page queue or span queue links
	delayedNext *Page // heap thread-delayed-free list link
}

// emptyPage fills every slot of a fresh heap's direct table. Its free list
// is always empty so the fast path falls through to the generic path
// without a nil check. It is never written.
var emptyPage Page

func (p *Page) isFree() bool { return p.blockSize == 0 }

func (p *Page) inFull() bool     { return p.flags.Load()&pageInFull != 0 }
func (p *Page) hasAligned() bool { return p.flags.Load()&pageHasAligned != 0 }

func (p *Page) setFlag(f uint32, on bool) {
	if on {
		p.flags.Or(f)
	} else {
		p.flags.And(^f)
	}
}

// BlockSize returns the size of the page's blocks.
func (p *Page) BlockSize() uintptr { return p.blockSize }

// Used returns the number of blocks handed out and not yet collected back.
func (p *Page) Used() uint32 { return p.used }

// Capacity returns the number of blocks carved so far.
func (p *Page) Capacity() uint32 { return p.capacity }

// DelayedState returns the page's current delayed-free state.
func (p *Page) DelayedState() tagged.State { return p.threadFree.Load().State() }

func (p *Page) size() uintptr {
	return uintptr(p.sliceCount) << p.segment.alloc.geom.SliceShift
}

func (p *Page) allFree() bool { return p.used == 0 }

// immediateAvailable reports whether a block can be popped right now.
func (p *Page) immediateAvailable() bool { return p.free != 0 }

// anyAvailable reports whether the page can hand out a block after
// collecting or extending.
func (p *Page) anyAvailable() bool {
	return p.used < p.reserved || p.threadFree.Load().Addr() != 0
}

// init prepares a freshly carved span to serve blocks of blockSize.
func (p *Page) init(h *Heap, blockSize uintptr) {
	a := p.segment.alloc
	p.blockSize = blockSize
	p.start = p.segment.addr + uintptr(p.sliceIndex)<<a.geom.SliceShift
	p.reserved = uint32(p.size() / blockSize)
	if p.reserved == 0 {
		p.reserved = 1
	}
	p.capacity = 0
	p.used = 0
	p.free = 0
	p.localFree = 0
	p.retireExpire = 0
	p.isZero = p.isZeroInit
	p.flags.Store(0)
	p.keys = [2]uintptr{}
	if a.opts.EncodeFreeLists {
		p.keys = [2]uintptr{h.randomWord(), h.randomWord()}
	}
	p.threadFree.Store(tagged.Make(0, UseDelayedFree))
	p.heap.Store(h)
	p.next, p.prev, p.delayedNext = nil, nil, nil
	h.extendFree(p)
}

// reset clears the page back to a bare span.
func (p *Page) reset() {
	p.blockSize = 0
	p.start = 0
	p.capacity, p.reserved, p.used = 0, 0, 0
	p.free, p.localFree = 0, 0
	p.retireExpire = 0
	p.isZero = false
	p.flags.Store(0)
	p.keys = [2]uintptr{}
	p.threadFree.Store(0)
	p.heap.Store(nil)
	p.next, p.prev, p.delayedNext = nil, nil, nil
}

// useDelayedFree moves the page to state s. It waits out a concurrent
// registration, and leaves NeverDelayedFree alone unless override is set.
func (p *Page) useDelayedFree(s tagged.State, override bool) {
	for yields := 0; ; {
		old := p.threadFree.Load()
		switch {
		case old.State() == DelayedFreeing:
			if yields++; yields > 4 {
				runtime.Gosched()
			}
			continue
		case old.State() == s:
			return
		case old.State() == NeverDelayedFree && !override:
			return
		}
		if p.threadFree.CompareAndSwap(old, old.WithState(s)) {
			return
		}
	}
}

// threadFreeCollect moves the thread-free list onto the local-free list and
// settles the used count. The swap keeps the delayed-free state.
func (p *Page) threadFreeCollect() {
	old, _ := p.threadFree.Update(func(old tagged.Value) tagged.Value {
		return old.WithAddr(0)
	})
	head := block(old.Addr())
	if head == 0 {
		return
	}
	tail, count, ok := p.listTail(head, p.capacity)
	if !ok {
		invariantViolation("page %#x: corrupted thread-free list after %d blocks (capacity %d)", p.start, count, p.capacity)
	}
	p.setNext(tail, p.localFree)
	p.localFree = head
	if count > p.used {
		invariantViolation("page %#x: %d thread-freed blocks but only %d in use", p.start, count, p.used)
	}
	p.used -= count
}

// freeCollect gathers thread-free and local-free blocks into the free list.
// With force the local-free list is appended even when free is non-empty.
func (p *Page) freeCollect(force bool) {
	if force || p.threadFree.Load().Addr() != 0 {
		p.threadFreeCollect()
	}
	if p.localFree == 0 {
		return
	}
	if p.free == 0 {
		p.free = p.localFree
		p.localFree = 0
		p.isZero = false
		return
	}
	if force {
		tail := p.localFree
		for n := p.nextFree(tail); n != 0; n = p.nextFree(tail) {
			tail = n
		}
		p.setNext(tail, p.free)
		p.free = p.localFree
		p.localFree = 0
		p.isZero = false
	}
}
