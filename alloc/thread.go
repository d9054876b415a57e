package alloc

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/buf"
	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/stats"
)

// threadIDs hands out thread identities. 0 marks an abandoned segment.
var threadIDs atomic.Uint64

// segmentsTLD is a thread's view of the segments it owns.
type segmentsTLD struct {
	spans       [numSpanBins]spanQueue
	first       *Segment
	count       int
	peakCount   int
	currentSize uintptr
	peakSize    uintptr
}

// Thread is the per-thread allocation context. It owns a backing heap, any
// extra heaps, and the segments their pages live in. A Thread must be used
// by one goroutine at a time; blocks it hands out may be freed from any
// goroutine.
type Thread struct {
	id        uint64
	alloc     *Allocator
	heartbeat uint64
	recurse   bool
	closed    bool

	backing  *Heap
	heaps    *Heap
	segments segmentsTLD

	stats *stats.Stats
	sink  stats.Sink
}

// ThreadInit creates a thread context with a fresh backing heap.
func (a *Allocator) ThreadInit() *Thread {
	t := &Thread{
		id:    threadIDs.Add(1),
		alloc: a,
	}
	t.segments.spans = newSpanQueues()
	t.sink = stats.Discard
	if a.opts.Stats {
		t.stats = stats.New(a.table.NumBins())
		t.sink = t.stats
	}
	t.backing = t.newHeap(false)
	t.sink.Increase(stats.Threads, 1)
	a.threads.Add(1)
	logger.Debug("alloc: thread init", "thread", t.id)
	return t
}

// ID returns the thread's identity. Segments owned by the thread carry it.
func (t *Thread) ID() uint64 { return t.id }

// Heap returns the thread's backing heap.
func (t *Thread) Heap() *Heap { return t.backing }

// Allocator returns the allocator the thread belongs to.
func (t *Thread) Allocator() *Allocator { return t.alloc }

// Stats returns the thread's statistics, or nil when disabled. They are
// merged into the allocator's statistics at Deinit.
func (t *Thread) Stats() *stats.Stats { return t.stats }

// NewHeap creates an extra heap owned by t. A heap created with noReclaim
// never adopts abandoned segments and can be destroyed as a whole.
func (t *Thread) NewHeap(noReclaim bool) *Heap {
	return t.newHeap(noReclaim)
}

func (t *Thread) unlinkHeap(h *Heap) {
	if t.heaps == h {
		t.heaps = h.next
	} else {
		for prev := t.heaps; prev != nil; prev = prev.next {
			if prev.next == h {
				prev.next = h.next
				break
			}
		}
	}
	h.next = nil
}

// Deinit abandons the thread: empty pages are released, pages with live
// blocks are left in their segments for other threads to reclaim, and the
// thread's statistics are merged into the allocator's. Blocks handed out by
// the thread stay valid.
func (t *Thread) Deinit() {
	if t.closed {
		return
	}
	for h := t.heaps; h != nil; h = h.next {
		h.abandonPages()
	}
	// A segment whose first page failed to commit has nothing in use.
	for s := t.segments.first; s != nil; {
		next := s.next
		if s.used == 0 {
			s.free()
		}
		s = next
	}
	if t.segments.count != 0 {
		invariantViolation("thread %d: %d segments left after deinit", t.id, t.segments.count)
	}
	t.closed = true
	t.heaps = nil
	t.sink.Decrease(stats.Threads, 1)
	a := t.alloc
	if t.stats != nil {
		a.stats.Merge(t.stats)
	}
	a.threads.Add(-1)
	logger.Debug("alloc: thread deinit", "thread", t.id, "abandoned", a.abandoned.Len())
}

func (t *Thread) segmentTrack(s *Segment) {
	sg := &t.segments
	s.tld = t
	s.prev = nil
	s.next = sg.first
	if sg.first != nil {
		sg.first.prev = s
	}
	sg.first = s
	sg.count++
	sg.peakCount = max(sg.peakCount, sg.count)
	sg.currentSize += s.size
	sg.peakSize = max(sg.peakSize, sg.currentSize)
}

func (t *Thread) segmentUntrack(s *Segment) {
	sg := &t.segments
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		sg.first = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.next, s.prev = nil, nil
	s.tld = nil
	sg.count--
	sg.currentSize -= s.size
}

// decommitSegments runs pending decommits of every owned segment.
func (t *Thread) decommitSegments(force bool) {
	now := time.Now()
	for s := t.segments.first; s != nil; s = s.next {
		s.delayedDecommit(force, now)
	}
}

// Collect collects every heap of the thread. See Heap.Collect.
func (t *Thread) Collect(force bool) {
	for h := t.heaps; h != nil; h = h.next {
		h.Collect(force)
	}
}

// Malloc returns a block of at least size bytes from the backing heap.
func (t *Thread) Malloc(size uintptr) (unsafe.Pointer, error) {
	return t.backing.malloc(size, false)
}

// Zalloc returns a zeroed block of at least size bytes.
func (t *Thread) Zalloc(size uintptr) (unsafe.Pointer, error) {
	return t.backing.malloc(size, true)
}

// Calloc returns a zeroed block for count elements of size bytes.
func (t *Thread) Calloc(count, size uintptr) (unsafe.Pointer, error) {
	return t.backing.Calloc(count, size)
}

// MallocAligned returns a block of at least size bytes whose address is a
// multiple of alignment.
func (t *Thread) MallocAligned(size, alignment uintptr) (unsafe.Pointer, error) {
	return t.backing.MallocAligned(size, alignment)
}

// Realloc resizes the block at ptr, moving it when it does not fit. A nil
// ptr behaves like Malloc.
func (t *Thread) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	return t.backing.Realloc(ptr, newSize)
}

// maxAlignment is the largest alignment MallocAligned accepts.
func (a *Allocator) maxAlignment() uintptr { return a.geom.SegmentSize() / 2 }

// MallocAligned returns a block from h whose address is a multiple of
// alignment.
func (h *Heap) MallocAligned(size, alignment uintptr) (unsafe.Pointer, error) {
	a := h.alloc
	if alignment == 0 || !layout.IsPowerOfTwo(alignment) || alignment > a.maxAlignment() {
		return nil, errors.Wrapf(ErrInvalidAlignment, "alignment %d", alignment)
	}
	if alignment <= a.geom.MaxAlignSize && a.padding == 0 {
		// Blocks of two words or more are MaxAlignSize aligned.
		return h.malloc(max(size, alignment), false)
	}
	// Blocks of a page start at a slice boundary, so a block size that is a
	// multiple of the alignment keeps every block aligned.
	if size <= a.geom.MediumObjSizeMax() && alignment <= a.geom.SliceSize() && a.padding == 0 {
		if layout.IsAligned(a.table.GoodSize(size), alignment) {
			return h.malloc(size, false)
		}
	}
	over, ok := buf.AddOverflowSafe(size, alignment-1)
	if !ok {
		return nil, errors.Wrapf(ErrTooLarge, "aligned malloc %d at %d", size, alignment)
	}
	ptr, err := h.malloc(over, false)
	if err != nil {
		return nil, err
	}
	addr := uintptr(ptr)
	adjust := layout.AlignUp(addr, alignment) - addr
	if adjust != 0 {
		segmentOf(addr).pageOf(addr).setFlag(pageHasAligned, true)
	}
	return unsafe.Add(ptr, adjust), nil
}

// Realloc resizes the block at ptr, allocating any new block from h.
func (h *Heap) Realloc(ptr unsafe.Pointer, newSize uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.malloc(newSize, false)
	}
	a := h.alloc
	size := UsableSize(ptr)
	if newSize <= size && newSize >= size/2 && newSize > 0 {
		if a.padding != 0 {
			addr := uintptr(ptr)
			p := segmentOf(addr).pageOf(addr)
			if b := p.unalign(addr); uintptr(b) == addr {
				a.writePadding(p, b, newSize)
			}
		}
		return ptr, nil
	}
	np, err := h.malloc(newSize, false)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*byte)(np), newSize), unsafe.Slice((*byte)(ptr), min(size, newSize)))
	h.tld.Free(ptr)
	return np, nil
}

// Free returns a block to the allocator. Blocks from the thread's own
// segments go straight to their page; blocks from other threads take the
// concurrent path. Freeing nil does nothing.
func (t *Thread) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)
	seg := segmentOf(addr)
	if seg == nil {
		t.alloc.freeUnknown(addr)
		return
	}
	p, b := seg.blockOf(addr)
	if seg.threadID.Load() == t.id {
		h := p.heap.Load()
		if h == nil {
			invariantViolation("page %#x of thread %d has no heap", p.start, t.id)
		}
		h.freeLocal(p, b)
		return
	}
	seg.alloc.freeMT(t.sink, p, b)
}

// Free frees ptr from h's thread. See Thread.Free.
func (h *Heap) Free(ptr unsafe.Pointer) { h.tld.Free(ptr) }
