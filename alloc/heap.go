package alloc

import (
	crand "crypto/rand"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/buf"
	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/tagged"
	"github.com/joshuapare/heapkit/sizeclass"
	"github.com/joshuapare/heapkit/stats"
)

// Heap is a set of page queues owned by one thread. Every thread has a
// backing heap; extra heaps come from Thread.NewHeap. A heap must only be
// used from the goroutine that owns its thread.
type Heap struct {
	tld   *Thread
	alloc *Allocator
	table *sizeclass.Table

	direct []*Page     // small-size fast path, indexed by word size
	pages  []pageQueue // one per bin, plus the full queue

	threadDelayedFree atomic.Pointer[Page] // pages that saw a foreign free

	threadID uint64
	cookie   uintptr
	random   *rand.Rand

	pageCount      int
	pageRetiredMin int
	pageRetiredMax int

	next      *Heap
	noReclaim bool
}

func (t *Thread) newHeap(noReclaim bool) *Heap {
	a := t.alloc
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		logger.Warn("alloc: heap seed from crypto/rand failed", "error", err)
	}
	h := &Heap{
		tld:            t,
		alloc:          a,
		table:          a.table,
		direct:         make([]*Page, a.directLen),
		pages:          make([]pageQueue, a.table.NumBins()),
		threadID:       t.id,
		random:         rand.New(rand.NewChaCha8(seed)),
		pageRetiredMin: a.table.BinFull(),
		noReclaim:      noReclaim,
	}
	h.cookie = h.randomWord() | 1
	for i := range h.direct {
		h.direct[i] = &emptyPage
	}
	for b := range h.pages {
		h.pages[b].bin = b
		h.pages[b].blockSize = a.table.BinSize(b)
	}
	h.next = t.heaps
	t.heaps = h
	return h
}

func (h *Heap) randomWord() uintptr { return uintptr(h.random.Uint64()) }

// Thread returns the thread that owns the heap.
func (h *Heap) Thread() *Thread { return h.tld }

// PageCount returns the number of pages in the heap's queues.
func (h *Heap) PageCount() int { return h.pageCount }

// Malloc returns a block of at least size bytes.
func (h *Heap) Malloc(size uintptr) (unsafe.Pointer, error) {
	return h.malloc(size, false)
}

// Zalloc returns a zeroed block of at least size bytes.
func (h *Heap) Zalloc(size uintptr) (unsafe.Pointer, error) {
	return h.malloc(size, true)
}

// Calloc returns a zeroed block for count elements of size bytes.
func (h *Heap) Calloc(count, size uintptr) (unsafe.Pointer, error) {
	total, ok := buf.MulOverflowSafe(count, size)
	if !ok {
		return nil, errors.Wrapf(ErrTooLarge, "calloc %d x %d", count, size)
	}
	return h.malloc(total, true)
}

func (h *Heap) malloc(size uintptr, zero bool) (unsafe.Pointer, error) {
	if size <= sizeclass.SmallWSizeMax*layout.WordSize {
		p := h.direct[layout.WSize(size+h.alloc.padding)]
		if p.free != 0 {
			return h.popBlock(p, size, zero), nil
		}
	}
	return h.mallocGeneric(size, zero)
}

// mallocGeneric is the slow path: it processes deferred frees, searches and
// refills the page queues, and collects once before reporting OOM.
func (h *Heap) mallocGeneric(size uintptr, zero bool) (unsafe.Pointer, error) {
	t := h.tld
	if t.closed {
		return nil, ErrThreadClosed
	}
	if size > layout.MaxAllocSize-h.alloc.padding {
		return nil, errors.Wrapf(ErrTooLarge, "malloc %d", size)
	}
	t.heartbeat++
	h.delayedFreeAll()
	h.collectRetired(false)

	p, err := h.findPage(size)
	if (p == nil || err != nil) && !t.recurse {
		if err != nil && !errors.Is(err, ErrOutOfMemory) {
			return nil, err
		}
		t.recurse = true
		h.Collect(true)
		t.recurse = false
		p, err = h.findPage(size)
	}
	if err != nil {
		logger.Warn("alloc: allocation failed", "size", size, "thread", t.id, "error", err)
		return nil, err
	}
	if p == nil {
		return nil, errors.Wrapf(ErrOutOfMemory, "no page for %d bytes", size)
	}
	if h.alloc.opts.Verify && t.heartbeat%1024 == 0 {
		if verr := t.Validate(); verr != nil {
			invariantViolation("heap validation: %v", verr)
		}
	}
	return h.popBlock(p, size, zero), nil
}

// popBlock hands out the first free block of p. The caller guarantees one
// exists.
func (h *Heap) popBlock(p *Page, size uintptr, zero bool) unsafe.Pointer {
	a := h.alloc
	b := p.free
	p.free = p.nextFree(b)
	p.used++
	if a.opts.Verify && a.opts.DebugFill {
		a.checkFreed(p, b)
	}

	seg := p.segment
	usable := p.blockSize - a.padding
	switch {
	case zero && p.isZero:
		*seg.word(uintptr(b)) = 0
	case zero:
		clear(seg.bytes(uintptr(b), usable))
	case a.opts.DebugFill:
		fillBytes(seg.bytes(uintptr(b), usable), fillUninit)
	}
	if a.padding != 0 {
		a.writePadding(p, b, size)
	}
	if a.opts.Stats {
		h.countAlloc(p, usable)
	}
	return seg.ptr(uintptr(b))
}

func (h *Heap) countAlloc(p *Page, usable uintptr) {
	sink := h.tld.sink
	sink.Increase(stats.Malloc, int64(usable))
	switch {
	case p.segment.kind == segmentHuge:
		sink.Increase(stats.Huge, int64(p.blockSize))
		sink.Counter(stats.HugeCount, 1)
	case p.blockSize > h.alloc.geom.MediumObjSizeMax():
		sink.Increase(stats.Large, int64(p.blockSize))
		sink.Counter(stats.LargeCount, 1)
	default:
		sink.Increase(stats.Normal, int64(p.blockSize))
		sink.Counter(stats.NormalCount, 1)
		sink.Bin(h.table.Bin(p.blockSize), 1)
	}
}

// findPage returns a page with a free block for size, or nil when a
// reclaimed segment changed the queues and nothing fit yet.
func (h *Heap) findPage(size uintptr) (*Page, error) {
	a := h.alloc
	bsize := size + a.padding
	if bsize > a.geom.MediumObjSizeMax() {
		if bsize > layout.MaxAllocSize-a.table.OSPageSize() {
			return nil, errors.Wrapf(ErrTooLarge, "malloc %d", size)
		}
		return h.largeOrHugePage(layout.AlignUp(bsize, a.table.OSPageSize()))
	}
	bin := a.table.Bin(bsize)
	pq := &h.pages[bin]
	for range 2 {
		if p := h.findFreeInQueue(pq); p != nil {
			return p, nil
		}
		p, err := h.freshPage(pq)
		if err != nil || p != nil {
			return p, err
		}
		// A segment was reclaimed into this heap; search again.
	}
	return h.findFreeInQueue(pq), nil
}

// findFreeInQueue walks pq for a page that can hand out a block, moving
// exhausted pages to the full queue along the way.
func (h *Heap) findFreeInQueue(pq *pageQueue) *Page {
	var searched int64
	defer func() { h.tld.sink.Counter(stats.Searches, searched) }()
	for p := pq.first; p != nil; {
		next := p.next
		searched++
		p.freeCollect(false)
		if p.immediateAvailable() {
			p.retireExpire = 0
			return p
		}
		if p.capacity < p.reserved {
			h.extendFree(p)
			p.retireExpire = 0
			return p
		}
		h.pageToFull(p, pq)
		p = next
	}
	return nil
}

// freshPage carves a new page for pq's block size and puts it at the front
// of the queue.
func (h *Heap) freshPage(pq *pageQueue) (*Page, error) {
	p, err := h.tld.pageAlloc(h, pq.blockSize)
	if err != nil || p == nil {
		return nil, err
	}
	p.init(h, pq.blockSize)
	h.queuePush(pq, p)
	return p, nil
}

// largeOrHugePage serves a block too big for the regular bins with a
// dedicated page in the HUGE queue.
func (h *Heap) largeOrHugePage(bsize uintptr) (*Page, error) {
	var p *Page
	for range 2 {
		var err error
		if p, err = h.tld.pageAlloc(h, bsize); err != nil {
			return nil, err
		}
		if p != nil {
			break
		}
	}
	if p == nil {
		// Reclaim kept handing back segments without a large enough span.
		return nil, errors.Wrapf(ErrOutOfMemory, "no span for %d bytes", bsize)
	}
	p.init(h, bsize)
	h.queuePush(&h.pages[h.table.BinHuge()], p)
	return p, nil
}

// extendFree carves more blocks into p's free list.
func (h *Heap) extendFree(p *Page) {
	if p.free != 0 || p.capacity >= p.reserved {
		return
	}
	h.tld.sink.Counter(stats.PagesExtended, 1)
	extend := uintptr(p.reserved - p.capacity)
	maxExtend := uintptr(minExtend)
	if p.blockSize < maxExtendSize {
		maxExtend = max(maxExtendSize/p.blockSize, minExtend)
	}
	extend = min(extend, maxExtend)
	start := uintptr(p.capacity)

	if h.alloc.opts.RandomizeFreeLists && extend > 2 {
		order := h.random.Perm(int(extend))
		for i := 0; i < len(order)-1; i++ {
			p.setNext(p.blockAt(start+uintptr(order[i])), p.blockAt(start+uintptr(order[i+1])))
		}
		p.setNext(p.blockAt(start+uintptr(order[len(order)-1])), 0)
		p.free = p.blockAt(start + uintptr(order[0]))
	} else {
		for i := start; i < start+extend-1; i++ {
			p.setNext(p.blockAt(i), p.blockAt(i+1))
		}
		p.setNext(p.blockAt(start+extend-1), 0)
		p.free = p.blockAt(start)
	}
	if a := h.alloc; a.opts.DebugFill {
		a.fillExtended(p, start, extend)
		p.isZero = false
	}
	p.capacity += uint32(extend)
}

// delayedPush records p on the heap's delayed list. Called by the foreign
// thread that won the registration race for p.
func (h *Heap) delayedPush(p *Page) {
	for {
		head := h.threadDelayedFree.Load()
		p.delayedNext = head
		if h.threadDelayedFree.CompareAndSwap(head, p) {
			return
		}
	}
}

// delayedFreeAll takes every page registered by foreign frees, resets its
// state to UseDelayedFree and collects the blocks waiting on it.
func (h *Heap) delayedFreeAll() {
	p := h.threadDelayedFree.Swap(nil)
	for p != nil {
		next := p.delayedNext
		p.delayedNext = nil
		from := p.DelayedState()
		p.useDelayedFree(UseDelayedFree, false)
		h.alloc.traceDelayed(p, from, p.DelayedState())
		p.freeCollect(false)
		if p.inFull() && p.immediateAvailable() {
			h.pageUnfull(p)
		}
		p = next
	}
}

// freeLocal returns b to p from the owning thread.
func (h *Heap) freeLocal(p *Page, b block) {
	a := h.alloc
	if a.opts.Verify {
		p.checkDoubleFree(b)
	}
	if a.padding != 0 {
		a.checkPadding(p, b)
	}
	if a.opts.Stats {
		a.countFree(h.tld.sink, p)
	}
	if a.opts.DebugFill {
		fillBytes(p.segment.bytes(uintptr(b), p.blockSize-a.padding), fillFreed)
	}
	if p.used == 0 {
		invariantViolation("page %#x: free of %#x with no blocks in use", p.start, uintptr(b))
	}
	p.setNext(b, p.localFree)
	p.localFree = b
	p.used--
	if p.inFull() {
		h.pageUnfull(p)
	}
	if p.used == 0 {
		h.pageRetire(p)
	}
}

// pageReclaim puts a page adopted from an abandoned segment in its queue.
func (h *Heap) pageReclaim(p *Page) {
	p.setFlag(pageInFull, false)
	h.queuePush(&h.pages[h.binOf(p.blockSize)], p)
}

// pageRetire handles a page that just became empty. The only page of a
// small or medium bin is kept for a few allocation cycles to avoid
// thrashing; any other page goes back to its segment.
func (h *Heap) pageRetire(p *Page) {
	p.setFlag(pageHasAligned, false)
	pq := h.queueOf(p)
	if p.blockSize < h.alloc.geom.MediumObjSizeMax() && pq.first == p && pq.last == p {
		h.tld.sink.Counter(stats.PageNoRetire, 1)
		cycles := retireCycles
		if p.blockSize > h.alloc.geom.SmallObjSizeMax() {
			cycles = retireCycles / 4
		}
		p.retireExpire = uint8(1 + cycles)
		h.pageRetiredMin = min(h.pageRetiredMin, pq.bin)
		h.pageRetiredMax = max(h.pageRetiredMax, pq.bin)
		return
	}
	h.pageFree(p)
}

// collectRetired frees retired pages whose grace period ran out.
func (h *Heap) collectRetired(force bool) {
	lo, hi := h.table.BinFull(), 0
	for bin := h.pageRetiredMin; bin <= h.pageRetiredMax; bin++ {
		pq := &h.pages[bin]
		p := pq.first
		if p == nil || p.retireExpire == 0 {
			continue
		}
		if !p.allFree() {
			p.retireExpire = 0
			continue
		}
		p.retireExpire--
		if force || p.retireExpire == 0 {
			h.pageFree(p)
			continue
		}
		lo, hi = min(lo, bin), max(hi, bin)
	}
	h.pageRetiredMin, h.pageRetiredMax = lo, hi
}

// pageFree returns an empty page to its segment.
func (h *Heap) pageFree(p *Page) {
	p.setFlag(pageHasAligned, false)
	if s := p.DelayedState(); s == NoDelayedFree || s == DelayedFreeing {
		// p may sit on our delayed list; take it off before the span is reused.
		h.delayedFreeAll()
	}
	h.queueRemove(h.queueOf(p), p)
	p.heap.Store(nil)
	p.segment.pageFree(p)
}

// pagesSnapshot lists every page in the heap's queues.
func (h *Heap) pagesSnapshot() []*Page {
	pages := make([]*Page, 0, h.pageCount)
	for b := range h.pages {
		for p := h.pages[b].first; p != nil; p = p.next {
			pages = append(pages, p)
		}
	}
	return pages
}

// Collect gathers pending frees and returns empty pages to their segments.
// With force, retired pages are released at once and every pending
// decommit of the thread's segments runs.
func (h *Heap) Collect(force bool) {
	t := h.tld
	if t.closed {
		return
	}
	h.delayedFreeAll()
	for _, p := range h.pagesSnapshot() {
		if p.isFree() || p.heap.Load() != h {
			continue
		}
		p.freeCollect(force)
		if p.allFree() {
			h.pageFree(p)
		} else if p.inFull() && p.immediateAvailable() {
			h.pageUnfull(p)
		}
	}
	h.collectRetired(force)
	t.decommitSegments(force)
}

// markNeverDelayed stops foreign frees from registering h's pages, then
// drains any registrations already made.
func (h *Heap) markNeverDelayed() {
	for b := range h.pages {
		for p := h.pages[b].first; p != nil; p = p.next {
			from := p.DelayedState()
			p.useDelayedFree(NeverDelayedFree, false)
			h.alloc.traceDelayed(p, from, NeverDelayedFree)
		}
	}
	h.delayedFreeAll()
}

// abandonPages releases every empty page and abandons the rest to their
// segments. Used when the owning thread goes away.
func (h *Heap) abandonPages() {
	h.markNeverDelayed()
	for _, p := range h.pagesSnapshot() {
		p.freeCollect(true)
		if p.allFree() {
			h.pageFree(p)
			continue
		}
		h.queueRemove(h.queueOf(p), p)
		p.heap.Store(nil)
		p.segment.pageAbandon(p)
	}
	h.resetPages()
}

// resetPages empties the queues and points the direct table back at the
// empty page.
func (h *Heap) resetPages() {
	for b := range h.pages {
		h.pages[b].first, h.pages[b].last = nil, nil
	}
	for i := range h.direct {
		h.direct[i] = &emptyPage
	}
	h.pageCount = 0
	h.pageRetiredMin, h.pageRetiredMax = h.table.BinFull(), 0
}

// absorb moves every page of from into h.
func (h *Heap) absorb(from *Heap) {
	if from.pageCount == 0 {
		return
	}
	from.markNeverDelayed()
	for b := range from.pages {
		h.pageCount += h.queueAppend(&h.pages[b], &from.pages[b])
	}
	h.pageRetiredMin = min(h.pageRetiredMin, from.pageRetiredMin)
	h.pageRetiredMax = max(h.pageRetiredMax, from.pageRetiredMax)
	from.resetPages()
}

// Delete releases the heap and moves its live blocks to the thread's
// backing heap, where they stay valid. Deleting the backing heap only
// collects it.
func (h *Heap) Delete() {
	t := h.tld
	if t.closed {
		return
	}
	if h == t.backing {
		h.Collect(false)
		return
	}
	h.Collect(false)
	t.backing.absorb(h)
	t.unlinkHeap(h)
}

// Destroy releases the heap together with every block still allocated
// from it. Only heaps created with noReclaim may be destroyed; any other
// heap may hold pages reclaimed from other threads and is deleted instead.
func (h *Heap) Destroy() {
	t := h.tld
	if t.closed {
		return
	}
	if !h.noReclaim || h == t.backing {
		h.Delete()
		return
	}
	h.markNeverDelayed()
	for _, p := range h.pagesSnapshot() {
		p.used = 0
		p.threadFree.Store(tagged.Make(0, NeverDelayedFree))
		h.pageFree(p)
	}
	h.resetPages()
	t.unlinkHeap(h)
}

// Contains reports whether ptr points into a block handed out from this
// heap.
func (h *Heap) Contains(ptr unsafe.Pointer) bool {
	seg := segmentOf(uintptr(ptr))
	if seg == nil || seg.threadID.Load() != h.threadID {
		return false
	}
	p := seg.pageOf(uintptr(ptr))
	if p.isFree() || p.heap.Load() != h {
		return false
	}
	return uintptr(ptr) >= p.start && uintptr(ptr) < p.start+uintptr(p.capacity)*p.blockSize
}

// VisitBlocks calls fn for every allocated block of the heap with the
// block's address and usable size. It stops early when fn returns false.
// Pending frees are collected first, so the heap must not be used from fn.
func (h *Heap) VisitBlocks(fn func(ptr unsafe.Pointer, size uintptr) bool) {
	h.delayedFreeAll()
	for _, p := range h.pagesSnapshot() {
		p.freeCollect(true)
		if p.used == 0 {
			continue
		}
		free := make([]bool, p.capacity)
		for b := p.free; b != 0; b = p.nextFree(b) {
			if i, ok := p.blockIndex(b); ok {
				free[i] = true
			}
		}
		usable := p.blockSize - h.alloc.padding
		for i := range uintptr(p.capacity) {
			if free[i] {
				continue
			}
			if !fn(p.segment.ptr(uintptr(p.blockAt(i))), usable) {
				return
			}
		}
	}
}

// ReclaimAbandoned adopts every abandoned segment into h. Segments that
// turn out empty are released.
func (h *Heap) ReclaimAbandoned() int {
	t := h.tld
	n := 0
	for seg := t.alloc.abandoned.pop(); seg != nil; seg = t.alloc.abandoned.pop() {
		t.reclaim(seg, h, 0)
		n++
	}
	return n
}
