package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/layout"
)

// Validate checks the consistency of every segment and heap the thread
// owns. It returns the first problem found.
func (t *Thread) Validate() error {
	n := 0
	for s := t.segments.first; s != nil; s = s.next {
		if s.tld != t {
			return errors.Newf("segment %#x is linked into thread %d but owned by another", s.addr, t.id)
		}
		if err := s.Validate(); err != nil {
			return err
		}
		n++
	}
	if n != t.segments.count {
		return errors.Newf("thread %d tracks %d segments but lists %d", t.id, t.segments.count, n)
	}
	for h := t.heaps; h != nil; h = h.next {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the segment's slice table: spans tile the segment, free
// spans are coalesced and queued, and the used page count matches.
func (s *Segment) Validate() error {
	used := 0
	prevFree := false
	for i := 0; i < s.sliceEntries; {
		sl := &s.slices[i]
		count := int(sl.sliceCount)
		if count <= 0 || sl.sliceOffset != 0 {
			return errors.Newf("segment %#x: slice %d starts a span with count %d offset %d", s.addr, i, count, sl.sliceOffset)
		}
		if s.kind == segmentNormal {
			if i+count > s.segmentSlices {
				return errors.Newf("segment %#x: span at %d of %d slices runs past the segment", s.addr, i, count)
			}
			if last := &s.slices[i+count-1]; int(last.sliceOffset) != count-1 {
				return errors.Newf("segment %#x: span at %d has last offset %d, want %d", s.addr, i, last.sliceOffset, count-1)
			}
		}
		if sl.isFree() {
			if prevFree {
				return errors.Newf("segment %#x: free span at %d follows another free span", s.addr, i)
			}
			if sl.spanQueued != (s.tld != nil) {
				return errors.Newf("segment %#x: free span at %d queued=%v with owner=%v", s.addr, i, sl.spanQueued, s.tld != nil)
			}
			prevFree = true
		} else {
			prevFree = false
			used++
			if err := sl.Validate(); err != nil {
				return err
			}
		}
		i += count
	}
	if used != s.used {
		return errors.Newf("segment %#x: %d pages in use but used is %d", s.addr, used, s.used)
	}
	if s.abandoned > s.used {
		return errors.Newf("segment %#x: %d pages abandoned but only %d in use", s.addr, s.abandoned, s.used)
	}
	return nil
}

// Validate checks a page's block accounting and free lists. The thread-free
// list is not walked since other threads may be pushing onto it.
func (p *Page) Validate() error {
	seg := p.segment
	if p.blockSize == 0 {
		return errors.Newf("page at slice %d: in use with block size 0", p.sliceIndex)
	}
	if p.capacity > p.reserved {
		return errors.Newf("page %#x: capacity %d above reserved %d", p.start, p.capacity, p.reserved)
	}
	if p.used > p.capacity {
		return errors.Newf("page %#x: %d blocks used but capacity is %d", p.start, p.used, p.capacity)
	}
	if seg.kind == segmentNormal && uintptr(p.reserved)*p.blockSize > p.size() {
		return errors.Newf("page %#x: %d blocks of %d do not fit in %d bytes", p.start, p.reserved, p.blockSize, p.size())
	}
	nfree, ok := p.listLen(p.free, p.capacity)
	if !ok {
		return errors.Newf("page %#x: corrupted free list", p.start)
	}
	nlocal, ok := p.listLen(p.localFree, p.capacity)
	if !ok {
		return errors.Newf("page %#x: corrupted local-free list", p.start)
	}
	if nfree+nlocal+p.used != p.capacity {
		return errors.Newf("page %#x: %d free + %d local free + %d used do not add up to capacity %d", p.start, nfree, nlocal, p.used, p.capacity)
	}
	if seg.tld != nil {
		h := p.heap.Load()
		if h == nil || h.tld != seg.tld {
			return errors.Newf("page %#x: owned segment but heap does not belong to the owner", p.start)
		}
		if pq := h.queueOf(p); !pq.contains(p) {
			return errors.Newf("page %#x: missing from heap bin %d", p.start, pq.bin)
		}
	}
	return nil
}

// Validate checks the heap's queues and direct table.
func (h *Heap) Validate() error {
	full := h.table.BinFull()
	n := 0
	for b := range h.pages {
		pq := &h.pages[b]
		var prev *Page
		for p := pq.first; p != nil; p = p.next {
			if p.prev != prev {
				return errors.Newf("heap bin %d: broken back link at page %#x", b, p.start)
			}
			if p.heap.Load() != h {
				return errors.Newf("heap bin %d: page %#x belongs to another heap", b, p.start)
			}
			if p.inFull() != (b == full) {
				return errors.Newf("heap bin %d: page %#x has in-full flag %v", b, p.start, p.inFull())
			}
			if b != full && h.binOf(p.blockSize) != b {
				return errors.Newf("heap bin %d: page %#x of block size %d belongs in bin %d", b, p.start, p.blockSize, h.binOf(p.blockSize))
			}
			prev = p
			n++
		}
		if pq.last != prev {
			return errors.Newf("heap bin %d: last page does not end the queue", b)
		}
	}
	if n != h.pageCount {
		return errors.Newf("heap: %d pages queued but page count is %d", n, h.pageCount)
	}
	for w, p := range h.direct {
		want := h.pages[h.alloc.table.Bin(uintptr(w)*layout.WordSize)].first
		if want == nil {
			want = &emptyPage
		}
		if p != want {
			return errors.Newf("heap: direct slot %d does not point at the first page of its bin", w)
		}
	}
	return nil
}
