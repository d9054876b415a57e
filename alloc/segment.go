package alloc

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/buf"
	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/stats"
)

type segmentKind uint8

const (
	segmentNormal segmentKind = iota // many pages carved from slice spans
	segmentHuge                      // exactly one page sized to its block
)

func (k segmentKind) String() string {
	if k == segmentHuge {
		return "huge"
	}
	return "normal"
}

// Segment is one reservation from the raw provider, divided into slices.
// Pages are carved out of runs of free slices. The slice table (one Page
// per slice) lives on the Go heap; segment memory holds only blocks.
//
// Everything except threadID is touched only by the owning thread, or by
// the single thread that popped the segment off the abandoned list.
type Segment struct {
	alloc  *Allocator
	region osmem.Region
	base   unsafe.Pointer
	addr   uintptr
	size   uintptr

	memIsPinned    bool
	memIsLarge     bool
	memIsCommitted bool
	allowDecommit  bool
	decommitExpire time.Time
	decommitMask   commitMask // committed slices waiting to be decommitted
	commitMask     commitMask

	abandonedNext   *Segment // guarded by the abandoned list lock
	abandoned       int      // pages abandoned by their heap
	abandonedVisits int
	used            int // pages in use
	cookie          uintptr

	segmentSlices int
	kind          segmentKind
	threadID      atomic.Uint64 // 0 while abandoned
	sliceEntries  int
	slices        []Page

	tld        *Thread // owner, nil while abandoned
	next, prev *Segment
}

// Addr returns the segment's base address.
func (s *Segment) Addr() uintptr { return s.addr }

// Size returns the segment's size in bytes.
func (s *Segment) Size() uintptr { return s.size }

func (s *Segment) sink() stats.Sink {
	if s.tld != nil {
		return s.tld.sink
	}
	return s.alloc.sink
}

func (s *Segment) sliceBytes(n int) uintptr {
	return uintptr(n) << s.alloc.geom.SliceShift
}

// pageOf returns the page whose span contains addr.
func (s *Segment) pageOf(addr uintptr) *Page {
	if s.kind == segmentHuge {
		return &s.slices[0]
	}
	idx := int((addr - s.addr) >> s.alloc.geom.SliceShift)
	return &s.slices[idx-int(s.slices[idx].sliceOffset)]
}

// segmentAlloc reserves a new segment owned by t. hugeSize == 0 asks for a
// normal segment; otherwise the segment is sized for one block of hugeSize.
func (t *Thread) segmentAlloc(hugeSize uintptr) (*Segment, error) {
	a := t.alloc
	g := a.geom

	kind := segmentNormal
	size := g.SegmentSize()
	align := size
	commit := a.opts.EagerCommit
	if hugeSize > 0 {
		kind = segmentHuge
		var ok bool
		if size, ok = buf.AlignUpSafe(hugeSize, mapGranule); !ok {
			return nil, errors.Wrapf(ErrTooLarge, "huge segment for %d bytes", hugeSize)
		}
		align = mapGranule
		commit = false
	}

	region, err := a.provider.Reserve(size, align, commit)
	t.sink.Counter(stats.MmapCalls, 1)
	if err != nil {
		logger.Warn("alloc: segment reserve failed", "size", size, "kind", kind.String(), "error", err)
		return nil, outOfMemory(err, "reserve %d-byte %s segment", size, kind)
	}

	slices := int(region.Size >> g.SliceShift)
	entries := slices
	if kind == segmentHuge {
		entries = 1
	}
	seg := &Segment{
		alloc:          a,
		region:         region,
		base:           region.Base,
		addr:           region.Addr(),
		size:           region.Size,
		memIsPinned:    region.Pinned,
		memIsLarge:     region.Large,
		memIsCommitted: region.Committed,
		allowDecommit:  a.opts.AllowDecommit && !region.Pinned && kind == segmentNormal,
		commitMask:     newCommitMask(slices),
		decommitMask:   newCommitMask(slices),
		segmentSlices:  slices,
		kind:           kind,
		sliceEntries:   entries,
		slices:         make([]Page, entries),
	}
	seg.cookie = a.cookie ^ seg.addr
	if region.Committed {
		seg.commitMask.setAll()
	}
	for i := range seg.slices {
		seg.slices[i].segment = seg
		seg.slices[i].sliceIndex = int32(i)
	}
	if !segmentMapRegister(seg) {
		if err := a.provider.Release(region); err != nil {
			logger.Warn("alloc: segment release failed", "addr", seg.addr, "error", err)
		}
		return nil, errors.Mark(errors.Newf("alloc: segment at %#x is outside the addressable range", seg.addr), ErrOutOfMemory)
	}

	seg.threadID.Store(t.id)
	t.segmentTrack(seg)
	t.sink.Increase(stats.Segments, 1)
	t.sink.Increase(stats.Reserved, int64(seg.size))
	if region.Committed {
		t.sink.Increase(stats.Committed, int64(seg.size))
	}
	logger.Debug("alloc: segment reserved", "addr", seg.addr, "size", seg.size, "kind", kind.String(), "thread", t.id)

	if kind == segmentNormal {
		seg.spanFree(0, slices, false)
	}
	return seg, nil
}

// free releases a segment with no pages in use back to the provider.
func (s *Segment) free() {
	t := s.tld
	for i := 0; i < s.sliceEntries; {
		sl := &s.slices[i]
		if sl.sliceCount <= 0 {
			invariantViolation("segment %#x: slice %d starts a span of %d slices", s.addr, i, sl.sliceCount)
		}
		if t != nil {
			t.spanQueueDelete(sl)
		}
		i += int(sl.sliceCount)
	}
	segmentMapUnregister(s)

	sink := s.sink()
	if t != nil {
		t.segmentUntrack(s)
	}
	sink.Decrease(stats.Segments, 1)
	sink.Decrease(stats.Reserved, int64(s.size))
	sink.Decrease(stats.Committed, int64(s.sliceBytes(s.commitMask.count())))
	s.threadID.Store(0)
	if err := s.alloc.provider.Release(s.region); err != nil {
		logger.Warn("alloc: segment release failed", "addr", s.addr, "error", err)
	}
	logger.Debug("alloc: segment released", "addr", s.addr, "size", s.size, "kind", s.kind.String())
}

// spanFree marks [idx, idx+count) as one free span and queues it when the
// segment has an owner.
func (s *Segment) spanFree(idx, count int, allowDecommit bool) {
	first := &s.slices[idx]
	first.reset()
	first.sliceCount = int32(count)
	first.sliceOffset = 0
	if count > 1 {
		last := &s.slices[idx+count-1]
		last.sliceOffset = int32(count - 1)
		last.blockSize = 0
	}
	if allowDecommit {
		s.perhapsDecommit(idx, count)
	}
	if s.tld != nil {
		s.tld.spanQueueFor(count).push(first)
	}
}

// spanFreeCoalesce frees the span starting at p, merging it with free
// neighbours, and returns the first slice of the merged span.
func (s *Segment) spanFreeCoalesce(p *Page) *Page {
	t := s.tld
	idx, count := int(p.sliceIndex), int(p.sliceCount)

	if end := idx + count; end < s.sliceEntries {
		if next := &s.slices[end]; next.isFree() {
			if t != nil {
				t.spanQueueDelete(next)
			}
			count += int(next.sliceCount)
		}
	}
	if idx > 0 {
		last := &s.slices[idx-1]
		if prev := &s.slices[idx-1-int(last.sliceOffset)]; prev.isFree() {
			if t != nil {
				t.spanQueueDelete(prev)
			}
			count += int(prev.sliceCount)
			idx = int(prev.sliceIndex)
		}
	}
	s.spanFree(idx, count, true)
	return &s.slices[idx]
}

// spanAllocate turns the free slices [idx, idx+count) into a page span.
func (s *Segment) spanAllocate(idx, count int) (*Page, error) {
	isZero, err := s.ensureCommitted(idx, count)
	if err != nil {
		return nil, err
	}
	p := &s.slices[idx]
	p.sliceCount = int32(count)
	p.sliceOffset = 0
	p.blockSize = 1 // in use; page init sets the real size
	for i := 1; i < count && idx+i < s.sliceEntries; i++ {
		q := &s.slices[idx+i]
		q.sliceOffset = int32(i)
		q.sliceCount = 0
		q.blockSize = 1
	}
	p.isCommitted = true
	p.isReset = false
	p.isZeroInit = isZero
	s.used++
	sink := s.sink()
	sink.Increase(stats.Pages, 1)
	sink.Increase(stats.PageCommitted, int64(s.sliceBytes(count)))
	return p, nil
}

// pageClear returns p's span to the segment without the segment-level
// follow-up (free or abandon), and returns the merged free span.
func (s *Segment) pageClear(p *Page) *Page {
	sink := s.sink()
	sink.Decrease(stats.Pages, 1)
	sink.Decrease(stats.PageCommitted, int64(s.sliceBytes(int(p.sliceCount))))
	s.used--
	p.reset()
	if s.kind == segmentHuge {
		return p
	}
	return s.spanFreeCoalesce(p)
}

// pageFree returns p to the segment. The segment is released once empty,
// and abandoned once every remaining page has been abandoned.
func (s *Segment) pageFree(p *Page) {
	s.pageClear(p)
	switch {
	case s.used == 0:
		s.free()
	case s.used == s.abandoned:
		s.abandon()
	}
}

// ensureCommitted commits every slice of [idx, idx+count) and reports
// whether the whole range is known to read as zero.
func (s *Segment) ensureCommitted(idx, count int) (bool, error) {
	s.decommitMask.clear(idx, count)
	if s.commitMask.allSet(idx, count) {
		return false, nil
	}
	isZero := !s.commitMask.anySet(idx, count)
	sink := s.sink()
	var err error
	s.commitMask.runs(idx, count, false, func(i, n int) {
		if err != nil {
			return
		}
		z, cerr := s.alloc.provider.Commit(s.region, s.sliceBytes(i), s.sliceBytes(n))
		sink.Counter(stats.CommitCalls, 1)
		if cerr != nil {
			err = cerr
			return
		}
		isZero = isZero && z
		s.commitMask.set(i, n)
		sink.Increase(stats.Committed, int64(s.sliceBytes(n)))
	})
	if err != nil {
		logger.Warn("alloc: commit failed", "segment", s.addr, "slice", idx, "count", count, "error", err)
		return false, outOfMemory(err, "commit %d slices at %d", count, idx)
	}
	return isZero, nil
}

// perhapsDecommit schedules the committed part of a freed span for
// decommit.
func (s *Segment) perhapsDecommit(idx, count int) {
	if !s.allowDecommit || count == 0 || !s.commitMask.anySet(idx, count) {
		return
	}
	delay := s.alloc.opts.DecommitDelay
	if delay == 0 {
		s.decommit(idx, count)
		return
	}
	now := time.Now()
	switch {
	case s.decommitMask.isEmpty():
		s.decommitExpire = now.Add(delay)
	case !now.Before(s.decommitExpire):
		s.delayedDecommit(true, now)
		s.decommitExpire = now.Add(delay)
	default:
		s.decommitExpire = s.decommitExpire.Add(delay / 8)
	}
	s.commitMask.runs(idx, count, true, func(i, n int) {
		s.decommitMask.set(i, n)
	})
}

// decommit releases the physical backing of the committed slices in range.
func (s *Segment) decommit(idx, count int) {
	sink := s.sink()
	s.commitMask.runs(idx, count, true, func(i, n int) {
		if err := s.alloc.provider.Decommit(s.region, s.sliceBytes(i), s.sliceBytes(n)); err != nil {
			logger.Warn("alloc: decommit failed", "segment", s.addr, "slice", i, "count", n, "error", err)
			return
		}
		s.commitMask.clear(i, n)
		sink.Decrease(stats.Committed, int64(s.sliceBytes(n)))
		sink.Increase(stats.Reset, int64(s.sliceBytes(n)))
		s.slices[i].isReset = true
	})
	s.decommitMask.clear(idx, count)
}

// delayedDecommit decommits the scheduled slices once their delay passed,
// or right away when forced.
func (s *Segment) delayedDecommit(force bool, now time.Time) {
	if s.decommitMask.isEmpty() {
		return
	}
	if !force && now.Before(s.decommitExpire) {
		return
	}
	s.decommitMask.runs(0, s.segmentSlices, true, func(i, n int) {
		s.decommit(i, n)
	})
	s.decommitMask.clearAll()
	s.decommitExpire = time.Time{}
}

// pageAbandon records that p's heap let go of it.
func (s *Segment) pageAbandon(p *Page) {
	s.abandoned++
	s.sink().Increase(stats.PagesAbandoned, 1)
	if s.abandoned == s.used {
		s.abandon()
	}
}

// abandon hands a segment whose live pages were all abandoned to the
// global abandoned list.
func (s *Segment) abandon() {
	t := s.tld
	for i := 0; i < s.sliceEntries; i += int(s.slices[i].sliceCount) {
		t.spanQueueDelete(&s.slices[i])
	}
	s.delayedDecommit(true, time.Now())
	t.segmentUntrack(s)
	t.sink.Increase(stats.SegmentsAbandoned, 1)
	s.abandonedVisits = 0
	s.threadID.Store(0)
	s.alloc.abandoned.push(s)
	logger.Debug("alloc: segment abandoned", "addr", s.addr, "pages", s.used, "thread", t.id)
}

// pageAlloc carves a page for blocks of blockSize, reserving or reclaiming
// segments as needed. A nil page with a nil error means a reclaimed segment
// brought pages into h and the caller should search its queues again.
func (t *Thread) pageAlloc(h *Heap, blockSize uintptr) (*Page, error) {
	g := t.alloc.geom
	var slices int
	switch {
	case blockSize <= g.SmallObjSizeMax():
		slices = g.SmallPageSlices
	case blockSize <= g.MediumObjSizeMax():
		slices = g.MediumPageSlices
	case blockSize <= g.LargeObjSizeMax():
		slices = int(layout.DivideUp(blockSize, g.SliceSize()))
	default:
		return t.hugePageAlloc(blockSize)
	}

	for attempt := 0; ; attempt++ {
		if span := t.findSpan(slices); span != nil {
			seg := span.segment
			idx, have := int(span.sliceIndex), int(span.sliceCount)
			if have > slices {
				seg.spanFree(idx+slices, have-slices, false)
			}
			p, err := seg.spanAllocate(idx, slices)
			if err != nil {
				span.sliceCount = int32(slices)
				seg.spanFreeCoalesce(span)
				return nil, err
			}
			seg.delayedDecommit(false, time.Now())
			return p, nil
		}
		if attempt > 1 {
			invariantViolation("no span of %d slices after reserving a fresh segment", slices)
		}
		_, reclaimed, err := t.reclaimOrAlloc(h, slices, blockSize)
		if err != nil {
			return nil, err
		}
		if reclaimed {
			return nil, nil
		}
	}
}

// hugePageAlloc reserves a dedicated segment for one block.
func (t *Thread) hugePageAlloc(blockSize uintptr) (*Page, error) {
	seg, err := t.segmentAlloc(blockSize)
	if err != nil {
		return nil, err
	}
	p := &seg.slices[0]
	p.sliceCount = int32(seg.segmentSlices)
	p.sliceOffset = 0

	n := int(layout.DivideUp(blockSize, t.alloc.geom.SliceSize()))
	isZero, err := seg.ensureCommitted(0, n)
	if err != nil {
		seg.free()
		return nil, err
	}
	p.blockSize = 1
	p.isCommitted = true
	p.isZeroInit = isZero
	seg.used = 1
	t.sink.Increase(stats.Pages, 1)
	t.sink.Increase(stats.PageCommitted, int64(seg.sliceBytes(seg.segmentSlices)))
	return p, nil
}
