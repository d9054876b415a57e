package alloc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/stats"
)

// abandonedList holds segments whose owning threads terminated with live
// blocks. Segments that were visited but not reclaimed wait on a separate
// list so one pass does not keep revisiting them.
type abandonedList struct {
	mu      sync.Mutex
	head    *Segment
	visited *Segment
	count   atomic.Int64
}

func (l *abandonedList) push(s *Segment) {
	l.mu.Lock()
	s.abandonedNext = l.head
	l.head = s
	l.mu.Unlock()
	l.count.Add(1)
}

func (l *abandonedList) pushVisited(s *Segment) {
	l.mu.Lock()
	s.abandonedNext = l.visited
	l.visited = s
	l.mu.Unlock()
	l.count.Add(1)
}

// pop takes a segment, moving the visited list back once the main list has
// run dry.
func (l *abandonedList) pop() *Segment {
	if l.count.Load() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.head == nil {
		l.head, l.visited = l.visited, nil
	}
	s := l.head
	if s == nil {
		return nil
	}
	l.head = s.abandonedNext
	s.abandonedNext = nil
	l.count.Add(-1)
	return s
}

// Len returns the number of abandoned segments waiting for an owner.
func (l *abandonedList) Len() int { return int(l.count.Load()) }

// reclaimOrAlloc makes room for a span of slices: it first tries to adopt an
// abandoned segment, then reserves a fresh one. reclaimed reports that h
// gained a page with free blocks of blockSize.
func (t *Thread) reclaimOrAlloc(h *Heap, slices int, blockSize uintptr) (seg *Segment, reclaimed bool, err error) {
	if !h.noReclaim && !t.alloc.opts.NoReclaim {
		if seg, reclaimed = t.tryReclaim(h, slices, blockSize); reclaimed || seg != nil {
			return seg, reclaimed, nil
		}
	}
	seg, err = t.segmentAlloc(0)
	return seg, false, err
}

// tryReclaim visits a bounded number of abandoned segments. A segment is
// adopted if it can serve the request, if it turned out empty, or if it has
// been passed over too often.
func (t *Thread) tryReclaim(h *Heap, slices int, blockSize uintptr) (*Segment, bool) {
	a := t.alloc
	for tries := a.opts.MaxSegmentReclaim; tries > 0; tries-- {
		seg := a.abandoned.pop()
		if seg == nil {
			break
		}
		seg.abandonedVisits++
		hasPage := seg.checkFree(slices, blockSize)
		switch {
		case seg.used == 0:
			t.reclaim(seg, h, 0)
		case hasPage:
			return t.reclaim(seg, h, blockSize)
		case seg.abandonedVisits > 3:
			t.reclaim(seg, h, 0)
		default:
			seg.delayedDecommit(true, time.Now())
			a.abandoned.pushVisited(seg)
		}
	}
	return nil, false
}

// checkFree collects the blocks freed into an abandoned segment, returns
// fully free pages to the segment, and reports whether the segment can
// serve a span of slices or a block of blockSize.
func (s *Segment) checkFree(slices int, blockSize uintptr) bool {
	hasPage := false
	for i := 0; i < s.sliceEntries; {
		sl := &s.slices[i]
		if sl.isFree() {
			if int(sl.sliceCount) >= slices {
				hasPage = true
			}
			i += int(sl.sliceCount)
			continue
		}
		sl.freeCollect(false)
		if sl.allFree() {
			s.abandoned--
			s.sink().Decrease(stats.PagesAbandoned, 1)
			span := s.pageClear(sl)
			if int(span.sliceCount) >= slices {
				hasPage = true
			}
			i = int(span.sliceIndex) + int(span.sliceCount)
			continue
		}
		if sl.blockSize == blockSize && sl.anyAvailable() {
			hasPage = true
		}
		i += int(sl.sliceCount)
	}
	return hasPage
}

// reclaim adopts an abandoned segment into t, moving its live pages into h.
// It returns nil if the segment turned out empty and was released.
func (t *Thread) reclaim(seg *Segment, h *Heap, requested uintptr) (*Segment, bool) {
	seg.threadID.Store(t.id)
	seg.abandonedVisits = 0
	t.segmentTrack(seg)
	t.sink.Decrease(stats.SegmentsAbandoned, 1)

	reclaimed := false
	for i := 0; i < seg.sliceEntries; {
		sl := &seg.slices[i]
		if sl.isFree() {
			t.spanQueueFor(int(sl.sliceCount)).push(sl)
			i += int(sl.sliceCount)
			continue
		}
		seg.abandoned--
		t.sink.Decrease(stats.PagesAbandoned, 1)
		sl.heap.Store(h)
		sl.useDelayedFree(UseDelayedFree, true)
		sl.freeCollect(false)
		if sl.allFree() {
			span := seg.pageClear(sl)
			i = int(span.sliceIndex) + int(span.sliceCount)
			continue
		}
		h.pageReclaim(sl)
		if requested != 0 && sl.blockSize == requested && sl.anyAvailable() {
			reclaimed = true
		}
		i += int(sl.sliceCount)
	}
	if seg.abandoned != 0 {
		invariantViolation("segment %#x: %d pages still abandoned after reclaim", seg.addr, seg.abandoned)
	}
	logger.Debug("alloc: segment reclaimed", "addr", seg.addr, "pages", seg.used, "thread", t.id)
	if seg.used == 0 {
		seg.free()
		return nil, false
	}
	return seg, reclaimed
}
