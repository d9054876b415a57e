package alloc

import "github.com/joshuapare/heapkit/internal/layout"

// numSpanBins is the number of span queues: 36 buckets cover runs of 1 to
// 1024 slices.
const numSpanBins = 36

// spanQueue lists free slice runs of one length class. Runs from different
// segments of the same thread share the queue.
type spanQueue struct {
	first, last *Page
	sliceCount  int // largest run length of the bucket
}

// spanBin returns the bucket for a run of n slices: exact up to 8, then four
// buckets per power of two.
func spanBin(n int) int {
	if n <= 1 {
		return n
	}
	n--
	s := layout.Bsr(uintptr(n))
	if s <= 2 {
		return n + 1
	}
	return int(s<<2|uint(n>>(s-2))&3) - 4
}

func newSpanQueues() [numSpanBins]spanQueue {
	var sqs [numSpanBins]spanQueue
	for n := 1; n <= 1024; n++ {
		sqs[spanBin(n)].sliceCount = n
	}
	return sqs
}

func (sq *spanQueue) push(p *Page) {
	p.prev = nil
	p.next = sq.first
	if sq.first != nil {
		sq.first.prev = p
	} else {
		sq.last = p
	}
	sq.first = p
	p.spanQueued = true
}

func (sq *spanQueue) remove(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p == sq.first {
		sq.first = p.next
	}
	if p == sq.last {
		sq.last = p.prev
	}
	p.next, p.prev = nil, nil
	p.spanQueued = false
}

// spanQueueFor returns the thread's queue for runs of n slices.
func (t *Thread) spanQueueFor(n int) *spanQueue {
	return &t.segments.spans[spanBin(n)]
}

// spanQueueDelete unlinks a free span from whatever queue holds it.
func (t *Thread) spanQueueDelete(p *Page) {
	if !p.spanQueued {
		return
	}
	t.spanQueueFor(int(p.sliceCount)).remove(p)
}

// findSpan takes the first run of at least n slices from the smallest
// bucket that can hold one.
func (t *Thread) findSpan(n int) *Page {
	for b := spanBin(n); b < numSpanBins; b++ {
		sq := &t.segments.spans[b]
		for p := sq.first; p != nil; p = p.next {
			if int(p.sliceCount) >= n {
				sq.remove(p)
				return p
			}
		}
	}
	return nil
}
