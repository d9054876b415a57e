package alloc

// pageQueue is a heap's list of pages for one bin, most recently used
// first.
type pageQueue struct {
	first, last *Page
	blockSize   uintptr
	bin         int
}

func (pq *pageQueue) isEmpty() bool { return pq.first == nil }

func (pq *pageQueue) contains(p *Page) bool {
	for q := pq.first; q != nil; q = q.next {
		if q == p {
			return true
		}
	}
	return false
}

func (pq *pageQueue) len() int {
	n := 0
	for q := pq.first; q != nil; q = q.next {
		n++
	}
	return n
}

// queueOf returns the queue p currently sits in.
func (h *Heap) queueOf(p *Page) *pageQueue {
	if p.inFull() {
		return &h.pages[h.table.BinFull()]
	}
	return &h.pages[h.binOf(p.blockSize)]
}

// binOf returns the bin for a page's block size. Large and huge pages share
// the HUGE bin.
func (h *Heap) binOf(blockSize uintptr) int {
	if blockSize > h.alloc.geom.MediumObjSizeMax() {
		return h.table.BinHuge()
	}
	return h.table.Bin(blockSize)
}

// queueFirstUpdate points the direct-table slots served by pq at its first
// page.
func (h *Heap) queueFirstUpdate(pq *pageQueue) {
	r := h.alloc.direct[pq.bin]
	if r.lo > r.hi {
		return
	}
	p := pq.first
	if p == nil {
		p = &emptyPage
	}
	if h.direct[r.hi] == p {
		return
	}
	for w := r.lo; w <= r.hi; w++ {
		h.direct[w] = p
	}
}

func (h *Heap) queueRemove(pq *pageQueue, p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p == pq.last {
		pq.last = p.prev
	}
	if p == pq.first {
		pq.first = p.next
		h.queueFirstUpdate(pq)
	}
	h.pageCount--
	p.next, p.prev = nil, nil
	p.setFlag(pageInFull, false)
}

// queuePush adds p at the front of pq.
func (h *Heap) queuePush(pq *pageQueue, p *Page) {
	p.setFlag(pageInFull, pq.bin == h.table.BinFull())
	p.next = pq.first
	p.prev = nil
	if pq.first != nil {
		pq.first.prev = p
	} else {
		pq.last = p
	}
	pq.first = p
	h.queueFirstUpdate(pq)
	h.pageCount++
}

// queueEnqueueFrom moves p from one queue to the end of another.
func (h *Heap) queueEnqueueFrom(to, from *pageQueue, p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	if p == from.last {
		from.last = p.prev
	}
	if p == from.first {
		from.first = p.next
		h.queueFirstUpdate(from)
	}

	p.prev = to.last
	p.next = nil
	if to.last != nil {
		to.last.next = p
		to.last = p
	} else {
		to.first = p
		to.last = p
		h.queueFirstUpdate(to)
	}
	p.setFlag(pageInFull, to.bin == h.table.BinFull())
}

// queueAppend moves every page of from (owned by another heap) to the end of
// to, rebinding the pages to h. It returns the number of pages moved.
func (h *Heap) queueAppend(to, from *pageQueue) int {
	n := 0
	for p := from.first; p != nil; p = p.next {
		p.heap.Store(h)
		p.useDelayedFree(UseDelayedFree, true)
		n++
	}
	if from.first == nil {
		return 0
	}
	if to.last == nil {
		to.first = from.first
		to.last = from.last
		h.queueFirstUpdate(to)
	} else {
		to.last.next = from.first
		from.first.prev = to.last
		to.last = from.last
	}
	from.first, from.last = nil, nil
	return n
}

// pageToFull parks an exhausted page in the full queue so searches skip it.
func (h *Heap) pageToFull(p *Page, pq *pageQueue) {
	if p.inFull() {
		return
	}
	h.queueEnqueueFrom(&h.pages[h.table.BinFull()], pq, p)
	// A foreign free may have landed just before the move.
	p.freeCollect(false)
}

// pageUnfull returns a page from the full queue to its bin.
func (h *Heap) pageUnfull(p *Page) {
	if !p.inFull() {
		return
	}
	full := &h.pages[h.table.BinFull()]
	h.queueEnqueueFrom(&h.pages[h.binOf(p.blockSize)], full, p)
}
