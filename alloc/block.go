package alloc

import (
	"math/bits"
	"unsafe"
)

// block is the address of a block. Free blocks hold the (possibly encoded)
// address of the next free block in their first word.
type block uintptr

// ptr returns a pointer to addr inside the segment's memory.
func (s *Segment) ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Add(s.base, addr-s.addr)
}

func (s *Segment) word(addr uintptr) *uintptr {
	return (*uintptr)(s.ptr(addr))
}

func (s *Segment) bytes(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(s.ptr(addr)), n)
}

// encode hides a free-list link behind the page keys. With zero keys it is
// the identity.
func (p *Page) encode(b block) uintptr {
	k0, k1 := p.keys[0], p.keys[1]
	return uintptr(bits.RotateLeft(uint(uintptr(b)^k1), int(k0&(bits.UintSize-1)))) + k0
}

func (p *Page) decode(x uintptr) block {
	k0, k1 := p.keys[0], p.keys[1]
	return block(uintptr(bits.RotateLeft(uint(x-k0), -int(k0&(bits.UintSize-1)))) ^ k1)
}

// nextFree reads the link stored in free block b.
func (p *Page) nextFree(b block) block {
	return p.decode(*p.segment.word(uintptr(b)))
}

// setNext stores the link to next in free block b.
func (p *Page) setNext(b, next block) {
	*p.segment.word(uintptr(b)) = p.encode(next)
}

// blockAt returns the i-th block of the page.
func (p *Page) blockAt(i uintptr) block {
	return block(p.start + i*p.blockSize)
}

// blockIndex returns the index of b in the page and whether b is exactly at
// a block boundary within capacity.
func (p *Page) blockIndex(b block) (uintptr, bool) {
	if uintptr(b) < p.start {
		return 0, false
	}
	off := uintptr(b) - p.start
	i := off / p.blockSize
	return i, off%p.blockSize == 0 && i < uintptr(p.capacity)
}

// unalign maps an interior pointer (from an aligned allocation) back to the
// start of its block.
func (p *Page) unalign(addr uintptr) block {
	off := addr - p.start
	return block(addr - off%p.blockSize)
}

// listLen counts a free list, giving up after limit entries. ok is false if
// the list is longer than limit or leaves the page, which means corruption.
func (p *Page) listLen(head block, limit uint32) (n uint32, ok bool) {
	_, n, ok = p.listTail(head, limit)
	return n, ok
}

// listTail walks a free list like listLen and also returns its last block.
func (p *Page) listTail(head block, limit uint32) (tail block, n uint32, ok bool) {
	for b := head; b != 0; b = p.nextFree(b) {
		if _, in := p.blockIndex(b); !in {
			return tail, n, false
		}
		tail = b
		n++
		if n > limit {
			return tail, n, false
		}
	}
	return tail, n, true
}

// blockOf resolves an address inside s to its page and block start.
func (s *Segment) blockOf(addr uintptr) (*Page, block) {
	p := s.pageOf(addr)
	if p.isFree() {
		invariantViolation("free of %#x: address is in a free span of segment %#x", addr, s.addr)
	}
	b := block(addr)
	if p.hasAligned() {
		b = p.unalign(addr)
	}
	if s.alloc.opts.Verify {
		if s.cookie != s.alloc.cookie^s.addr {
			invariantViolation("free of %#x: segment %#x has a bad cookie", addr, s.addr)
		}
		if _, ok := p.blockIndex(b); !ok {
			invariantViolation("free of %#x: not the start of a block of page %#x", addr, p.start)
		}
	}
	return p, b
}
