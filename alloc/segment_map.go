package alloc

import (
	"math/bits"
	"sync/atomic"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/sizeclass"
)

// The segment map resolves any address to the segment containing it. It is
// a two-level radix table over the user address space at a granularity of
// the smallest segment size; every granule a segment covers points to it.
// Second-level tables are installed on first use and never freed.
const (
	mapShift     = sizeclass.MinSegmentShift
	mapAddrBits  = 32 + (bits.UintSize-32)/2 // 48 on 64-bit, 32 on 32-bit
	mapTotalBits = mapAddrBits - mapShift
	mapL1Bits    = mapTotalBits / 2
	mapL2Bits    = mapTotalBits - mapL1Bits
	mapGranule   = uintptr(1) << mapShift
)

type segmentMapL2 [1 << mapL2Bits]atomic.Pointer[Segment]

var segmentMap [1 << mapL1Bits]atomic.Pointer[segmentMapL2]

func segmentMapIndex(addr uintptr) (i1, i2 uintptr, ok bool) {
	g := addr >> mapShift
	if g >= 1<<mapTotalBits {
		return 0, 0, false
	}
	return g >> mapL2Bits, g & (1<<mapL2Bits - 1), true
}

func segmentMapSlot(addr uintptr, create bool) *atomic.Pointer[Segment] {
	i1, i2, ok := segmentMapIndex(addr)
	if !ok {
		return nil
	}
	l2 := segmentMap[i1].Load()
	if l2 == nil {
		if !create {
			return nil
		}
		fresh := new(segmentMapL2)
		if segmentMap[i1].CompareAndSwap(nil, fresh) {
			l2 = fresh
		} else {
			l2 = segmentMap[i1].Load()
		}
	}
	return &l2[i2]
}

// segmentMapRegister points every granule of seg at it. It fails only when
// the segment lies outside the mapped address range.
func segmentMapRegister(seg *Segment) bool {
	for a := layout.AlignDown(seg.addr, mapGranule); a < seg.addr+seg.size; a += mapGranule {
		slot := segmentMapSlot(a, true)
		if slot == nil {
			segmentMapUnregister(seg)
			return false
		}
		slot.Store(seg)
	}
	return true
}

func segmentMapUnregister(seg *Segment) {
	for a := layout.AlignDown(seg.addr, mapGranule); a < seg.addr+seg.size; a += mapGranule {
		if slot := segmentMapSlot(a, false); slot != nil {
			slot.CompareAndSwap(seg, nil)
		}
	}
}

// segmentOf returns the live segment containing addr, or nil.
func segmentOf(addr uintptr) *Segment {
	slot := segmentMapSlot(addr, false)
	if slot == nil {
		return nil
	}
	seg := slot.Load()
	if seg == nil || addr < seg.addr || addr-seg.addr >= seg.size {
		return nil
	}
	return seg
}
