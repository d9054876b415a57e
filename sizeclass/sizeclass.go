// Package sizeclass maps request sizes to bins. A bin is a size class: every
// request that lands in it receives a block of the bin's size.
//
// # Binning
//
// Sizes are converted to machine words. Word counts up to 8 get exact bins
// (rounded to the minimum alignment). Above that, the bin is the position of
// the highest set bit of wsize-1 plus the two bits below it, which gives
// four bins per power of two. Internal fragmentation averages about 12.5%
// and a block is never more than a quarter larger than the request. Word
// counts above the medium-object maximum share the single HUGE bin.
//
// # Usage Example
//
//	bin := sizeclass.Bin(24)          // same bin as 32 with two-word alignment
//	size := sizeclass.BinSize(bin)    // 32
//	usable := sizeclass.GoodSize(100) // 112
//
// The package-level functions use the default geometry and the OS page size.
// Build a Table with NewTable for any other geometry.
package sizeclass

import (
	"sync"

	"github.com/joshuapare/heapkit/internal/buf"
	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/osmem"
)

// Table holds the bins computed from a Geometry.
type Table struct {
	geom       Geometry
	osPageSize uintptr

	alignW    uintptr // minimum alignment in words (1 or 2)
	mediumW   uintptr // MediumObjWSizeMax
	binHuge   int
	binFull   int
	binWSizes []uintptr // largest word count served by each bin
}

// NewTable computes the bins for g. osPageSize is what huge sizes are
// rounded to by GoodSize.
func NewTable(g Geometry, osPageSize uintptr) (*Table, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if !layout.IsPowerOfTwo(osPageSize) {
		return nil, buildError(g, "OS page size %d is not a power of two", osPageSize)
	}
	t := &Table{
		geom:       g,
		osPageSize: osPageSize,
		alignW:     g.MaxAlignSize / layout.WordSize,
		mediumW:    g.MediumObjWSizeMax(),
	}
	t.binHuge = t.binOfWSize(t.mediumW) + 1
	t.binFull = t.binHuge + 1

	t.binWSizes = make([]uintptr, t.binFull+1)
	t.binWSizes[0] = 1
	for b := 1; b <= 8; b++ {
		t.binWSizes[b] = uintptr(b)
	}
	for w := uintptr(1); w <= t.mediumW; w++ {
		b := t.binOfWSize(w)
		if w > t.binWSizes[b] {
			t.binWSizes[b] = w
		}
	}
	t.binWSizes[t.binFull] = t.mediumW + 2
	return t, nil
}

// Geometry returns the geometry the table was built from.
func (t *Table) Geometry() Geometry { return t.geom }

// OSPageSize returns the page size huge requests are rounded to.
func (t *Table) OSPageSize() uintptr { return t.osPageSize }

// BinHuge returns the index of the HUGE bin.
func (t *Table) BinHuge() int { return t.binHuge }

// BinFull returns the index of the pseudo-bin holding full pages. No size
// maps to it.
func (t *Table) BinFull() int { return t.binFull }

// NumBins returns the number of page queues a heap needs (0..BinFull).
func (t *Table) NumBins() int { return t.binFull + 1 }

// Bin returns the bin for a request of size bytes. It is total: every size,
// including 0, maps to a bin in [1, BinHuge].
func (t *Table) Bin(size uintptr) int {
	if size > t.mediumW*layout.WordSize {
		return t.binHuge
	}
	return t.binOfWSize(layout.WSize(size))
}

func (t *Table) binOfWSize(wsize uintptr) int {
	switch {
	case wsize <= 1:
		return 1
	case wsize <= 8:
		return int((wsize + t.alignW - 1) &^ (t.alignW - 1))
	case wsize > t.mediumW:
		return t.binHuge
	}
	w := wsize - 1
	b := layout.Bsr(w)
	return int(b<<2) + int((w>>(b-2))&3) - 3
}

// BinSize returns the block size served by bin. For the HUGE bin there is
// no upper bound, so it returns the largest uintptr.
func (t *Table) BinSize(bin int) uintptr {
	switch {
	case bin == t.binHuge:
		return ^uintptr(0)
	case bin < 0 || bin > t.binFull:
		return 0
	}
	return t.binWSizes[bin] * layout.WordSize
}

// GoodSize returns the usable size a request of size bytes receives: the
// bin size for regular sizes, else size rounded up to the OS page size.
func (t *Table) GoodSize(size uintptr) uintptr {
	if size <= t.geom.MediumObjSizeMax() {
		return t.BinSize(t.Bin(size))
	}
	good, ok := buf.AlignUpSafe(size, t.osPageSize)
	if !ok {
		return ^uintptr(0)
	}
	return good
}

// IsSmall reports whether size is served from the direct lookup table.
func (t *Table) IsSmall(size uintptr) bool {
	return size <= SmallWSizeMax*layout.WordSize
}

// String returns a human-readable description of the table.
func (t *Table) String() string {
	return t.geom.Name
}

var defaultTable = sync.OnceValue(func() *Table {
	t, err := NewTable(DefaultGeometry, osmem.PageSize())
	if err != nil {
		panic(err)
	}
	return t
})

// Default returns the table for DefaultGeometry.
func Default() *Table { return defaultTable() }

// Bin returns the bin for size under the default geometry.
func Bin(size uintptr) int { return Default().Bin(size) }

// BinSize returns the block size of bin under the default geometry.
func BinSize(bin int) uintptr { return Default().BinSize(bin) }

// GoodSize returns the usable size for a request under the default geometry.
func GoodSize(size uintptr) uintptr { return Default().GoodSize(size) }
