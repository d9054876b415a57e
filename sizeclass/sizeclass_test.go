package sizeclass

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/layout"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(GeometryDefault, 4096)
	require.NoError(t, err)
	return tbl
}

func Test_Bin_ZeroIsSmallestBin(t *testing.T) {
	tbl := testTable(t)
	require.Equal(t, 1, tbl.Bin(0))
	require.Equal(t, 1, tbl.Bin(1))
	require.Equal(t, 1, tbl.Bin(layout.WordSize))
}

func Test_Bin_TwoWordRounding(t *testing.T) {
	tbl := testTable(t)
	if layout.WordSize != 8 {
		t.Skip("two-word rounding example assumes 64-bit words")
	}
	require.Equal(t, tbl.Bin(32), tbl.Bin(24), "24 and 32 bytes share a bin with 16-byte alignment")
	require.Equal(t, uintptr(32), tbl.BinSize(tbl.Bin(24)))
	require.Equal(t, 2, tbl.Bin(9))
	require.Equal(t, 8, tbl.Bin(64))
	require.Equal(t, 9, tbl.Bin(65))
}

func Test_Bin_HugeThreshold(t *testing.T) {
	tbl := testTable(t)
	g := tbl.Geometry()

	maxMedium := g.MediumObjSizeMax()
	require.Less(t, tbl.Bin(maxMedium), tbl.BinHuge())
	require.Equal(t, tbl.BinHuge(), tbl.Bin(maxMedium+1))
	require.Equal(t, tbl.BinHuge(), tbl.Bin(layout.MaxAllocSize))
	require.Equal(t, tbl.BinHuge(), tbl.Bin(^uintptr(0)))
	require.Equal(t, tbl.BinHuge()+1, tbl.BinFull())
	require.Equal(t, tbl.BinFull()+1, tbl.NumBins())
}

func Test_Bin_DefaultGeometryBinCount(t *testing.T) {
	if layout.WordSize != 8 {
		t.Skip("bin numbering checked for 64-bit words")
	}
	tbl := testTable(t)
	// 128KiB medium objects are 16384 words; wsize-1 = 16383 has its top bit
	// at 13 followed by 0b11: (13<<2)+3-3 = 52.
	require.Equal(t, 52, tbl.Bin(128*layout.KiB))
	require.Equal(t, 53, tbl.BinHuge())
}

func Test_BinSize_CoversRequest(t *testing.T) {
	tbl := testTable(t)
	rng := rand.New(rand.NewSource(42))

	check := func(s uintptr) {
		b := tbl.Bin(s)
		if b < 1 || b > tbl.BinHuge() {
			t.Fatalf("bin(%d)=%d outside [1, %d]", s, b, tbl.BinHuge())
		}
		if bs := tbl.BinSize(b); bs < s {
			t.Fatalf("bin(%d)=%d has block size %d", s, b, bs)
		}
		if again := tbl.Bin(s); again != b {
			t.Fatalf("bin(%d) not deterministic: %d then %d", s, b, again)
		}
	}

	for s := uintptr(0); s <= 4*tbl.Geometry().MediumObjSizeMax(); s++ {
		check(s)
	}
	for range 10000 {
		check(uintptr(rng.Uint64()))
	}
	check(^uintptr(0))
}

func Test_Bin_Monotonic(t *testing.T) {
	tbl := testTable(t)
	prev := tbl.Bin(0)
	for s := uintptr(1); s <= tbl.Geometry().MediumObjSizeMax()+1; s++ {
		b := tbl.Bin(s)
		if b < prev {
			t.Fatalf("bin(%d)=%d < bin(%d)=%d", s, b, s-1, prev)
		}
		prev = b
	}
}

func Test_BinSize_IsBinFixpoint(t *testing.T) {
	tbl := testTable(t)
	for s := uintptr(0); s <= tbl.Geometry().MediumObjSizeMax(); s += layout.WordSize {
		b := tbl.Bin(s)
		require.Equal(t, b, tbl.Bin(tbl.BinSize(b)), "block size of bin %d must map back to it", b)
	}
}

func Test_BinSize_Fragmentation(t *testing.T) {
	tbl := testTable(t)
	// Four bins per power of two: a block is never more than a quarter
	// larger than the request.
	var waste, total uintptr
	for s := 16*layout.WordSize + 1; s <= tbl.Geometry().MediumObjSizeMax(); s++ {
		bs := tbl.BinSize(tbl.Bin(s))
		if bs-s > s/4 {
			t.Fatalf("size %d gets block %d", s, bs)
		}
		waste += bs - s
		total += s
	}
	require.Less(t, float64(waste)/float64(total), 0.125, "average waste")
}

func Test_GoodSize_Properties(t *testing.T) {
	tbl := testTable(t)
	rng := rand.New(rand.NewSource(7))

	check := func(s uintptr) {
		g := tbl.GoodSize(s)
		require.GreaterOrEqual(t, g, s, "good size of %d", s)
		require.Equal(t, g, tbl.GoodSize(g), "good size must be idempotent for %d", s)
	}
	for s := uintptr(0); s < 300*layout.KiB; s += 7 {
		check(s)
	}
	for range 10000 {
		check(uintptr(rng.Uint64()))
	}
	check(^uintptr(0))
}

func Test_GoodSize_HugeRoundsToPage(t *testing.T) {
	tbl := testTable(t)
	size := tbl.Geometry().MediumObjSizeMax() + 1
	require.Equal(t, tbl.BinHuge(), tbl.Bin(size))
	require.Equal(t, layout.AlignUp(size, 4096), tbl.GoodSize(size))

	size = 5 * layout.MiB
	require.Equal(t, size, tbl.GoodSize(size))
}

func Test_GeometryCompact(t *testing.T) {
	tbl, err := NewTable(GeometryCompact, 4096)
	require.NoError(t, err)
	g := tbl.Geometry()
	require.Equal(t, uintptr(4*layout.MiB), g.SegmentSize())
	require.Equal(t, tbl.BinHuge(), tbl.Bin(g.MediumObjSizeMax()+1))
	require.Less(t, tbl.BinHuge(), testTable(t).BinHuge())
}

func Test_Geometry_Validate(t *testing.T) {
	require.NoError(t, GeometryDefault.Validate())
	require.NoError(t, GeometryCompact.Validate())

	tests := []struct {
		name   string
		mutate func(*Geometry)
	}{
		{"slices not power of two", func(g *Geometry) { g.SegmentSlices = 1000 }},
		{"too many slices", func(g *Geometry) { g.SegmentSlices = 2048 }},
		{"segment below map granule", func(g *Geometry) { g.SliceShift = 12; g.SegmentSlices = 64 }},
		{"medium smaller than small", func(g *Geometry) { g.MediumPageSlices = 0 }},
		{"alignment of three words", func(g *Geometry) { g.MaxAlignSize = 3 * layout.WordSize }},
		{"medium objects need more bins", func(g *Geometry) { g.SliceShift = 22; g.MediumPageSlices = 512 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GeometryDefault
			g.Name = tt.name
			tt.mutate(&g)
			err := g.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalidGeometry))
		})
	}
}

func Test_NewTable_RejectsBadPageSize(t *testing.T) {
	_, err := NewTable(GeometryDefault, 3000)
	require.True(t, errors.Is(err, ErrInvalidGeometry))
}

func Test_PackageLevelHelpers(t *testing.T) {
	require.Equal(t, Default().Bin(100), Bin(100))
	require.Equal(t, Default().BinSize(9), BinSize(9))
	require.Equal(t, Default().GoodSize(100), GoodSize(100))
	require.Equal(t, "Default", Default().String())
}
