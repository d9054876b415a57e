package alloc

import (
	"bytes"
	"log/slog"
	"math/bits"
	"testing"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/osmem"
)

// largeBlocks allocates n single-block pages of three slices each.
func largeBlocks(t *testing.T, th *Thread, n int) []unsafe.Pointer {
	t.Helper()
	size := th.alloc.geom.MediumObjSizeMax() + 1
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = mustMalloc(t, th, size)
	}
	return ptrs
}

func Test_Segment_SpansCoalesce(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	ptrs := largeBlocks(t, th, 5)
	seg := segmentOf(uintptr(ptrs[0]))
	for _, p := range ptrs {
		require.Equal(t, seg, segmentOf(uintptr(p)))
	}
	require.Equal(t, 5, seg.used)

	th.Free(ptrs[1])
	th.Free(ptrs[3])
	require.NoError(t, seg.Validate())

	middle := pageOfPtr(ptrs[2])
	idx := int(middle.sliceIndex) - int(pageOfPtr(ptrs[0]).sliceCount)
	th.Free(ptrs[2])
	require.NoError(t, seg.Validate())

	// The three freed spans are one run now.
	span := &seg.slices[idx]
	require.True(t, span.isFree())
	require.EqualValues(t, 9, span.sliceCount)
	require.True(t, span.spanQueued)

	th.Free(ptrs[0])
	th.Free(ptrs[4])
	require.Zero(t, th.segments.count)
}

func Test_Segment_SplitReturnsRemainder(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 16)
	seg := segmentOf(uintptr(p))
	first := &seg.slices[0]
	require.False(t, first.isFree())
	require.EqualValues(t, 1, first.sliceCount)

	rest := &seg.slices[1]
	require.True(t, rest.isFree())
	require.EqualValues(t, seg.segmentSlices-1, rest.sliceCount)
	require.EqualValues(t, seg.segmentSlices-2, seg.slices[seg.segmentSlices-1].sliceOffset)
	th.Free(p)
}

func Test_Segment_DecommitImmediate(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	ptrs := largeBlocks(t, th, 2)
	seg := segmentOf(uintptr(ptrs[0]))
	before := seg.commitMask.count()
	th.Free(ptrs[1])
	require.Equal(t, before-3, seg.commitMask.count())
	require.True(t, seg.decommitMask.isEmpty())

	// Recommitting hands out zeroed memory again.
	p := mustMalloc(t, th, a.geom.MediumObjSizeMax()+1)
	require.Equal(t, before, seg.commitMask.count())
	th.Free(p)
	th.Free(ptrs[0])
}

func Test_Segment_DecommitDelayed(t *testing.T) {
	opts := testOptions()
	opts.DecommitDelay = time.Hour
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	ptrs := largeBlocks(t, th, 2)
	seg := segmentOf(uintptr(ptrs[0]))
	before := seg.commitMask.count()
	th.Free(ptrs[1])
	require.Equal(t, before, seg.commitMask.count(), "decommit should wait")
	require.Equal(t, 3, seg.decommitMask.count())

	th.Collect(true)
	require.Equal(t, before-3, seg.commitMask.count())
	require.True(t, seg.decommitMask.isEmpty())
	th.Free(ptrs[0])
}

func Test_Segment_DecommitCanceledByReuse(t *testing.T) {
	opts := testOptions()
	opts.DecommitDelay = time.Hour
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	ptrs := largeBlocks(t, th, 2)
	seg := segmentOf(uintptr(ptrs[0]))
	th.Free(ptrs[1])
	require.False(t, seg.decommitMask.isEmpty())

	p := mustMalloc(t, th, a.geom.MediumObjSizeMax()+1)
	require.True(t, seg.decommitMask.isEmpty())
	th.Free(p)
	th.Free(ptrs[0])
}

func Test_Segment_EagerCommit(t *testing.T) {
	opts := testOptions()
	opts.EagerCommit = true
	opts.AllowDecommit = false
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 100)
	seg := segmentOf(uintptr(p))
	require.True(t, seg.memIsCommitted)
	require.Equal(t, seg.segmentSlices, seg.commitMask.count())
	th.Free(p)
}

func Test_SegmentMap_Lookup(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 64)
	seg := segmentOf(uintptr(p))
	require.NotNil(t, seg)
	require.Equal(t, seg, segmentOf(seg.addr))
	require.Equal(t, seg, segmentOf(seg.addr+seg.size-1))
	if next := segmentOf(seg.addr + seg.size); next != nil {
		require.NotEqual(t, seg, next)
	}
	require.Nil(t, segmentOf(0))
	require.Nil(t, segmentOf(^uintptr(0)))
	th.Free(p)
}

// unmappableProvider hands out regions above the range the segment map
// covers and fails to release them.
type unmappableProvider struct {
	osmem.Provider
	released int
}

func (p *unmappableProvider) Reserve(size, align uintptr, commit bool) (osmem.Region, error) {
	addr := uintptr(1) << (bits.UintSize - 2)
	return osmem.Region{Base: unsafe.Pointer(addr), Size: size}, nil
}

func (p *unmappableProvider) Release(osmem.Region) error {
	p.released++
	return errors.New("release refused")
}

func Test_Segment_UnmappableRegionIsReleased(t *testing.T) {
	if bits.UintSize == 32 {
		t.Skip("the segment map covers the whole 32-bit address space")
	}
	var logs bytes.Buffer
	logger.Init(logger.Options{Enabled: true, Writer: &logs, Level: slog.LevelWarn})
	t.Cleanup(func() { logger.Init(logger.Options{}) })

	prov := &unmappableProvider{Provider: osmem.NewHeapProvider()}
	opts := testOptions()
	opts.Provider = prov
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	_, err := th.Malloc(64)
	require.True(t, errors.Is(err, ErrOutOfMemory), "got %v", err)
	require.NotZero(t, prov.released)
	require.Contains(t, logs.String(), "segment release failed")
	require.Contains(t, logs.String(), "release refused")
}
