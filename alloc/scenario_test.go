package alloc

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/tagged"
	"github.com/joshuapare/heapkit/stats"
)

func Test_Scenario_ReuseSamePages(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	require.Equal(t, a.table.Bin(24), a.table.Bin(32), "24 rounds up to 32 under two-word alignment")

	collect := func() ([]unsafe.Pointer, map[*Page]bool) {
		ptrs := make([]unsafe.Pointer, 0, 1000)
		pages := map[*Page]bool{}
		for range 1000 {
			p := mustMalloc(t, th, 24)
			ptrs = append(ptrs, p)
			pages[pageOfPtr(p)] = true
		}
		return ptrs, pages
	}

	ptrs, first := collect()
	mmaps := th.Stats().CounterOf(stats.MmapCalls).Count.Load()
	for _, p := range ptrs {
		th.Free(p)
	}
	ptrs, second := collect()
	require.Equal(t, first, second)
	require.Equal(t, mmaps, th.Stats().CounterOf(stats.MmapCalls).Count.Load(), "no new segment expected")
	for _, p := range ptrs {
		th.Free(p)
	}
}

func Test_Scenario_HugeBin(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	th := newTestThread(t, a)

	size := a.geom.MediumObjSizeMax() + 1
	require.Equal(t, a.table.BinHuge(), a.table.Bin(size))
	require.Equal(t, layout.AlignUp(size, a.table.OSPageSize()), a.table.GoodSize(size))

	p := mustMalloc(t, th, size)
	require.Equal(t, a.table.GoodSize(size), pageOfPtr(p).BlockSize())
	th.Free(p)
}

// delayedTrace records delayed-free transitions of one page.
type delayedTrace struct {
	mu    sync.Mutex
	page  *Page
	steps [][2]tagged.State
}

func (d *delayedTrace) hook(p *Page, from, to tagged.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p == d.page {
		d.steps = append(d.steps, [2]tagged.State{from, to})
	}
}

func (d *delayedTrace) count(from, to tagged.State) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.steps {
		if s == [2]tagged.State{from, to} {
			n++
		}
	}
	return n
}

func delayedListCount(h *Heap, p *Page) int {
	n := 0
	for q := h.threadDelayedFree.Load(); q != nil; q = q.delayedNext {
		if q == p {
			n++
		}
	}
	return n
}

func Test_Scenario_DelayedFreeRegistersOnce(t *testing.T) {
	a := newTestAllocator(t, testOptions())
	trace := &delayedTrace{}
	a.onDelayed = trace.hook

	t1 := newTestThread(t, a)
	const n = 200
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = mustMalloc(t, t1, 64)
	}
	page := pageOfPtr(ptrs[0])
	trace.page = page
	for _, p := range ptrs {
		require.Equal(t, page, pageOfPtr(p), "all blocks expected on one page")
	}
	require.Equal(t, UseDelayedFree, page.DelayedState())

	// Several foreign threads free blocks of the page at once.
	const workers = 4
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tw := a.ThreadInit()
			defer tw.Deinit()
			for i := w; i < n-1; i += workers {
				tw.Free(ptrs[i])
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, trace.count(UseDelayedFree, DelayedFreeing))
	require.Equal(t, 1, trace.count(DelayedFreeing, NoDelayedFree))
	require.Equal(t, NoDelayedFree, page.DelayedState())
	require.Equal(t, 1, delayedListCount(t1.Heap(), page))
	require.EqualValues(t, n, page.Used(), "foreign frees are not counted until collected")

	// The owner's slow path drains the list and re-arms the page.
	t1.Collect(false)
	require.Equal(t, UseDelayedFree, page.DelayedState())
	require.Zero(t, delayedListCount(t1.Heap(), page))
	require.EqualValues(t, 1, page.Used())

	// The next foreign free registers again.
	Free(ptrs[n-1])
	require.Equal(t, 2, trace.count(UseDelayedFree, DelayedFreeing))
	require.Equal(t, 1, delayedListCount(t1.Heap(), page))
}

func Test_Scenario_AbandonAndReclaim(t *testing.T) {
	a := newTestAllocator(t, testOptions())

	t1 := a.ThreadInit()
	const n = 100
	ptrs := make([]unsafe.Pointer, n)
	for i := range ptrs {
		ptrs[i] = mustMalloc(t, t1, 48)
		fillPattern(ptrs[i], 48, byte(i))
	}
	page := pageOfPtr(ptrs[0])
	seg := page.segment
	capacity := page.Capacity()

	// Another thread frees every even block while t1 is alive.
	t2 := newTestThread(t, a)
	for i := 0; i < n; i += 2 {
		t2.Free(ptrs[i])
	}

	t1.Deinit()
	require.Equal(t, 1, a.AbandonedSegments())
	require.Zero(t, seg.threadID.Load())
	require.Equal(t, NeverDelayedFree, page.DelayedState())
	require.Nil(t, page.heap.Load())

	// Frees keep working while the segment has no owner.
	t2.Free(ptrs[1])

	t3 := newTestThread(t, a)
	require.Equal(t, 1, t3.Heap().ReclaimAbandoned())
	require.Zero(t, a.AbandonedSegments())
	require.Equal(t, t3.ID(), seg.threadID.Load())
	require.Equal(t, t3.Heap(), page.heap.Load())
	require.Equal(t, UseDelayedFree, page.DelayedState())

	live := uint32(n/2 - 1)
	require.Equal(t, live, page.Used())
	nfree, ok := page.listLen(page.free, page.capacity)
	require.True(t, ok)
	nlocal, ok := page.listLen(page.localFree, page.capacity)
	require.True(t, ok)
	require.Equal(t, capacity-live, nfree+nlocal)
	require.NoError(t, t3.Validate())

	for i := 3; i < n; i += 2 {
		requirePattern(t, ptrs[i], 48, byte(i))
		t3.Free(ptrs[i])
	}
	require.EqualValues(t, 0, page.Used())
}

func Test_Scenario_ReclaimOnAllocation(t *testing.T) {
	a := newTestAllocator(t, testOptions())

	t1 := a.ThreadInit()
	keep := mustMalloc(t, t1, 256)
	seg := segmentOf(uintptr(keep))
	t1.Deinit()
	require.Equal(t, 1, a.AbandonedSegments())

	t2 := newTestThread(t, a)
	p := mustMalloc(t, t2, 256)
	require.Equal(t, seg, segmentOf(uintptr(p)), "allocation should adopt the abandoned segment")
	require.Zero(t, a.AbandonedSegments())
	t2.Free(keep)
	t2.Free(p)
	require.NoError(t, t2.Validate())
}

func Test_Scenario_NoReclaim(t *testing.T) {
	opts := testOptions()
	opts.NoReclaim = true
	a := newTestAllocator(t, opts)

	t1 := a.ThreadInit()
	keep := mustMalloc(t, t1, 256)
	t1.Deinit()

	t2 := newTestThread(t, a)
	p := mustMalloc(t, t2, 256)
	require.NotEqual(t, segmentOf(uintptr(keep)), segmentOf(uintptr(p)))
	require.Equal(t, 1, a.AbandonedSegments())

	Free(keep)
	t2.Free(p)
}

func Test_Scenario_CloseReleasesEmptyAbandoned(t *testing.T) {
	a, err := New(testOptions())
	require.NoError(t, err)

	t1 := a.ThreadInit()
	p := mustMalloc(t, t1, 1000)
	t1.Deinit()
	require.Equal(t, 1, a.AbandonedSegments())

	Free(p)
	require.NoError(t, a.Close())
	require.Zero(t, a.AbandonedSegments())
	require.False(t, IsInHeapRegion(p))
}
