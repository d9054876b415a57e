package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/layout"
)

func Test_Padding_UsableSizeIsRequest(t *testing.T) {
	a := newTestAllocator(t, DebugOptions())
	th := newTestThread(t, a)

	for _, size := range []uintptr{1, 20, 100, 4000, 70000} {
		p := mustMalloc(t, th, size)
		require.Equal(t, size, UsableSize(p), "size %d", size)
		th.Free(p)
	}
}

func Test_Padding_DetectsOverflow(t *testing.T) {
	a := newTestAllocator(t, DebugOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 20)
	keep := mustMalloc(t, th, 20)
	bytesOf(p, 21)[20] = 0
	requirePanicsAssertion(t, func() { th.Free(p) })
	th.Free(keep)
}

func Test_Padding_DetectsCanaryOverwrite(t *testing.T) {
	a := newTestAllocator(t, DebugOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 24)
	pg := pageOfPtr(p)
	trailer := unsafe.Add(p, pg.BlockSize()-paddingSize)
	*(*uint32)(trailer) ^= 0xFFFF
	requirePanicsAssertion(t, func() { Free(p) })
}

func Test_Padding_ReallocShrinkUpdatesTrailer(t *testing.T) {
	a := newTestAllocator(t, DebugOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 100)
	q, err := th.Realloc(p, 90)
	require.NoError(t, err)
	require.Equal(t, p, q)
	require.EqualValues(t, 90, UsableSize(q))
	th.Free(q)
}

func Test_Verify_DetectsDoubleFree(t *testing.T) {
	a := newTestAllocator(t, DebugOptions())
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 64)
	keep := mustMalloc(t, th, 64)
	th.Free(p)
	requirePanicsAssertion(t, func() { th.Free(p) })
	th.Free(keep)
}

func Test_SecureFreeLists(t *testing.T) {
	opts := testOptions()
	opts.EncodeFreeLists = true
	opts.RandomizeFreeLists = true
	opts.Verify = true
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	seen := map[uintptr]bool{}
	var ptrs []unsafe.Pointer
	for range 3000 {
		p := mustMalloc(t, th, 40)
		require.False(t, seen[uintptr(p)], "block %p handed out twice", p)
		seen[uintptr(p)] = true
		ptrs = append(ptrs, p)
	}
	pg := pageOfPtr(ptrs[0])
	require.NotEqual(t, [2]uintptr{}, pg.keys)
	require.NoError(t, th.Validate())
	for _, p := range ptrs {
		th.Free(p)
	}
	require.NoError(t, th.Validate())
}

func Test_Block_EncodeRoundTrip(t *testing.T) {
	p := &Page{keys: [2]uintptr{0x7f4a7c15, 0x1234567}}
	for _, b := range []block{0, 8, 0x7fff0000, block(^uintptr(0) &^ 7)} {
		require.Equal(t, b, p.decode(p.encode(b)))
	}
	var plain Page
	require.Equal(t, uintptr(0x1000), plain.encode(0x1000))
}

func Test_Verify_DetectsWriteAfterFree(t *testing.T) {
	opts := testOptions()
	opts.DebugFill = true
	opts.Verify = true
	a := newTestAllocator(t, opts)
	th := newTestThread(t, a)

	p := mustMalloc(t, th, 64)
	keep := mustMalloc(t, th, 64)
	pg := pageOfPtr(p)

	// Carved blocks carry the freed fill past their link word.
	for _, v := range bytesOf(unsafe.Add(pg.segment.ptr(uintptr(pg.free)), layout.WordSize), 64-layout.WordSize) {
		require.Equal(t, fillFreed, v)
	}

	// An untouched freed block is handed out again without complaint.
	th.Free(p)
	pg.freeCollect(true)
	require.Equal(t, block(uintptr(p)), pg.free)
	q := mustMalloc(t, th, 64)
	require.Equal(t, p, q)

	// A write into the freed block is caught when the block is reused.
	th.Free(q)
	pg.freeCollect(true)
	bytesOf(q, 64)[40] = 0x42
	requirePanicsAssertion(t, func() { _, _ = th.Malloc(64) })
	th.Free(keep)
}
