package alloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/sizeclass"
)

// testOptions is the compact geometry with immediate decommit, so tests run
// with small segments and observe decommit right away.
func testOptions() Options {
	o := DefaultOptions()
	o.Geometry = sizeclass.GeometryCompact
	o.DecommitDelay = 0
	return o
}

// newTestAllocator builds an allocator and closes it when the test ends.
func newTestAllocator(t *testing.T, opts Options) *Allocator {
	t.Helper()
	a, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// newTestThread starts a thread on a and deinitializes it when the test
// ends.
func newTestThread(t *testing.T, a *Allocator) *Thread {
	t.Helper()
	th := a.ThreadInit()
	t.Cleanup(th.Deinit)
	return th
}

func mustMalloc(t *testing.T, th *Thread, size uintptr) unsafe.Pointer {
	t.Helper()
	p, err := th.Malloc(size)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func bytesOf(p unsafe.Pointer, n uintptr) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// fillPattern writes a pattern derived from seed so overlapping blocks show
// up as a mismatch.
func fillPattern(p unsafe.Pointer, n uintptr, seed byte) {
	b := bytesOf(p, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
}

func requirePattern(t *testing.T, p unsafe.Pointer, n uintptr, seed byte) {
	t.Helper()
	b := bytesOf(p, n)
	for i := range b {
		if b[i] != seed+byte(i) {
			t.Fatalf("block %p: byte %d = %#x, want %#x", p, i, b[i], seed+byte(i))
		}
	}
}

func pageOfPtr(p unsafe.Pointer) *Page {
	return segmentOf(uintptr(p)).pageOf(uintptr(p))
}

// requirePanicsAssertion runs fn and requires it to panic with an assertion
// failure.
func requirePanicsAssertion(t *testing.T, fn func()) {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		fn()
	}()
	require.NotNil(t, got, "expected a panic")
	err, ok := got.(error)
	require.True(t, ok, "panic value %v is not an error", got)
	require.True(t, isAssertion(err), "panic %v is not an assertion failure", err)
}

func heapProviderOptions() Options {
	o := testOptions()
	o.Provider = osmem.NewHeapProvider()
	return o
}
