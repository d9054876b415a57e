// Package alloc provides a segmented, multi-threaded memory allocator for
// memory outside the Go heap.
//
// # Overview
//
// Memory is reserved from an osmem.Provider in large aligned segments.
// Each segment is divided into slices; runs of slices are carved into
// pages, and every page serves blocks of one size class (see package
// sizeclass). Allocation pops the head of a page's free list, so the common
// path is a table lookup and two loads.
//
// # Threads
//
// Each goroutine that allocates holds a Thread obtained from ThreadInit.
// A Thread owns a backing heap and every segment its heaps carve pages
// from. Nothing owned by a Thread is locked: a Thread must be used by one
// goroutine at a time.
//
// Blocks may be freed from any goroutine:
//
//   - Thread.Free on the owning thread pushes onto the page's local list
//   - Thread.Free elsewhere, or package-level Free, pushes onto the page's
//     atomic thread-free list
//
// The first foreign free after the owner reset a page also registers the
// page on the owning heap's delayed list, so the owner finds it the next
// time it takes the slow path. The page's delayed-free state (exported as
// UseDelayedFree, DelayedFreeing, NoDelayedFree and NeverDelayedFree)
// ensures exactly one foreign free registers the page.
//
// # Abandonment
//
// Thread.Deinit releases empty pages and abandons the rest. A segment whose
// live pages are all abandoned goes on the allocator's abandoned list,
// where other threads reclaim it when they need a fresh segment. Blocks in
// an abandoned segment remain valid and may still be freed.
//
// # Usage Example
//
//	a, err := alloc.New(alloc.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer a.Close()
//
//	t := a.ThreadInit()
//	defer t.Deinit()
//
//	p, err := t.Malloc(128)
//	if err != nil {
//	    return err
//	}
//	buf := unsafe.Slice((*byte)(p), 128)
//	copy(buf, "hello")
//	t.Free(p)
//
// # Page Kinds
//
// With the default geometry (64 KiB slices, 64 MiB segments):
//
//	small   blocks up to 16 KiB     one-slice pages
//	medium  blocks up to 128 KiB    eight-slice pages
//	large   blocks up to 32 MiB     one block per page, in a normal segment
//	huge    anything larger         one block in a dedicated segment
//
// # Debugging
//
// DebugOptions (or HEAPKIT_VERIFY=1) turns on padding trailers with
// canaries, fill patterns and double-free detection. Corruption found by
// these checks panics with an assertion failure from
// github.com/cockroachdb/errors; errors.IsAssertionFailure reports it.
package alloc
