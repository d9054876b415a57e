package alloc

import (
	crand "crypto/rand"
	"encoding/binary"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/layout"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/internal/tagged"
	"github.com/joshuapare/heapkit/sizeclass"
	"github.com/joshuapare/heapkit/stats"
)

// directRange is the span of direct-table slots served by one bin.
type directRange struct{ lo, hi int }

// Allocator is the process-wide state shared by its threads: options, the
// size-class table, the raw memory provider, merged statistics and the
// list of abandoned segments.
type Allocator struct {
	opts     Options
	geom     sizeclass.Geometry
	table    *sizeclass.Table
	provider osmem.Provider

	stats *stats.Stats
	sink  stats.Sink

	cookie    uintptr
	padding   uintptr
	direct    []directRange // per bin
	directLen int

	abandoned abandonedList
	threads   atomic.Int64

	// onDelayed observes delayed-free state changes (tests only).
	onDelayed func(p *Page, from, to tagged.State)
}

// New creates an allocator. Zero fields of opts take their defaults.
func New(opts Options) (*Allocator, error) {
	opts = opts.withDefaults()
	table, err := sizeclass.NewTable(opts.Geometry, opts.Provider.PageSize())
	if err != nil {
		return nil, errors.Wrap(err, "alloc: new allocator")
	}
	a := &Allocator{
		opts:     opts,
		geom:     opts.Geometry,
		table:    table,
		provider: opts.Provider,
		stats:    stats.New(table.NumBins()),
	}
	a.sink = stats.Discard
	if opts.Stats {
		a.sink = a.stats
	}
	if opts.Padding {
		a.padding = paddingSize
	}

	var seed [8]byte
	if _, err := crand.Read(seed[:]); err != nil {
		return nil, errors.Wrap(err, "alloc: seed cookie")
	}
	a.cookie = uintptr(binary.LittleEndian.Uint64(seed[:])) | 1

	// Slot w of the direct table serves requests of w words including
	// padding.
	a.directLen = sizeclass.SmallWSizeMax + int(a.padding/layout.WordSize) + 1
	a.direct = make([]directRange, table.NumBins())
	for b := range a.direct {
		a.direct[b] = directRange{lo: 1, hi: 0}
	}
	for w := range a.directLen {
		r := &a.direct[table.Bin(uintptr(w)*layout.WordSize)]
		if r.lo > r.hi {
			r.lo = w
		}
		r.hi = w
	}

	logger.Info("alloc: allocator created",
		"geometry", a.geom.Name,
		"segment", a.geom.SegmentSize(),
		"bins", table.NumBins(),
		"padding", opts.Padding,
		"verify", opts.Verify)
	return a, nil
}

// Options returns the options the allocator runs with.
func (a *Allocator) Options() Options { return a.opts }

// Table returns the allocator's size-class table.
func (a *Allocator) Table() *sizeclass.Table { return a.table }

// Stats returns the statistics merged from terminated threads plus events
// recorded outside any thread.
func (a *Allocator) Stats() *stats.Stats { return a.stats }

// AbandonedSegments returns the number of segments waiting for an owner.
func (a *Allocator) AbandonedSegments() int { return a.abandoned.Len() }

// Threads returns the number of live thread contexts.
func (a *Allocator) Threads() int { return int(a.threads.Load()) }

// Close releases every abandoned segment that has no live blocks left.
// Segments still holding blocks stay abandoned. Threads should be
// deinitialized first.
func (a *Allocator) Close() error {
	if n := a.threads.Load(); n != 0 {
		logger.Warn("alloc: close with live threads", "threads", n)
	}
	t := a.ThreadInit()
	n := t.backing.ReclaimAbandoned()
	t.Deinit()
	if logger.Enabled(slog.LevelDebug) {
		logger.Debug("alloc: allocator closed", "reclaimed", n, "abandoned", a.abandoned.Len())
	}
	return nil
}

// freeMT frees b on page p from a thread that does not own the page. The
// first foreign free after the owner reset the page registers the page with
// the owner's heap; every other one just pushes the block.
func (a *Allocator) freeMT(sink stats.Sink, p *Page, b block) {
	if a.padding != 0 {
		a.checkPadding(p, b)
	}
	if a.opts.Stats {
		a.countFree(sink, p)
	}
	if a.opts.DebugFill {
		fillBytes(p.segment.bytes(uintptr(b), p.blockSize-a.padding), fillFreed)
	}

	register := false
	for yields := 0; ; {
		old := p.threadFree.Load()
		var nv tagged.Value
		switch old.State() {
		case UseDelayedFree:
			nv = old.WithState(DelayedFreeing)
			register = true
		case DelayedFreeing:
			// The winner of the registration race is still at work.
			if yields++; yields > 4 {
				runtime.Gosched()
			}
			continue
		default:
			p.setNext(b, block(old.Addr()))
			nv = old.WithAddr(uintptr(b))
		}
		if p.threadFree.CompareAndSwap(old, nv) {
			break
		}
		register = false
	}
	if !register {
		return
	}

	a.traceDelayed(p, UseDelayedFree, DelayedFreeing)
	if h := p.heap.Load(); h != nil {
		h.delayedPush(p)
	}
	for {
		old := p.threadFree.Load()
		p.setNext(b, block(old.Addr()))
		if p.threadFree.CompareAndSwap(old, tagged.Make(uintptr(b), NoDelayedFree)) {
			break
		}
	}
	a.traceDelayed(p, DelayedFreeing, NoDelayedFree)
}

// freeUnknown handles a pointer no segment claims.
func (a *Allocator) freeUnknown(addr uintptr) {
	if a.opts.Verify {
		invariantViolation("free of %#x: not allocated by heapkit", addr)
	}
	logger.Warn("alloc: free of unknown pointer ignored", "addr", addr)
}

var defaultAllocator = sync.OnceValue(func() *Allocator {
	logger.InitFromEnv()
	a, err := New(OptionsFromEnv(DefaultOptions()))
	if err != nil {
		panic(err)
	}
	return a
})

// Default returns the process-wide allocator, configured from the HEAPKIT_*
// environment variables on first use.
func Default() *Allocator { return defaultAllocator() }

// ThreadInit creates a thread context on the default allocator.
func ThreadInit() *Thread { return Default().ThreadInit() }

// Shutdown releases what the default allocator can release.
func Shutdown() error { return Default().Close() }

// Free frees ptr from a goroutine without a thread context. Every block
// takes the concurrent path, so prefer Thread.Free where one is at hand.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)
	seg := segmentOf(addr)
	if seg == nil {
		Default().freeUnknown(addr)
		return
	}
	p, b := seg.blockOf(addr)
	seg.alloc.freeMT(seg.alloc.sink, p, b)
}

// UsableSize returns how many bytes at ptr may be used. With padding on
// this is exactly the requested size. It returns 0 for pointers heapkit
// does not own.
func UsableSize(ptr unsafe.Pointer) uintptr {
	addr := uintptr(ptr)
	seg := segmentOf(addr)
	if seg == nil {
		return 0
	}
	p := seg.pageOf(addr)
	if p.isFree() {
		return 0
	}
	a := seg.alloc
	b := block(addr)
	if p.hasAligned() {
		b = p.unalign(addr)
	}
	usable := p.blockSize - a.padding
	if a.padding != 0 {
		usable -= a.paddingDelta(p, b)
	}
	return usable - (addr - uintptr(b))
}

// IsInHeapRegion reports whether ptr lies in a segment of any allocator.
func IsInHeapRegion(ptr unsafe.Pointer) bool {
	return segmentOf(uintptr(ptr)) != nil
}
