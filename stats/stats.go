// Package stats is the statistics sink of the allocator. The engine only
// pushes events into it (increase, decrease, counter samples); reports are
// produced from the accumulated values by Fprint and Snapshot.
package stats

import "sync/atomic"

// Count tracks an amount that goes up and down: total allocated, total
// freed, the current value and its peak.
type Count struct {
	Allocated atomic.Int64
	Freed     atomic.Int64
	Peak      atomic.Int64
	Current   atomic.Int64
}

// Increase records n more units.
func (c *Count) Increase(n int64) {
	c.Allocated.Add(n)
	cur := c.Current.Add(n)
	for {
		peak := c.Peak.Load()
		if cur <= peak || c.Peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// Decrease records n fewer units.
func (c *Count) Decrease(n int64) {
	c.Freed.Add(n)
	c.Current.Add(-n)
}

func (c *Count) merge(from *Count) {
	c.Allocated.Add(from.Allocated.Load())
	c.Freed.Add(from.Freed.Load())
	c.Current.Add(from.Current.Load())
	c.Peak.Add(from.Peak.Load())
}

func (c *Count) reset() {
	c.Allocated.Store(0)
	c.Freed.Store(0)
	c.Peak.Store(0)
	c.Current.Store(0)
}

// Counter tracks a running total and the number of samples added to it.
type Counter struct {
	Total atomic.Int64
	Count atomic.Int64
}

// Add records one sample of n.
func (c *Counter) Add(n int64) {
	c.Count.Add(1)
	c.Total.Add(n)
}

func (c *Counter) merge(from *Counter) {
	c.Total.Add(from.Total.Load())
	c.Count.Add(from.Count.Load())
}

func (c *Counter) reset() {
	c.Total.Store(0)
	c.Count.Store(0)
}

// CountID names a Count in a Stats set.
type CountID int

const (
	Segments          CountID = iota // segments reserved
	Pages                            // pages in use
	Reserved                         // bytes of address space reserved
	Committed                        // bytes committed
	Reset                            // bytes reset (decommitted while reserved)
	PageCommitted                    // bytes committed on behalf of pages
	SegmentsAbandoned                // segments on the abandoned list
	PagesAbandoned                   // pages owned by abandoned segments
	Threads                          // live thread contexts
	Normal                           // bytes in regular-bin blocks
	Large                            // bytes in single-block pages of normal segments
	Huge                             // bytes in dedicated huge segments
	Malloc                           // usable bytes handed to callers
	numCounts
)

var countNames = [numCounts]string{
	"segments", "pages", "reserved", "committed", "reset", "page committed",
	"segments abandoned", "pages abandoned", "threads", "normal", "large",
	"huge", "malloc",
}

var countIsBytes = [numCounts]bool{
	Reserved: true, Committed: true, Reset: true, PageCommitted: true,
	Normal: true, Large: true, Huge: true, Malloc: true,
}

func (id CountID) String() string { return countNames[id] }

// CounterID names a Counter in a Stats set.
type CounterID int

const (
	PagesExtended CounterID = iota // page free-list extensions
	MmapCalls                      // provider reserve calls
	CommitCalls                    // provider commit calls
	PageNoRetire                   // empty pages kept in their queue instead of freed
	Searches                       // pages visited while searching a queue
	NormalCount                    // regular-bin allocations
	LargeCount                     // large allocations
	HugeCount                      // huge allocations
	numCounters
)

var counterNames = [numCounters]string{
	"pages extended", "mmap calls", "commit calls", "page no retire",
	"searches", "normal count", "large count", "huge count",
}

func (id CounterID) String() string { return counterNames[id] }

// Sink receives statistics events. The allocator calls it but never reads
// anything back.
type Sink interface {
	Increase(id CountID, n int64)
	Decrease(id CountID, n int64)
	Counter(id CounterID, n int64)
	// Bin records delta blocks entering (positive) or leaving (negative) bin.
	Bin(bin int, delta int64)
}

// Stats is the standard Sink: a full set of counts and counters plus one
// count per bin. All fields are atomic so a report can be taken while
// another goroutine is still recording.
type Stats struct {
	counts   [numCounts]Count
	counters [numCounters]Counter
	bins     []Count
}

var _ Sink = (*Stats)(nil)

// New returns an empty Stats with numBins per-bin counts.
func New(numBins int) *Stats {
	return &Stats{bins: make([]Count, numBins)}
}

func (s *Stats) Increase(id CountID, n int64) { s.counts[id].Increase(n) }
func (s *Stats) Decrease(id CountID, n int64) { s.counts[id].Decrease(n) }
func (s *Stats) Counter(id CounterID, n int64) { s.counters[id].Add(n) }

func (s *Stats) Bin(bin int, delta int64) {
	if bin < 0 || bin >= len(s.bins) {
		return
	}
	if delta >= 0 {
		s.bins[bin].Increase(delta)
	} else {
		s.bins[bin].Decrease(-delta)
	}
}

// Count returns the count for id.
func (s *Stats) Count(id CountID) *Count { return &s.counts[id] }

// CounterOf returns the counter for id.
func (s *Stats) CounterOf(id CounterID) *Counter { return &s.counters[id] }

// BinCount returns the count for bin, or nil if out of range.
func (s *Stats) BinCount(bin int) *Count {
	if bin < 0 || bin >= len(s.bins) {
		return nil
	}
	return &s.bins[bin]
}

// NumBins returns the number of per-bin counts.
func (s *Stats) NumBins() int { return len(s.bins) }

// Merge adds everything recorded in from into s and clears from. It is
// called when a thread context is torn down.
func (s *Stats) Merge(from *Stats) {
	if from == nil || from == s {
		return
	}
	for i := range s.counts {
		s.counts[i].merge(&from.counts[i])
		from.counts[i].reset()
	}
	for i := range s.counters {
		s.counters[i].merge(&from.counters[i])
		from.counters[i].reset()
	}
	for i := range min(len(s.bins), len(from.bins)) {
		s.bins[i].merge(&from.bins[i])
		from.bins[i].reset()
	}
}

type discard struct{}

func (discard) Increase(CountID, int64)  {}
func (discard) Decrease(CountID, int64)  {}
func (discard) Counter(CounterID, int64) {}
func (discard) Bin(int, int64)           {}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}
