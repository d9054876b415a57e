package stats

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CountSnapshot is a plain copy of a Count.
type CountSnapshot struct {
	Allocated int64 `json:"allocated"`
	Freed     int64 `json:"freed"`
	Peak      int64 `json:"peak"`
	Current   int64 `json:"current"`
}

// CounterSnapshot is a plain copy of a Counter.
type CounterSnapshot struct {
	Total int64 `json:"total"`
	Count int64 `json:"count"`
}

// Snapshot is a point-in-time copy of a Stats set, keyed by stat name.
type Snapshot struct {
	Counts   map[string]CountSnapshot   `json:"counts"`
	Counters map[string]CounterSnapshot `json:"counters"`
	Bins     map[int]CountSnapshot      `json:"bins,omitempty"`
}

func (c *Count) snapshot() CountSnapshot {
	return CountSnapshot{
		Allocated: c.Allocated.Load(),
		Freed:     c.Freed.Load(),
		Peak:      c.Peak.Load(),
		Current:   c.Current.Load(),
	}
}

// Snapshot copies the current values. Bins that never saw a block are left
// out.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		Counts:   make(map[string]CountSnapshot, numCounts),
		Counters: make(map[string]CounterSnapshot, numCounters),
		Bins:     make(map[int]CountSnapshot),
	}
	for id := range numCounts {
		snap.Counts[id.String()] = s.counts[id].snapshot()
	}
	for id := range numCounters {
		c := &s.counters[id]
		snap.Counters[id.String()] = CounterSnapshot{Total: c.Total.Load(), Count: c.Count.Load()}
	}
	for i := range s.bins {
		if b := s.bins[i].snapshot(); b.Allocated != 0 {
			snap.Bins[i] = b
		}
	}
	return snap
}

// Fprint writes a human-readable report to w. Numbers are grouped for the
// given language (English when tag is language.Und) and byte amounts are
// scaled to KiB/MiB/GiB.
func Fprint(w io.Writer, s *Stats, tag language.Tag) error {
	if tag == language.Und {
		tag = language.English
	}
	p := message.NewPrinter(tag)
	ew := &errWriter{w: w}

	p.Fprintf(ew, "%-20s %14s %14s %14s %14s\n", "", "peak", "total", "freed", "current")
	for id := range numCounts {
		c := s.counts[id].snapshot()
		if c.Allocated == 0 && c.Peak == 0 {
			continue
		}
		if countIsBytes[id] {
			p.Fprintf(ew, "%-20s %14s %14s %14s %14s\n", id.String(),
				scaled(p, c.Peak), scaled(p, c.Allocated), scaled(p, c.Freed), scaled(p, c.Current))
			continue
		}
		p.Fprintf(ew, "%-20s %14d %14d %14d %14d\n", id.String(), c.Peak, c.Allocated, c.Freed, c.Current)
	}
	for id := range numCounters {
		c := &s.counters[id]
		if n := c.Count.Load(); n > 0 {
			p.Fprintf(ew, "%-20s %14d %14s %14s %14s\n", id.String(), c.Total.Load(), "", "", "")
		}
	}
	for i := range s.bins {
		c := s.bins[i].snapshot()
		if c.Allocated == 0 {
			continue
		}
		p.Fprintf(ew, "%-20s %14d %14d %14d %14d\n", p.Sprintf("bin %d", i), c.Peak, c.Allocated, c.Freed, c.Current)
	}
	return ew.err
}

func scaled(p *message.Printer, n int64) string {
	const (
		kib = 1 << 10
		mib = 1 << 20
		gib = 1 << 30
	)
	abs := n
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= gib:
		return p.Sprintf("%.1f GiB", float64(n)/gib)
	case abs >= mib:
		return p.Sprintf("%.1f MiB", float64(n)/mib)
	case abs >= kib:
		return p.Sprintf("%.1f KiB", float64(n)/kib)
	}
	return p.Sprintf("%d B", n)
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(b []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(b)
	e.err = err
	return n, err
}
