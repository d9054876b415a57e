package alloc

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// WriteDetailedMap writes a JSON description of every segment, span and
// page the thread owns, followed by its heaps' queue lengths.
func (t *Thread) WriteDetailedMap(w io.Writer) error {
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("thread").Int(int(t.id))
	obj.Name("geometry").String(t.alloc.geom.Name)
	obj.Name("segmentCount").Int(t.segments.count)
	obj.Name("peakSegmentCount").Int(t.segments.peakCount)
	obj.Name("segmentBytes").Float64(float64(t.segments.currentSize))
	obj.Name("peakSegmentBytes").Float64(float64(t.segments.peakSize))

	segs := obj.Name("segments").Array()
	for s := t.segments.first; s != nil; s = s.next {
		s.printDetailedMap(segs.Object())
	}
	segs.End()

	heaps := obj.Name("heaps").Array()
	for h := t.heaps; h != nil; h = h.next {
		h.printDetailedMap(heaps.Object(), h == t.backing)
	}
	heaps.End()
	obj.End()

	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "alloc: detailed map")
	}
	_, err := w.Write(jw.Bytes())
	return err
}

func hexAddr(a uintptr) string { return fmt.Sprintf("%#x", a) }

func (s *Segment) printDetailedMap(obj jwriter.ObjectState) {
	defer obj.End()
	obj.Name("addr").String(hexAddr(s.addr))
	obj.Name("size").Float64(float64(s.size))
	obj.Name("kind").String(s.kind.String())
	obj.Name("used").Int(s.used)
	obj.Name("abandoned").Int(s.abandoned)
	obj.Name("pinned").Bool(s.memIsPinned)
	obj.Name("largePages").Bool(s.memIsLarge)
	obj.Name("committedSlices").Int(s.commitMask.count())
	obj.Name("pendingDecommit").Int(s.decommitMask.count())

	spans := obj.Name("spans").Array()
	for i := 0; i < s.sliceEntries; i += int(s.slices[i].sliceCount) {
		sl := &s.slices[i]
		span := spans.Object()
		span.Name("slice").Int(i)
		span.Name("slices").Int(int(sl.sliceCount))
		span.Name("free").Bool(sl.isFree())
		if !sl.isFree() {
			span.Name("blockSize").Float64(float64(sl.blockSize))
			span.Name("used").Int(int(sl.used))
			span.Name("capacity").Int(int(sl.capacity))
			span.Name("reserved").Int(int(sl.reserved))
			span.Name("delayed").Int(int(sl.DelayedState()))
			span.Name("full").Bool(sl.inFull())
		}
		span.End()
	}
	spans.End()
}

func (h *Heap) printDetailedMap(obj jwriter.ObjectState, backing bool) {
	defer obj.End()
	obj.Name("backing").Bool(backing)
	obj.Name("noReclaim").Bool(h.noReclaim)
	obj.Name("pages").Int(h.pageCount)
	bins := obj.Name("bins").Array()
	for b := range h.pages {
		pq := &h.pages[b]
		if pq.isEmpty() {
			continue
		}
		bin := bins.Object()
		bin.Name("bin").Int(b)
		if b != h.table.BinHuge() && b != h.table.BinFull() {
			bin.Name("blockSize").Float64(float64(pq.blockSize))
		}
		bin.Name("pages").Int(pq.len())
		bin.End()
	}
	bins.End()
}
