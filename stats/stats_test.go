package stats

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestCount_PeakTracksHighWater(t *testing.T) {
	var c Count
	c.Increase(10)
	c.Increase(5)
	c.Decrease(12)
	c.Increase(4)

	require.Equal(t, int64(19), c.Allocated.Load())
	require.Equal(t, int64(12), c.Freed.Load())
	require.Equal(t, int64(7), c.Current.Load())
	require.Equal(t, int64(15), c.Peak.Load())
}

func TestCount_ConcurrentIncrease(t *testing.T) {
	var c Count
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.Increase(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(8000), c.Current.Load())
	require.Equal(t, int64(8000), c.Peak.Load())
}

func TestStats_SinkEvents(t *testing.T) {
	s := New(4)
	var sink Sink = s

	sink.Increase(Segments, 1)
	sink.Increase(Reserved, 64<<20)
	sink.Decrease(Reserved, 64<<20)
	sink.Counter(MmapCalls, 1)
	sink.Counter(MmapCalls, 1)
	sink.Bin(2, 3)
	sink.Bin(2, -1)
	sink.Bin(99, 1) // out of range is ignored

	require.Equal(t, int64(1), s.Count(Segments).Current.Load())
	require.Equal(t, int64(0), s.Count(Reserved).Current.Load())
	require.Equal(t, int64(64<<20), s.Count(Reserved).Peak.Load())
	require.Equal(t, int64(2), s.CounterOf(MmapCalls).Count.Load())
	require.Equal(t, int64(2), s.BinCount(2).Current.Load())
	require.Nil(t, s.BinCount(99))
	require.Equal(t, 4, s.NumBins())
}

func TestStats_MergeMovesValues(t *testing.T) {
	proc := New(4)
	thread := New(4)

	thread.Increase(Pages, 3)
	thread.Decrease(Pages, 1)
	thread.Counter(Searches, 5)
	thread.Bin(1, 7)

	proc.Increase(Pages, 1)
	proc.Merge(thread)

	require.Equal(t, int64(3), proc.Count(Pages).Current.Load())
	require.Equal(t, int64(4), proc.Count(Pages).Allocated.Load())
	require.Equal(t, int64(5), proc.CounterOf(Searches).Total.Load())
	require.Equal(t, int64(7), proc.BinCount(1).Current.Load())

	require.Zero(t, thread.Count(Pages).Current.Load(), "merge clears the source")
	require.Zero(t, thread.CounterOf(Searches).Count.Load())

	proc.Merge(proc)
	require.Equal(t, int64(3), proc.Count(Pages).Current.Load(), "self merge is a no-op")
}

func TestDiscard(t *testing.T) {
	Discard.Increase(Segments, 1)
	Discard.Decrease(Segments, 1)
	Discard.Counter(Searches, 1)
	Discard.Bin(0, 1)
}

func TestFprint_GroupsAndScales(t *testing.T) {
	s := New(8)
	s.Increase(Reserved, 3<<20)
	s.Increase(Pages, 1234567)
	s.Counter(MmapCalls, 1)
	s.Bin(4, 2)

	var buf bytes.Buffer
	require.NoError(t, Fprint(&buf, s, language.Und))
	out := buf.String()

	require.Contains(t, out, "reserved")
	require.Contains(t, out, "3.0 MiB")
	require.Contains(t, out, "1,234,567")
	require.Contains(t, out, "mmap calls")
	require.Contains(t, out, "bin 4")
	require.NotContains(t, out, "segments abandoned", "untouched stats are skipped")
}

func TestSnapshot_JSON(t *testing.T) {
	s := New(8)
	s.Increase(Segments, 2)
	s.Bin(3, 1)

	raw, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Equal(t, int64(2), snap.Counts["segments"].Current)
	require.Equal(t, int64(1), snap.Bins[3].Allocated)
	require.NotContains(t, snap.Bins, 0)
}

func TestIDNames(t *testing.T) {
	require.Equal(t, "page committed", PageCommitted.String())
	require.Equal(t, "huge count", HugeCount.String())
}
