package osmem

import (
	"os"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"modernc.org/memory"

	"github.com/joshuapare/heapkit/internal/layout"
)

// manualProvider backs regions with memory from modernc.org/memory, which
// maps it outside the Go heap on every platform it supports. Reservations
// are over-allocated by the alignment and trimmed. The memory stays
// accessible for the region's whole lifetime, so commit and decommit only
// check their ranges.
type manualProvider struct {
	mu       sync.Mutex
	mem      memory.Allocator
	pageSize uintptr
}

// NewManualProvider returns a Provider backed by modernc.org/memory.
func NewManualProvider() Provider {
	return &manualProvider{pageSize: uintptr(os.Getpagesize())}
}

func (m *manualProvider) PageSize() uintptr { return m.pageSize }

func (m *manualProvider) Reserve(size, align uintptr, _ bool) (Region, error) {
	if size == 0 {
		return Region{}, errors.Wrap(ErrReserve, "zero-sized reservation")
	}
	if align < m.pageSize {
		align = m.pageSize
	}
	total := size + align
	if total < size || total > uintptr(int(^uint(0)>>1)) {
		return Region{}, errors.Wrapf(ErrReserve, "size %d with alignment %d overflows", size, align)
	}

	m.mu.Lock()
	raw, err := m.mem.UnsafeMalloc(int(total))
	m.mu.Unlock()
	if err != nil {
		return Region{}, errors.Mark(errors.Wrapf(err, "reserve %d bytes", total), ErrReserve)
	}
	pad := layout.AlignUp(uintptr(raw), align) - uintptr(raw)
	return Region{
		Base:      unsafe.Add(raw, pad),
		Size:      size,
		Committed: true,
		raw:       raw,
	}, nil
}

func (m *manualProvider) Commit(r Region, off, n uintptr) (bool, error) {
	return false, checkRange(r, off, n)
}

func (m *manualProvider) Decommit(r Region, off, n uintptr) error {
	return checkRange(r, off, n)
}

func (m *manualProvider) Release(r Region) error {
	if r.raw == nil {
		return errors.Wrapf(ErrRange, "region at %#x was not reserved by this provider", r.Addr())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem.UnsafeFree(r.raw)
}
