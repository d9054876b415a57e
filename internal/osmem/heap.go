package osmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/layout"
)

const heapPageSize = 4096

// heapProvider backs regions with ordinary Go byte slices. It is used where
// anonymous mappings are unavailable and in tests that want to avoid
// touching the OS. Decommit zeroes the range, so recommitted memory always
// reads as zero like a fresh mapping would.
type heapProvider struct{}

// NewHeapProvider returns a Provider backed by the Go heap.
func NewHeapProvider() Provider { return heapProvider{} }

func (heapProvider) PageSize() uintptr { return heapPageSize }

func (heapProvider) Reserve(size, align uintptr, _ bool) (Region, error) {
	if size == 0 {
		return Region{}, errors.Wrap(ErrReserve, "zero-sized reservation")
	}
	if align < heapPageSize {
		align = heapPageSize
	}
	total := size + align
	if total < size || total > uintptr(int(^uint(0)>>1)) {
		return Region{}, errors.Wrapf(ErrReserve, "size %d with alignment %d overflows", size, align)
	}
	mem := make([]byte, total)
	base := unsafe.Pointer(unsafe.SliceData(mem))
	pad := layout.AlignUp(uintptr(base), align) - uintptr(base)
	return Region{
		Base:      unsafe.Add(base, pad),
		Size:      size,
		Committed: true,
		keep:      mem,
	}, nil
}

func (heapProvider) Commit(r Region, off, n uintptr) (bool, error) {
	if err := checkRange(r, off, n); err != nil {
		return false, err
	}
	return true, nil
}

func (heapProvider) Decommit(r Region, off, n uintptr) error {
	if err := checkRange(r, off, n); err != nil {
		return err
	}
	clear(unsafe.Slice((*byte)(unsafe.Add(r.Base, off)), n))
	return nil
}

func (heapProvider) Release(r Region) error {
	return nil
}
