//go:build unix

package osmem

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/joshuapare/heapkit/internal/layout"
)

// mmapProvider reserves PROT_NONE anonymous mappings and commits ranges by
// flipping them to read/write. Decommit drops the pages with MADV_DONTNEED
// and makes the range inaccessible again.
type mmapProvider struct {
	pageSize uintptr
}

var defaultProvider Provider = &mmapProvider{pageSize: uintptr(unix.Getpagesize())}

// Default returns the platform provider (anonymous mmap on unix).
func Default() Provider { return defaultProvider }

// NewMmapProvider returns the anonymous-mapping provider.
func NewMmapProvider() Provider { return defaultProvider }

func (m *mmapProvider) PageSize() uintptr { return m.pageSize }

func (m *mmapProvider) Reserve(size, align uintptr, commit bool) (Region, error) {
	if size == 0 {
		return Region{}, errors.Wrap(ErrReserve, "zero-sized reservation")
	}
	size = layout.AlignUp(size, m.pageSize)
	if align < m.pageSize {
		align = m.pageSize
	}
	prot := unix.PROT_NONE
	if commit {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}

	// Over-reserve by the alignment and trim both ends.
	total := size + align - m.pageSize
	if total < size {
		return Region{}, errors.Wrapf(ErrReserve, "size %d with alignment %d overflows", size, align)
	}
	p, err := unix.MmapPtr(-1, 0, nil, total, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return Region{}, errors.Mark(errors.Wrapf(err, "mmap %d bytes", total), ErrReserve)
	}
	pad := layout.AlignUp(uintptr(p), align) - uintptr(p)
	if pad > 0 {
		if err := unix.MunmapPtr(p, pad); err != nil {
			return Region{}, errors.Wrap(err, "trim mapping head")
		}
	}
	base := unsafe.Add(p, pad)
	if tail := total - pad - size; tail > 0 {
		if err := unix.MunmapPtr(unsafe.Add(base, size), tail); err != nil {
			return Region{}, errors.Wrap(err, "trim mapping tail")
		}
	}
	return Region{Base: base, Size: size, Committed: commit}, nil
}

func (m *mmapProvider) Commit(r Region, off, n uintptr) (bool, error) {
	if err := checkRange(r, off, n); err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	if err := unix.Mprotect(bytesAt(r, off, n), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return false, errors.Mark(errors.Wrapf(err, "mprotect [%d, +%d)", off, n), ErrCommit)
	}
	// Linux guarantees zero pages after MADV_DONTNEED on private anonymous
	// memory; other kernels may hand back the old contents.
	return runtime.GOOS == "linux", nil
}

func (m *mmapProvider) Decommit(r Region, off, n uintptr) error {
	if err := checkRange(r, off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	b := bytesAt(r, off, n)
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return errors.Wrapf(err, "madvise [%d, +%d)", off, n)
	}
	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return errors.Wrapf(err, "mprotect none [%d, +%d)", off, n)
	}
	return nil
}

func (m *mmapProvider) Release(r Region) error {
	if r.Base == nil {
		return nil
	}
	err := unix.MunmapPtr(r.Base, r.Size)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}

func bytesAt(r Region, off, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(r.Base, off)), n)
}
