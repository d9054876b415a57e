// Package osmem is the raw virtual-memory provider underneath the allocator.
// It hands out aligned address-space reservations and commits or decommits
// ranges inside them. The allocator never touches the OS directly.
package osmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

var (
	// ErrReserve is returned when the provider cannot reserve address space.
	ErrReserve = errors.New("osmem: reserve failed")

	// ErrCommit is returned when a range cannot be made accessible.
	ErrCommit = errors.New("osmem: commit failed")

	// ErrLimit is returned by a Limit provider once its budget is exhausted.
	ErrLimit = errors.New("osmem: reservation limit reached")

	// ErrRange is returned for commit/decommit ranges outside the region.
	ErrRange = errors.New("osmem: range outside region")
)

// Region is one reservation handed out by a Provider.
type Region struct {
	Base unsafe.Pointer
	Size uintptr

	// Committed reports that the whole region was committed at reserve time.
	Committed bool
	// Pinned regions can never be decommitted (large OS pages, for example).
	Pinned bool
	// Large reports that the region is backed by large OS pages.
	Large bool

	keep []byte         // Go-heap backing, nil for OS mappings
	raw  unsafe.Pointer // manual-provider allocation the region was cut from
}

// Addr returns the base address of the region.
func (r Region) Addr() uintptr { return uintptr(r.Base) }

// Contains reports whether [off, off+n) lies inside the region.
func (r Region) Contains(off, n uintptr) bool {
	return off <= r.Size && n <= r.Size-off
}

// Provider is the narrow interface the allocator consumes.
type Provider interface {
	// PageSize returns the OS page size.
	PageSize() uintptr
	// Reserve returns size bytes of address space aligned to align (a power of
	// two). When commit is true the memory is immediately accessible.
	Reserve(size, align uintptr, commit bool) (Region, error)
	// Commit makes [off, off+n) of r accessible. isZero reports whether the
	// range is known to read as zero.
	Commit(r Region, off, n uintptr) (isZero bool, err error)
	// Decommit releases the physical backing of [off, off+n) of r.
	Decommit(r Region, off, n uintptr) error
	// Release returns the whole region.
	Release(r Region) error
}

// PageSize returns the page size of the default provider.
func PageSize() uintptr { return Default().PageSize() }

// limited wraps a Provider with a cap on reserved bytes.
type limited struct {
	Provider
	max      uintptr
	reserved atomic.Uintptr
}

// Limit returns a Provider that fails reservations with ErrLimit once more
// than max bytes would be outstanding. Released regions return their budget.
func Limit(p Provider, max uintptr) Provider {
	return &limited{Provider: p, max: max}
}

func (l *limited) Reserve(size, align uintptr, commit bool) (Region, error) {
	for {
		cur := l.reserved.Load()
		if size > l.max || cur > l.max-size {
			return Region{}, errors.Wrapf(ErrLimit, "reserve %d bytes with %d of %d in use", size, cur, l.max)
		}
		if l.reserved.CompareAndSwap(cur, cur+size) {
			break
		}
	}
	r, err := l.Provider.Reserve(size, align, commit)
	if err != nil {
		l.reserved.Add(^(size - 1))
		return Region{}, err
	}
	if r.Size > size {
		l.reserved.Add(r.Size - size)
	}
	return r, nil
}

func (l *limited) Release(r Region) error {
	err := l.Provider.Release(r)
	l.reserved.Add(^(r.Size - 1))
	return err
}

// Reserved reports the bytes currently reserved through a Limit provider, or
// 0 for any other provider.
func Reserved(p Provider) uintptr {
	if l, ok := p.(*limited); ok {
		return l.reserved.Load()
	}
	return 0
}

func checkRange(r Region, off, n uintptr) error {
	if !r.Contains(off, n) {
		return errors.Wrapf(ErrRange, "[%d, +%d) of %d", off, n, r.Size)
	}
	return nil
}
