package sizeclass

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/layout"
)

// ErrInvalidGeometry is returned by Geometry.Validate and NewTable.
var ErrInvalidGeometry = errors.New("sizeclass: invalid geometry")

const (
	// MinSegmentShift is the smallest segment size (log2) a geometry may use.
	// The allocator's pointer-to-segment map is indexed at this granularity.
	MinSegmentShift = 22

	// MaxSegmentSlices bounds the slice table of a normal segment.
	MaxSegmentSlices = 1024

	// SmallWSizeMax is the largest word count served through a heap's
	// direct lookup table.
	SmallWSizeMax = 128

	// maxMediumWSize is the bound past which the bin formula would need
	// more than 8-bit bin indices.
	maxMediumWSize = 655360
)

// Geometry is the platform tuning of the allocator: slice and segment
// sizes, page sizes per object class, and the minimum block alignment.
// Everything else (object-size thresholds, the HUGE bin) is derived.
type Geometry struct {
	// Name for this configuration (for reports)
	Name string

	SliceShift       uint    // log2 of the slice size
	SegmentSlices    int     // slices per normal segment
	SmallPageSlices  int     // slices per small page
	MediumPageSlices int     // slices per medium page
	MaxAlignSize     uintptr // natural alignment of every block (one or two words)
}

// Predefined geometries.
var (
	// GeometryDefault: 64KiB slices, 64MiB segments, 64KiB small pages and
	// 512KiB medium pages, 16-byte alignment on 64-bit.
	GeometryDefault = Geometry{
		Name:             "Default",
		SliceShift:       uint(13 + layout.WordShift),
		SegmentSlices:    1024,
		SmallPageSlices:  1,
		MediumPageSlices: 8,
		MaxAlignSize:     2 * layout.WordSize,
	}

	// GeometryCompact: 32KiB slices and 4MiB segments, for small address
	// spaces and tests that want many segments.
	GeometryCompact = Geometry{
		Name:             "Compact",
		SliceShift:       15,
		SegmentSlices:    128,
		SmallPageSlices:  1,
		MediumPageSlices: 8,
		MaxAlignSize:     2 * layout.WordSize,
	}

	// DefaultGeometry is used when none is specified.
	DefaultGeometry = GeometryDefault
)

// SliceSize returns the size of one slice in bytes.
func (g Geometry) SliceSize() uintptr { return 1 << g.SliceShift }

// SegmentSize returns the size of a normal segment in bytes.
func (g Geometry) SegmentSize() uintptr { return uintptr(g.SegmentSlices) << g.SliceShift }

// SmallPageSize returns the size of a small page in bytes.
func (g Geometry) SmallPageSize() uintptr { return uintptr(g.SmallPageSlices) << g.SliceShift }

// MediumPageSize returns the size of a medium page in bytes.
func (g Geometry) MediumPageSize() uintptr { return uintptr(g.MediumPageSlices) << g.SliceShift }

// SmallObjSizeMax is the largest block placed on a small page.
func (g Geometry) SmallObjSizeMax() uintptr { return g.SmallPageSize() / 4 }

// MediumObjSizeMax is the largest block served by a regular bin.
func (g Geometry) MediumObjSizeMax() uintptr { return g.MediumPageSize() / 4 }

// MediumObjWSizeMax is MediumObjSizeMax in words.
func (g Geometry) MediumObjWSizeMax() uintptr { return g.MediumObjSizeMax() / layout.WordSize }

// LargeObjSizeMax is the largest single-block page carved from a normal
// segment; anything bigger gets a dedicated huge segment.
func (g Geometry) LargeObjSizeMax() uintptr { return g.SegmentSize() / 2 }

// Validate checks the derived constants for consistency.
func (g Geometry) Validate() error {
	if g.SliceShift < 12 || g.SliceShift > 30 {
		return errors.Wrapf(ErrInvalidGeometry, "%s: slice shift %d outside [12, 30]", g.Name, g.SliceShift)
	}
	if g.SegmentSlices < 64 || g.SegmentSlices > MaxSegmentSlices || !layout.IsPowerOfTwo(uintptr(g.SegmentSlices)) {
		return errors.Wrapf(ErrInvalidGeometry, "%s: %d slices per segment, want a power of two in [64, %d]",
			g.Name, g.SegmentSlices, MaxSegmentSlices)
	}
	if g.SegmentSize() < 1<<MinSegmentShift {
		return errors.Wrapf(ErrInvalidGeometry, "%s: segment size %d below %d", g.Name, g.SegmentSize(), uintptr(1)<<MinSegmentShift)
	}
	if g.SmallPageSlices < 1 || g.MediumPageSlices < g.SmallPageSlices || g.MediumPageSlices > g.SegmentSlices {
		return errors.Wrapf(ErrInvalidGeometry, "%s: page slices small=%d medium=%d", g.Name, g.SmallPageSlices, g.MediumPageSlices)
	}
	if !layout.IsPowerOfTwo(uintptr(g.SmallPageSlices)) || !layout.IsPowerOfTwo(uintptr(g.MediumPageSlices)) {
		return errors.Wrapf(ErrInvalidGeometry, "%s: page slice counts must be powers of two", g.Name)
	}
	if g.MaxAlignSize != layout.WordSize && g.MaxAlignSize != 2*layout.WordSize {
		return errors.Wrapf(ErrInvalidGeometry, "%s: max alignment %d must be one or two words", g.Name, g.MaxAlignSize)
	}
	if g.MediumObjWSizeMax() >= maxMediumWSize {
		return errors.Wrapf(ErrInvalidGeometry, "%s: medium object word size %d needs more bins", g.Name, g.MediumObjWSizeMax())
	}
	if g.SmallObjSizeMax() < SmallWSizeMax*layout.WordSize {
		return errors.Wrapf(ErrInvalidGeometry, "%s: small pages too small for the direct table", g.Name)
	}
	return nil
}
