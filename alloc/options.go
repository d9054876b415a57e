package alloc

import (
	"os"
	"strconv"
	"time"

	"github.com/joshuapare/heapkit/internal/osmem"
	"github.com/joshuapare/heapkit/sizeclass"
)

// Options configures an Allocator. The zero value is usable: missing fields
// fall back to DefaultOptions.
type Options struct {
	// Geometry sets slice, segment and page sizes. Default: sizeclass.DefaultGeometry
	Geometry sizeclass.Geometry
	// Provider supplies raw memory. Default: osmem.Default()
	Provider osmem.Provider

	// Stats enables the statistics sink. When false every event is dropped.
	Stats bool

	// Padding appends a {canary, delta} trailer to every block and checks it
	// on free.
	Padding bool
	// DebugFill fills fresh blocks with 0xD0 and freed blocks with 0xDF.
	DebugFill bool
	// Verify enables double-free detection and validation on slow paths. With
	// DebugFill it also reports writes into freed blocks when they are reused.
	Verify bool

	// EncodeFreeLists stores free-list links xor/rotated with per-page keys.
	EncodeFreeLists bool
	// RandomizeFreeLists shuffles blocks when a page's free list is extended.
	RandomizeFreeLists bool

	// EagerCommit commits whole segments at reserve time.
	EagerCommit bool
	// AllowDecommit lets freed spans be decommitted.
	AllowDecommit bool
	// DecommitDelay defers decommit of freed spans; 0 decommits immediately.
	DecommitDelay time.Duration

	// MaxSegmentReclaim bounds how many abandoned segments one allocation may
	// visit. Clamped to [8, 1024].
	MaxSegmentReclaim int
	// NoReclaim stops heaps from reclaiming abandoned segments.
	NoReclaim bool
}

// DefaultOptions returns the release configuration.
func DefaultOptions() Options {
	return Options{
		Geometry:          sizeclass.DefaultGeometry,
		Provider:          osmem.Default(),
		Stats:             true,
		AllowDecommit:     true,
		DecommitDelay:     25 * time.Millisecond,
		MaxSegmentReclaim: 8,
	}
}

// DebugOptions returns DefaultOptions with every consistency check on.
func DebugOptions() Options {
	o := DefaultOptions()
	o.Padding = true
	o.DebugFill = true
	o.Verify = true
	return o
}

// Environment variables read by OptionsFromEnv.
const (
	EnvPadding       = "HEAPKIT_PADDING"
	EnvVerify        = "HEAPKIT_VERIFY"
	EnvSecure        = "HEAPKIT_SECURE"
	EnvEagerCommit   = "HEAPKIT_EAGER_COMMIT"
	EnvDecommitDelay = "HEAPKIT_DECOMMIT_DELAY"
	EnvNoReclaim     = "HEAPKIT_NO_RECLAIM"
)

// OptionsFromEnv overlays HEAPKIT_* environment variables on base.
// Booleans accept anything strconv.ParseBool does; the delay accepts a
// time.Duration string or a plain number of milliseconds. Unparsable values
// are ignored.
func OptionsFromEnv(base Options) Options {
	o := base
	envBool(EnvPadding, &o.Padding)
	envBool(EnvEagerCommit, &o.EagerCommit)
	envBool(EnvNoReclaim, &o.NoReclaim)
	if envBool(EnvVerify, &o.Verify) && o.Verify {
		o.DebugFill = true
	}
	var secure bool
	if envBool(EnvSecure, &secure) {
		o.EncodeFreeLists = secure
		o.RandomizeFreeLists = secure
	}
	if v := os.Getenv(EnvDecommitDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			o.DecommitDelay = d
		} else if ms, err := strconv.Atoi(v); err == nil {
			o.DecommitDelay = time.Duration(ms) * time.Millisecond
		}
	}
	return o
}

func envBool(name string, dst *bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	*dst = b
	return true
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.Geometry == (sizeclass.Geometry{}) {
		o.Geometry = sizeclass.DefaultGeometry
	}
	if o.Provider == nil {
		o.Provider = osmem.Default()
	}
	o.MaxSegmentReclaim = min(max(o.MaxSegmentReclaim, 8), 1024)
	if o.DecommitDelay < 0 {
		o.DecommitDelay = 0
	}
	return o
}
