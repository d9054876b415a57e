package alloc

import (
	"github.com/cockroachdb/errors"

	"github.com/joshuapare/heapkit/internal/logger"
)

var (
	// ErrOutOfMemory indicates the raw provider could not supply a segment or
	// could not commit memory for a page.
	ErrOutOfMemory = errors.New("alloc: out of memory")

	// ErrTooLarge indicates a request above the largest supported size.
	ErrTooLarge = errors.New("alloc: request too large")

	// ErrInvalidAlignment indicates an alignment that is zero, not a power of
	// two, or above the supported maximum.
	ErrInvalidAlignment = errors.New("alloc: invalid alignment")

	// ErrThreadClosed indicates use of a thread context after Deinit.
	ErrThreadClosed = errors.New("alloc: thread context closed")
)

// outOfMemory marks err as ErrOutOfMemory while keeping its chain.
func outOfMemory(err error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrOutOfMemory)
}

// invariantViolation reports internal corruption and aborts. Continuing
// after a broken free list or delayed-free state would spread the damage to
// other threads.
func invariantViolation(format string, args ...any) {
	err := errors.AssertionFailedf(format, args...)
	logger.Error("alloc: invariant violation", "error", err)
	panic(err)
}
