package memviz

import (
	"errors"
	"fmt"

	"github.com/memviz/memviz/internal/block"
)

var (
	// ErrResourceUnavailable is returned when the operating system refuses
	// the arena mapping at creation.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrOutOfMemory is recorded when no free block satisfies a request.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidAlignment is recorded when an alignment is zero or not a
	// power of two.
	ErrInvalidAlignment = errors.New("invalid alignment")

	// ErrBadPointer is recorded when a deallocation pointer is not owned by
	// the arena or its header fails validation.
	ErrBadPointer = errors.New("bad pointer")

	// ErrClosed is recorded when an operation reaches a stopped arena.
	ErrClosed = errors.New("arena is closed")
)

// translateError normalizes internal allocator errors into the facade's
// taxonomy. The original error remains reachable via errors.Is and
// errors.As.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, block.ErrOutOfMemory):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, block.ErrInvalidAlignment):
		return fmt.Errorf("%w: %w", ErrInvalidAlignment, err)
	case errors.Is(err, block.ErrBadPointer):
		return fmt.Errorf("%w: %w", ErrBadPointer, err)
	default:
		return err
	}
}
