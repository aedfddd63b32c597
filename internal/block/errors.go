package block

import "errors"

var (
	// ErrOutOfMemory is returned when no free block satisfies a request.
	ErrOutOfMemory = errors.New("block: out of memory")
	// ErrInvalidAlignment is returned when alignment is zero or not a power of two.
	ErrInvalidAlignment = errors.New("block: invalid alignment (must be a power of 2)")
	// ErrBadPointer is returned when a deallocation offset is not owned by
	// this allocator or its header fails validation.
	ErrBadPointer = errors.New("block: pointer not owned by this allocator")
	// ErrInvalidCapacity is returned when the backing range is too small or
	// not quantum-aligned.
	ErrInvalidCapacity = errors.New("block: invalid capacity")
)
