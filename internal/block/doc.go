// Package block implements a single-goroutine free-space allocator over one
// contiguous byte range: segregated LIFO lists for small size classes and an
// address-ordered red-black tree, augmented with per-subtree maximum free
// size, for everything larger. Free-space bookkeeping lives inside the free
// memory itself; allocated blocks carry an intrusive header and a back-offset
// trailer immediately below the user pointer.
//
// The allocator is not safe for concurrent use. Callers serialize access
// externally (one mutex per shard).
package block
