// Package shard partitions a mapped arena into fixed, equal sub-ranges,
// each owning its own block allocator behind its own mutex. Allocation and
// deallocation take exactly one shard lock; no operation holds two.
package shard

import (
	"errors"
	"sync"

	"github.com/memviz/memviz/internal/block"
	"github.com/memviz/memviz/internal/mmap"
)

// MaxShards bounds the shard count.
const MaxShards = 256

var (
	// ErrInvalidShardCount is returned when the count is not a power of two
	// in [1, MaxShards] or the per-shard range would be too small.
	ErrInvalidShardCount = errors.New("shard: invalid shard count")
	// ErrOffsetOutOfRange is returned when an offset falls outside the arena.
	ErrOffsetOutOfRange = errors.New("shard: offset out of range")
)

// Shard is one sub-range of the arena. The embedded mutex guards the
// allocator; callers lock around every allocator call.
type Shard struct {
	sync.Mutex

	index int
	base  uint64 // offset of this shard's range from the arena base
	alloc *block.Allocator
}

// Index returns the shard's position in the set.
func (s *Shard) Index() int { return s.index }

// Base returns the shard's byte offset from the arena base.
func (s *Shard) Base() uint64 { return s.base }

// Allocator returns the shard's block allocator. Callers must hold the
// shard lock.
func (s *Shard) Allocator() *block.Allocator { return s.alloc }

// Set owns the shards covering one mapping. Shards never move and jointly
// cover the mapped range.
type Set struct {
	shards   []*Shard
	shardCap uint64
}

// NewSet partitions m into count equal shards. Count must be a power of two
// no greater than MaxShards, and each shard must satisfy the allocator's
// minimum capacity.
func NewSet(m *mmap.Mapping, count int) (*Set, error) {
	if count < 1 || count > MaxShards || count&(count-1) != 0 {
		return nil, ErrInvalidShardCount
	}
	shardCap := m.Size() / count
	if shardCap < block.MinCapacity || shardCap%block.Quantum != 0 {
		return nil, ErrInvalidShardCount
	}

	s := &Set{
		shards:   make([]*Shard, count),
		shardCap: uint64(shardCap),
	}
	for i := range s.shards {
		r, err := m.Region(i*shardCap, shardCap)
		if err != nil {
			return nil, err
		}
		alloc, err := block.New(r.Bytes())
		if err != nil {
			return nil, err
		}
		s.shards[i] = &Shard{
			index: i,
			base:  uint64(i) * uint64(shardCap),
			alloc: alloc,
		}
	}
	return s, nil
}

// Len returns the number of shards.
func (s *Set) Len() int { return len(s.shards) }

// ShardCapacity returns the per-shard range size in bytes.
func (s *Set) ShardCapacity() uint64 { return s.shardCap }

// Shard returns the shard at index i.
func (s *Set) Shard(i int) *Shard { return s.shards[i] }

// ShardForOffset locates the shard owning the arena offset.
func (s *Set) ShardForOffset(off uint64) (*Shard, error) {
	i := off / s.shardCap
	if i >= uint64(len(s.shards)) {
		return nil, ErrOffsetOutOfRange
	}
	return s.shards[i], nil
}

// BytesAllocated sums allocated bytes across all shards. Each shard is
// locked in turn; the sum is not globally atomic.
func (s *Set) BytesAllocated() uint64 {
	var total uint64
	for _, sh := range s.shards {
		sh.Lock()
		total += sh.alloc.BytesAllocated()
		sh.Unlock()
	}
	return total
}

// BytesFree sums free bytes across all shards.
func (s *Set) BytesFree() uint64 {
	var total uint64
	for _, sh := range s.shards {
		sh.Lock()
		total += sh.alloc.BytesFree()
		sh.Unlock()
	}
	return total
}

// FreeBlockCount sums free blocks across all shards.
func (s *Set) FreeBlockCount() uint64 {
	var total uint64
	for _, sh := range s.shards {
		sh.Lock()
		total += sh.alloc.FreeBlockCount()
		sh.Unlock()
	}
	return total
}

// LargestFreeBlock returns the largest contiguous free block in any shard.
func (s *Set) LargestFreeBlock() uint64 {
	var largest uint64
	for _, sh := range s.shards {
		sh.Lock()
		if l := sh.alloc.LargestFreeBlock(); l > largest {
			largest = l
		}
		sh.Unlock()
	}
	return largest
}
