package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memviz/memviz/internal/mmap"
)

func newSet(t *testing.T, capacity, count int) *Set {
	t.Helper()
	m, err := mmap.MapAnon(capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	s, err := NewSet(m, count)
	require.NoError(t, err)
	return s
}

func TestNewSetPartitionsEvenly(t *testing.T) {
	s := newSet(t, 64<<10, 4)
	assert.Equal(t, 4, s.Len())
	assert.EqualValues(t, 16<<10, s.ShardCapacity())

	for i := 0; i < s.Len(); i++ {
		sh := s.Shard(i)
		assert.Equal(t, i, sh.Index())
		assert.Equal(t, uint64(i)*s.ShardCapacity(), sh.Base())
		assert.EqualValues(t, s.ShardCapacity(), sh.Allocator().Capacity())
	}
}

func TestNewSetRejectsBadCounts(t *testing.T) {
	m, err := mmap.MapAnon(64 << 10)
	require.NoError(t, err)
	defer m.Close()

	for _, count := range []int{0, -1, 3, 6, MaxShards * 2} {
		_, err := NewSet(m, count)
		assert.ErrorIs(t, err, ErrInvalidShardCount, "count %d", count)
	}
}

func TestNewSetRejectsTinyShards(t *testing.T) {
	m, err := mmap.MapAnon(4096)
	require.NoError(t, err)
	defer m.Close()

	// 4096/256 = 16 bytes per shard, far below the allocator minimum.
	_, err = NewSet(m, 256)
	assert.ErrorIs(t, err, ErrInvalidShardCount)
}

func TestShardForOffset(t *testing.T) {
	s := newSet(t, 64<<10, 4)
	cap := s.ShardCapacity()

	for i := 0; i < 4; i++ {
		sh, err := s.ShardForOffset(uint64(i)*cap + cap/2)
		require.NoError(t, err)
		assert.Equal(t, i, sh.Index())
	}

	_, err := s.ShardForOffset(4 * cap)
	assert.ErrorIs(t, err, ErrOffsetOutOfRange)
}

func TestAggregateStats(t *testing.T) {
	s := newSet(t, 64<<10, 4)

	assert.EqualValues(t, 0, s.BytesAllocated())
	assert.EqualValues(t, 64<<10, s.BytesFree())
	assert.EqualValues(t, 4, s.FreeBlockCount())
	assert.Equal(t, s.ShardCapacity(), s.LargestFreeBlock())

	sh := s.Shard(2)
	sh.Lock()
	res, err := sh.Allocator().Allocate(1024, 16, "x")
	sh.Unlock()
	require.NoError(t, err)

	assert.Equal(t, res.ActualSize, s.BytesAllocated())
	assert.EqualValues(t, 64<<10, s.BytesAllocated()+s.BytesFree())
}
