package block

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memviz/memviz/internal/mmap"
)

func newTestAllocator(t *testing.T, capacity int) *Allocator {
	t.Helper()
	m, err := mmap.MapAnon(capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	a, err := New(m.Bytes()[:capacity])
	require.NoError(t, err)
	return a
}

func TestNewRejectsBadRanges(t *testing.T) {
	m, err := mmap.MapAnon(4096)
	require.NoError(t, err)
	defer m.Close()

	_, err = New(m.Bytes()[:128]) // below MinCapacity
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(m.Bytes()[:1000]) // not a quantum multiple
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	_, err = New(m.Bytes()[8:520]) // misaligned base
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestNewStartsFullyFree(t *testing.T) {
	a := newTestAllocator(t, 64<<10)
	assert.EqualValues(t, 64<<10, a.Capacity())
	assert.EqualValues(t, 0, a.BytesAllocated())
	assert.EqualValues(t, 64<<10, a.BytesFree())
	assert.EqualValues(t, 1, a.FreeBlockCount())
	assert.EqualValues(t, 64<<10, a.LargestFreeBlock())
	assert.EqualValues(t, 0, a.FragmentationPct())
	require.NoError(t, a.Validate())
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	res, err := a.Allocate(128, 16, "a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.ActualSize, uint64(128))
	assert.Zero(t, res.Offset%16)
	assert.Equal(t, res.ActualSize, a.BytesAllocated())
	require.NoError(t, a.Validate())

	mustFree(t, a, res.Offset)
	assert.EqualValues(t, 0, a.BytesAllocated())
	assert.EqualValues(t, 1, a.FreeBlockCount())
	assert.EqualValues(t, a.Capacity(), a.LargestFreeBlock())
	require.NoError(t, a.Validate())
}

func TestCoalescingRestoresSingleBlock(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	ra, err := a.Allocate(128, 16, "a")
	require.NoError(t, err)
	rb, err := a.Allocate(128, 16, "b")
	require.NoError(t, err)

	mustFree(t, a, ra.Offset)
	require.NoError(t, a.Validate())
	mustFree(t, a, rb.Offset)
	require.NoError(t, a.Validate())

	assert.EqualValues(t, 0, a.BytesAllocated())
	assert.EqualValues(t, 1, a.FreeBlockCount())
	assert.EqualValues(t, a.Capacity(), a.LargestFreeBlock())
}

func TestZeroSizeYieldsUsableByte(t *testing.T) {
	a := newTestAllocator(t, 4096)

	res, err := a.Allocate(0, 16, "zero")
	require.NoError(t, err)
	assert.Greater(t, res.ActualSize, uint64(0))

	// At least one byte is usable and writable.
	a.buf[res.Offset] = 0xFF
	mustFree(t, a, res.Offset)
	require.NoError(t, a.Validate())
}

func TestInvalidAlignment(t *testing.T) {
	a := newTestAllocator(t, 4096)

	for _, align := range []uint64{0, 3, 6, 24} {
		_, err := a.Allocate(64, align, "bad")
		assert.ErrorIs(t, err, ErrInvalidAlignment, "alignment %d", align)
	}
	assert.EqualValues(t, 0, a.BytesAllocated())
	assert.EqualValues(t, 1, a.FreeBlockCount())
}

func TestOversizeRequestLeavesStateUntouched(t *testing.T) {
	a := newTestAllocator(t, 4096)

	_, err := a.Allocate(a.Capacity()+1, 16, "huge")
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.EqualValues(t, 0, a.BytesAllocated())
	assert.EqualValues(t, 1, a.FreeBlockCount())
	require.NoError(t, a.Validate())
}

func TestAlignmentHonored(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	res, err := a.Allocate(512, 64, "x")
	require.NoError(t, err)
	assert.Zero(t, res.Offset%64)
	assert.GreaterOrEqual(t, res.ActualSize, uint64(512))
	require.NoError(t, a.Validate())

	res2, err := a.Allocate(64, 256, "y")
	require.NoError(t, err)
	assert.Zero(t, res2.Offset%256)
	require.NoError(t, a.Validate())
}

func TestBadPointerDeallocations(t *testing.T) {
	a := newTestAllocator(t, 4096)

	assert.ErrorIs(t, freeErr(a, 0), ErrBadPointer)
	assert.ErrorIs(t, freeErr(a, a.Capacity()), ErrBadPointer)
	assert.ErrorIs(t, freeErr(a, a.Capacity()+100), ErrBadPointer)

	res, err := a.Allocate(100, 16, "x")
	require.NoError(t, err)

	// Interior pointer: the zeroed payload yields a bogus back-offset.
	assert.ErrorIs(t, freeErr(a, res.Offset+16), ErrBadPointer)

	mustFree(t, a, res.Offset)
	// Double free: the header magic is gone.
	assert.ErrorIs(t, freeErr(a, res.Offset), ErrBadPointer)
	require.NoError(t, a.Validate())
}

func TestSmallClassReuse(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	// 64-byte payloads land in the largest small class.
	offs := make([]uint64, 20)
	for i := range offs {
		res, err := a.Allocate(64, 16, "s")
		require.NoError(t, err)
		offs[i] = res.Offset
	}

	freed := make(map[uint64]bool)
	for i := 0; i < len(offs); i += 2 {
		mustFree(t, a, offs[i])
		freed[offs[i]] = true
	}
	require.NoError(t, a.Validate())

	// 10 list holes plus the unconsumed tail.
	assert.EqualValues(t, 11, a.FreeBlockCount())

	// The next same-sized allocation reuses one of the holes.
	res, err := a.Allocate(64, 16, "again")
	require.NoError(t, err)
	assert.True(t, freed[res.Offset], "offset %d is not a freed hole", res.Offset)
	require.NoError(t, a.Validate())
}

func TestFirstFitReturnsLowestAddress(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	// 256-byte payloads go through the tree.
	offs := make([]uint64, 10)
	for i := range offs {
		res, err := a.Allocate(256, 16, "t")
		require.NoError(t, err)
		offs[i] = res.Offset
	}

	// Free three non-adjacent blocks; the allocated neighbours prevent
	// coalescing between them.
	for _, i := range []int{7, 5, 2} {
		mustFree(t, a, offs[i])
	}
	require.NoError(t, a.Validate())

	res, err := a.Allocate(256, 16, "refill")
	require.NoError(t, err)
	assert.Equal(t, offs[2], res.Offset, "expected the lowest-address hole")
}

func TestFirstFitSkipsTooSmallHoles(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	offs := make([]uint64, 10)
	for i := range offs {
		res, err := a.Allocate(256, 16, "t")
		require.NoError(t, err)
		offs[i] = res.Offset
	}

	// One small hole low, one double-width (coalesced) hole higher up.
	mustFree(t, a, offs[2])
	mustFree(t, a, offs[5])
	mustFree(t, a, offs[6])
	require.NoError(t, a.Validate())

	// 512 bytes only fits the coalesced hole.
	res, err := a.Allocate(512, 16, "big")
	require.NoError(t, err)
	assert.Equal(t, offs[5], res.Offset)
	require.NoError(t, a.Validate())
}

func TestFillFreeRefill(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	var offs []uint64
	for {
		res, err := a.Allocate(128, 16, "fill")
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		offs = append(offs, res.Offset)
	}
	require.NotEmpty(t, offs)

	for _, off := range offs {
		mustFree(t, a, off)
	}
	require.NoError(t, a.Validate())
	assert.EqualValues(t, 0, a.BytesAllocated())

	// Full coalescence modulo trailing small-class debris.
	largest := a.LargestFreeBlock()
	debris := a.BytesFree() - largest
	assert.Less(t, debris, uint64(maxSmall+1))

	res, err := a.Allocate(largest-Overhead, 16, "big")
	require.NoError(t, err)
	assert.EqualValues(t, largest, res.ActualSize)
	mustFree(t, a, res.Offset)
	require.NoError(t, a.Validate())
}

func TestZeroOnAllocate(t *testing.T) {
	a := newTestAllocator(t, 64<<10)

	res, err := a.Allocate(512, 16, "junk")
	require.NoError(t, err)
	for i := uint64(0); i < 512; i++ {
		a.buf[res.Offset+i] = 0xCD
	}
	mustFree(t, a, res.Offset)

	res2, err := a.Allocate(512, 16, "clean")
	require.NoError(t, err)
	for i := uint64(0); i < 512; i++ {
		require.EqualValues(t, 0, a.buf[res2.Offset+i], "byte %d not zeroed", i)
	}
}

func TestRandomChurnKeepsInvariants(t *testing.T) {
	a := newTestAllocator(t, 256<<10)
	rng := rand.New(rand.NewSource(42))

	aligns := []uint64{1, 8, 16, 32, 64, 128}
	type live struct {
		off  uint64
		span uint64
	}
	var blocks []live
	var allocated uint64

	for op := 0; op < 4000; op++ {
		if len(blocks) == 0 || rng.Intn(100) < 55 {
			size := uint64(1 + rng.Intn(2000))
			align := aligns[rng.Intn(len(aligns))]
			res, err := a.Allocate(size, align, "churn")
			if err != nil {
				require.ErrorIs(t, err, ErrOutOfMemory)
				continue
			}
			assert.Zero(t, res.Offset%align)
			blocks = append(blocks, live{res.Offset, res.ActualSize})
			allocated += res.ActualSize
		} else {
			i := rng.Intn(len(blocks))
			mustFree(t, a, blocks[i].off)
			allocated -= blocks[i].span
			blocks[i] = blocks[len(blocks)-1]
			blocks = blocks[:len(blocks)-1]
		}
		require.Equal(t, allocated, a.BytesAllocated())
		if op%64 == 0 {
			require.NoError(t, a.Validate())
		}
	}

	for _, b := range blocks {
		mustFree(t, a, b.off)
	}
	assert.EqualValues(t, 0, a.BytesAllocated())
	require.NoError(t, a.Validate())
}

func TestFragmentationPct(t *testing.T) {
	a := newTestAllocator(t, 64<<10)
	assert.EqualValues(t, 0, a.FragmentationPct())

	offs := make([]uint64, 8)
	for i := range offs {
		res, err := a.Allocate(1024, 16, "f")
		require.NoError(t, err)
		offs[i] = res.Offset
	}
	for i := 0; i < len(offs); i += 2 {
		mustFree(t, a, offs[i])
	}

	frag := a.FragmentationPct()
	assert.Greater(t, frag, uint8(0))
	assert.LessOrEqual(t, frag, uint8(100))
}

func BenchmarkAllocateFree(b *testing.B) {
	m, err := mmap.MapAnon(8 << 20)
	if err != nil {
		b.Fatal(err)
	}
	defer m.Close()
	a, err := New(m.Bytes())
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		res, err := a.Allocate(256, 16, "bench")
		if err != nil {
			b.Fatal(err)
		}
		if _, err := a.Deallocate(res.Offset); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkFragmentedFit doubles the number of artificially fragmented free
// blocks and measures the fit path; the augmented tree keeps the slope
// logarithmic.
func BenchmarkFragmentedFit(b *testing.B) {
	for _, n := range []int{1024, 2048, 4096, 8192} {
		b.Run(fmt.Sprintf("%dKiB", n), func(b *testing.B) {
			m, err := mmap.MapAnon(n * 1024)
			if err != nil {
				b.Fatal(err)
			}
			defer m.Close()
			a, err := New(m.Bytes())
			if err != nil {
				b.Fatal(err)
			}

			// Checkerboard: allocate everything in 448-byte payloads, free
			// every other block.
			var offs []uint64
			for {
				res, err := a.Allocate(448, 16, "frag")
				if err != nil {
					break
				}
				offs = append(offs, res.Offset)
			}
			for i := 0; i < len(offs); i += 2 {
				if _, err := a.Deallocate(offs[i]); err != nil {
					b.Fatal(err)
				}
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				res, err := a.Allocate(448, 16, "probe")
				if err != nil {
					b.Fatal(err)
				}
				if _, err := a.Deallocate(res.Offset); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func mustFree(t *testing.T, a *Allocator, off uint64) {
	t.Helper()
	_, err := a.Deallocate(off)
	require.NoError(t, err)
}

func freeErr(a *Allocator, off uint64) error {
	_, err := a.Deallocate(off)
	return err
}
