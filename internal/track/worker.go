package track

import (
	"time"

	"github.com/memviz/memviz/internal/block"
	"github.com/memviz/memviz/internal/shard"
)

// Worker is a per-worker tracking context: a pinned shard, an owned event
// ring, a monotone event counter and a sampling rate. One goroutine at a
// time produces into the ring; draining goes through the worker table.
type Worker struct {
	shard    *shard.Shard
	ring     *Ring
	nextID   uint64
	sampling uint64
}

// NewWorker creates a context pinned to sh. Events are recorded once per
// sampling operations; 1 records everything.
func NewWorker(sh *shard.Shard, ringCapacity int, sampling uint64) *Worker {
	if sampling == 0 {
		sampling = 1
	}
	return &Worker{
		shard:    sh,
		ring:     NewRing(ringCapacity),
		sampling: sampling,
	}
}

// Shard returns the pinned shard.
func (w *Worker) Shard() *shard.Shard { return w.shard }

// Ring returns the worker's event ring.
func (w *Worker) Ring() *Ring { return w.ring }

// NextEventID returns the value the next recorded operation will carry.
func (w *Worker) NextEventID() uint64 { return w.nextID + 1 }

// RecordAlloc numbers the operation and, subject to sampling, pushes an
// allocation event carrying the owning shard's running totals.
func (w *Worker) RecordAlloc(offset, size, alignment, actualSize uint64, tag string, st block.Stats) {
	id := w.nextID + 1
	w.nextID = id
	if id%w.sampling != 0 {
		return
	}
	w.ring.Push(Event{
		Kind:             KindAllocate,
		EventID:          id,
		Offset:           offset,
		Size:             size,
		Alignment:        alignment,
		ActualSize:       actualSize,
		Tag:              MakeTag(tag),
		TimestampMicros:  uint64(time.Now().UnixMicro()),
		TotalAllocated:   st.Allocated,
		TotalFree:        st.Free,
		FreeBlockCount:   st.FreeBlocks,
		FragmentationPct: st.FragmentationPct,
	})
}

// RecordDealloc numbers the operation and, subject to sampling, pushes a
// deallocation event.
func (w *Worker) RecordDealloc(offset, actualSize uint64, st block.Stats) {
	id := w.nextID + 1
	w.nextID = id
	if id%w.sampling != 0 {
		return
	}
	w.ring.Push(Event{
		Kind:             KindDeallocate,
		EventID:          id,
		Offset:           offset,
		ActualSize:       actualSize,
		TimestampMicros:  uint64(time.Now().UnixMicro()),
		TotalAllocated:   st.Allocated,
		TotalFree:        st.Free,
		FreeBlockCount:   st.FreeBlocks,
		FragmentationPct: st.FragmentationPct,
	})
}
