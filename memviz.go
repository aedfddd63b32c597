// Package memviz provides an instrumented memory arena: a user-space
// allocator carved from one contiguous anonymous mapping, recording every
// allocation and deallocation out-of-band and streaming those events to an
// external observer for live inspection, replay and post-hoc analysis.
//
// The arena is partitioned into shards, each owning an independent
// free-space allocator behind its own lock: segregated lists for small size
// classes and an address-ordered augmented red-black tree for everything
// larger, with coalescing on release. Worker contexts record events into
// per-worker lock-free rings; a background aggregator drains the rings
// every few milliseconds and hands the batch to a configurable sink.
//
// # Quick start
//
//	arena, err := memviz.New(1<<20,
//	    memviz.WithShardCount(4),
//	    memviz.WithSink(sink),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer arena.Close()
//
//	p := arena.AllocRaw(256, 16, "request-buffer")
//	// ... use the memory ...
//	arena.DeallocRaw(p)
//
// Typed allocation constructs zeroed values in place:
//
//	c := memviz.Alloc[Counter](arena, "hits")
//	c.N++
//	memviz.Free(arena, c)
//
// All facade methods are safe for concurrent use. The arena cannot grow; a
// failed allocation returns nil and leaves all state untouched.
package memviz

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/memviz/memviz/internal/mmap"
	"github.com/memviz/memviz/internal/shard"
	"github.com/memviz/memviz/internal/track"
)

// Event is one recorded allocation or deallocation together with the owning
// shard's running totals.
type Event = track.Event

// EventKind distinguishes allocation from deallocation events.
type EventKind = track.Kind

// Tag is the fixed-size NUL-terminated label carried by events.
type Tag = track.Tag

// Event kinds.
const (
	EventAllocate   = track.KindAllocate
	EventDeallocate = track.KindDeallocate
)

// Facade lifecycle states.
const (
	stateRunning int32 = iota
	stateStopping
	stateStopped
)

// minShardCapacity keeps per-shard ranges usable; the shard count is
// reduced until every shard holds at least this much.
const minShardCapacity = 4096

// Arena is the facade over the whole instrumented allocation pipeline:
// mapping, shard set, worker table, aggregator and sink.
type Arena struct {
	mapping *mmap.Mapping
	shards  *shard.Set
	base    unsafe.Pointer

	table *track.Table
	agg   *track.Aggregator

	// workers pools tracking contexts so AllocRaw is callable from any
	// goroutine while each ring keeps a single producer at a time. Contexts
	// dropped by the pool are weakly referenced in the table and compacted
	// on the next aggregator pass.
	workers   sync.Pool
	nextShard atomic.Uint64

	state   atomic.Int32
	lastErr atomic.Pointer[arenaError]

	sink       atomic.Pointer[sinkBox]
	cmdHandler atomic.Pointer[commandBox]

	sampling      uint64
	ringCapacity  int
	cacheLineSize int

	logger  *Logger
	metrics MetricsCollector
}

type arenaError struct{ err error }

type sinkBox struct{ s Sink }

type commandBox struct{ h CommandHandler }

// New creates an arena of at least capacity bytes (rounded up to the page
// size) and starts its aggregator.
func New(capacity int, optFns ...Option) (*Arena, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	mapping, err := mmap.MapAnon(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceUnavailable, err)
	}

	// Reduce the shard count until every shard is usable.
	count := opts.shardCount
	for count > 1 && mapping.Size()/count < minShardCapacity {
		count >>= 1
	}
	shards, err := shard.NewSet(mapping, count)
	if err != nil {
		_ = mapping.Close()
		return nil, err
	}

	a := &Arena{
		mapping:       mapping,
		shards:        shards,
		base:          unsafe.Pointer(&mapping.Bytes()[0]),
		table:         &track.Table{},
		sampling:      opts.sampling,
		ringCapacity:  opts.ringCapacity,
		cacheLineSize: opts.cacheLineSize,
		logger:        opts.logger,
		metrics:       opts.metrics,
	}
	if a.cacheLineSize == 0 {
		a.cacheLineSize = 64
	}
	if opts.sink != nil {
		a.sink.Store(&sinkBox{s: opts.sink})
	}

	a.workers.New = func() any {
		idx := int(a.nextShard.Add(1)-1) % a.shards.Len()
		w := track.NewWorker(a.shards.Shard(idx), a.ringCapacity, a.sampling)
		a.table.Register(w)
		return w
	}

	a.agg = track.NewAggregator(a.table, opts.interval, a.emitBatch)
	a.agg.Start()

	a.logger.Debug("arena created",
		"capacity", mapping.Size(),
		"shards", shards.Len(),
		"sampling", a.sampling,
	)
	return a, nil
}

func (a *Arena) emitBatch(batch []Event) {
	box := a.sink.Load()
	if box == nil {
		return
	}
	a.metrics.RecordDrain(len(batch))
	if err := box.s.Emit(batch); err != nil {
		a.logger.Warn("sink emit failed", "events", len(batch), "error", err)
	}
}

// AllocRaw allocates size bytes aligned to alignment, tagged for the event
// stream. It returns nil on failure; LastError reports the cause. The
// returned memory is zeroed.
func (a *Arena) AllocRaw(size, alignment uintptr, tag string) unsafe.Pointer {
	if a.state.Load() != stateRunning {
		a.storeErr(ErrClosed)
		return nil
	}
	start := time.Now()

	w := a.workers.Get().(*track.Worker)
	sh := w.Shard()
	sh.Lock()
	res, err := sh.Allocator().Allocate(uint64(size), uint64(alignment), tag)
	st := sh.Allocator().Stats()
	sh.Unlock()

	if err != nil {
		a.workers.Put(w)
		a.storeErr(translateError(err))
		a.metrics.RecordAlloc(time.Since(start), err)
		return nil
	}

	globalOff := sh.Base() + res.Offset
	w.RecordAlloc(globalOff, uint64(size), uint64(alignment), res.ActualSize, tag, st)
	a.workers.Put(w)
	a.metrics.RecordAlloc(time.Since(start), nil)
	return unsafe.Add(a.base, globalOff)
}

// DeallocRaw returns a block previously obtained from AllocRaw. A nil
// pointer is a no-op. Failures leave the block alive and are reported
// through LastError.
func (a *Arena) DeallocRaw(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if a.state.Load() != stateRunning {
		a.storeErr(ErrClosed)
		return
	}
	start := time.Now()

	off := uintptr(ptr) - uintptr(a.base)
	if off >= uintptr(a.mapping.Size()) {
		a.storeErr(ErrBadPointer)
		a.metrics.RecordDealloc(time.Since(start), ErrBadPointer)
		return
	}
	sh, err := a.shards.ShardForOffset(uint64(off))
	if err != nil {
		a.storeErr(ErrBadPointer)
		a.metrics.RecordDealloc(time.Since(start), err)
		return
	}

	w := a.workers.Get().(*track.Worker)
	sh.Lock()
	span, err := sh.Allocator().Deallocate(uint64(off) - sh.Base())
	st := sh.Allocator().Stats()
	sh.Unlock()

	if err != nil {
		a.workers.Put(w)
		a.storeErr(translateError(err))
		a.metrics.RecordDealloc(time.Since(start), err)
		return
	}

	w.RecordDealloc(uint64(off), span, st)
	a.workers.Put(w)
	a.metrics.RecordDealloc(time.Since(start), nil)
}

// Snapshot walks every shard under its lock and returns the live block set
// sorted by offset, together with arena-wide totals. The view is consistent
// per shard but not atomic across shards.
func (a *Arena) Snapshot() Snapshot {
	snap := Snapshot{Capacity: uint64(a.mapping.Size())}
	var largest uint64

	for i := 0; i < a.shards.Len(); i++ {
		sh := a.shards.Shard(i)
		sh.Lock()
		blocks := sh.Allocator().Walk()
		st := sh.Allocator().Stats()
		sh.Unlock()

		for _, b := range blocks {
			b.Offset += sh.Base()
			snap.Blocks = append(snap.Blocks, b)
		}
		snap.TotalAllocated += st.Allocated
		snap.TotalFree += st.Free
		snap.FreeBlockCount += st.FreeBlocks
		if st.LargestFreeBlock > largest {
			largest = st.LargestFreeBlock
		}
	}

	sort.Slice(snap.Blocks, func(i, j int) bool {
		return snap.Blocks[i].Offset < snap.Blocks[j].Offset
	})
	if snap.TotalFree > 0 {
		snap.FragmentationPct = uint8(100 - 100*largest/snap.TotalFree)
	}
	return snap
}

// EventLog drains every worker's ring into one slice for one-shot dumps.
// Events within one worker keep producer order; interleaving across workers
// is arbitrary.
func (a *Arena) EventLog() []Event {
	var out []Event
	a.table.DrainAll(&out)
	return out
}

// SetSink installs the outbound event sink, replacing any previous one.
// Pass nil to detach.
func (a *Arena) SetSink(s Sink) {
	if s == nil {
		a.sink.Store(nil)
		return
	}
	a.sink.Store(&sinkBox{s: s})
}

// SetCommandHandler installs the handler for inbound observer commands.
func (a *Arena) SetCommandHandler(h CommandHandler) {
	if h == nil {
		a.cmdHandler.Store(nil)
		return
	}
	a.cmdHandler.Store(&commandBox{h: h})
}

// HandleCommand forwards an opaque observer directive to the installed
// handler. Commands are never interpreted by the arena itself.
func (a *Arena) HandleCommand(cmd string) {
	if box := a.cmdHandler.Load(); box != nil {
		box.h(cmd)
	}
}

// Close stops the aggregator, waits for its final drain, then releases the
// mapping. Closing twice is a no-op. Outstanding pointers become invalid.
func (a *Arena) Close() error {
	if !a.state.CompareAndSwap(stateRunning, stateStopping) {
		return nil
	}
	a.agg.Stop()
	a.state.Store(stateStopped)
	err := a.mapping.Close()
	a.logger.Debug("arena closed", "error", err)
	return err
}

// Capacity returns the page-aligned arena size in bytes.
func (a *Arena) Capacity() uint64 { return uint64(a.mapping.Size()) }

// BytesAllocated sums allocated bytes across all shards.
func (a *Arena) BytesAllocated() uint64 { return a.shards.BytesAllocated() }

// BytesFree sums free bytes across all shards.
func (a *Arena) BytesFree() uint64 { return a.shards.BytesFree() }

// FreeBlockCount sums free blocks across all shards.
func (a *Arena) FreeBlockCount() uint64 { return a.shards.FreeBlockCount() }

// LargestFreeBlock returns the largest contiguous free block in any shard.
func (a *Arena) LargestFreeBlock() uint64 { return a.shards.LargestFreeBlock() }

// ShardCount returns the number of shards backing the arena.
func (a *Arena) ShardCount() int { return a.shards.Len() }

// CacheLineSize returns the configured cache line size, or 64 when none was
// configured.
func (a *Arena) CacheLineSize() int { return a.cacheLineSize }

// Base returns the arena's base address. Offsets in events and snapshots
// are relative to it.
func (a *Arena) Base() unsafe.Pointer { return a.base }

// EventsDropped sums ring-overflow drops across live worker contexts.
func (a *Arena) EventsDropped() uint64 { return a.table.Dropped() }

// LastError returns the most recent allocation or deallocation failure, or
// nil. Errors are values; the arena never panics on a failed operation.
func (a *Arena) LastError() error {
	if e := a.lastErr.Load(); e != nil {
		return e.err
	}
	return nil
}

func (a *Arena) storeErr(err error) {
	a.lastErr.Store(&arenaError{err: err})
}
