package memviz_test

import (
	"fmt"
	"time"

	"github.com/memviz/memviz"
)

func Example() {
	arena, err := memviz.New(1<<20,
		memviz.WithShardCount(4),
		memviz.WithAggregatorInterval(time.Hour),
	)
	if err != nil {
		panic(err)
	}
	defer arena.Close()

	p := arena.AllocRaw(256, 16, "request-buffer")
	fmt.Println("allocated:", p != nil)
	fmt.Println("bytes allocated > 0:", arena.BytesAllocated() > 0)

	snap := arena.Snapshot()
	fmt.Println("live blocks:", len(snap.Blocks))
	fmt.Println("tag:", snap.Blocks[0].Tag)

	arena.DeallocRaw(p)
	fmt.Println("bytes allocated after free:", arena.BytesAllocated())

	// Output:
	// allocated: true
	// bytes allocated > 0: true
	// live blocks: 1
	// tag: request-buffer
	// bytes allocated after free: 0
}

func ExampleAlloc() {
	type Session struct {
		ID     uint64
		Active bool
	}

	arena, err := memviz.New(64<<10, memviz.WithShardCount(1))
	if err != nil {
		panic(err)
	}
	defer arena.Close()

	s := memviz.Alloc[Session](arena, "session")
	fmt.Println("zeroed:", s.ID == 0 && !s.Active)

	s.ID = 42
	memviz.Free(arena, s)
	fmt.Println("released:", arena.BytesAllocated() == 0)

	// Output:
	// zeroed: true
	// released: true
}

func ExampleArena_EventLog() {
	arena, err := memviz.New(64<<10,
		memviz.WithShardCount(1),
		memviz.WithAggregatorInterval(time.Hour),
	)
	if err != nil {
		panic(err)
	}
	defer arena.Close()

	p := arena.AllocRaw(128, 16, "traced")
	arena.DeallocRaw(p)

	for _, e := range arena.EventLog() {
		fmt.Printf("#%d %s %d bytes\n", e.EventID, e.Kind, e.ActualSize)
	}

	// Output:
	// #1 allocate 192 bytes
	// #2 deallocate 192 bytes
}
