package memviz

import "github.com/memviz/memviz/internal/block"

// BlockInfo describes one live allocation in a snapshot.
type BlockInfo = block.BlockInfo

// Snapshot is a point-in-time view of the arena: totals plus every live
// block sorted by offset. The view is consistent per shard but not atomic
// across shards.
type Snapshot struct {
	Capacity         uint64      `json:"capacity"`
	TotalAllocated   uint64      `json:"total_allocated"`
	TotalFree        uint64      `json:"total_free"`
	FragmentationPct uint8       `json:"fragmentation_pct"`
	FreeBlockCount   uint64      `json:"free_block_count"`
	Blocks           []BlockInfo `json:"blocks"`
}
