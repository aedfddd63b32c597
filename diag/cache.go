package diag

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/memviz/memviz"
)

// CacheReport aggregates cache-line occupancy over the arena. The touched
// set is kept as a compressed bitmap so sparse heaps in large arenas stay
// cheap to analyze. The bitmap is not part of the JSON encoding.
type CacheReport struct {
	LineSize         int     `json:"cache_line_size"`
	TotalLines       uint64  `json:"total_lines"`
	ActiveLines      uint64  `json:"active_lines"`
	SplitAllocations uint64  `json:"split_allocations"`
	AvgUtilization   float64 `json:"avg_utilization"` // payload bytes / active-line bytes, 0..1

	// Touched holds the index of every cache line covered by at least one
	// live payload.
	Touched *roaring64.Bitmap `json:"-"`
}

// CacheAnalyzer maps live payload ranges onto hardware cache lines.
// Stateless: each Analyze call produces an independent report.
type CacheAnalyzer struct {
	lineSize int
}

// NewCacheAnalyzer builds an analyzer for the given line width; values that
// are not a positive power of two fall back to 64.
func NewCacheAnalyzer(lineSize int) *CacheAnalyzer {
	if lineSize <= 0 || lineSize&(lineSize-1) != 0 {
		lineSize = 64
	}
	return &CacheAnalyzer{lineSize: lineSize}
}

// LineSize returns the configured cache-line width.
func (c *CacheAnalyzer) LineSize() int { return c.lineSize }

// Analyze computes cache-line utilization for a snapshot. Only payload
// bytes count as used; headers and padding are deliberately excluded since
// the caller's data, not the allocator's bookkeeping, is what the cache
// should be holding.
func (c *CacheAnalyzer) Analyze(snap memviz.Snapshot) CacheReport {
	line := uint64(c.lineSize)
	report := CacheReport{
		LineSize:   c.lineSize,
		TotalLines: (snap.Capacity + line - 1) / line,
		Touched:    roaring64.New(),
	}

	var usedBytes uint64
	for _, b := range snap.Blocks {
		if b.Size == 0 {
			continue
		}
		first := b.Offset / line
		last := (b.Offset + b.Size - 1) / line
		report.Touched.AddRange(first, last+1)
		if first != last {
			report.SplitAllocations++
		}
		usedBytes += b.Size
	}

	report.ActiveLines = report.Touched.GetCardinality()
	if report.ActiveLines > 0 {
		report.AvgUtilization = float64(usedBytes) / float64(report.ActiveLines*line)
		if report.AvgUtilization > 1 {
			report.AvgUtilization = 1
		}
	}
	return report
}
