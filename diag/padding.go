// Package diag derives diagnostic reports from arena snapshots: padding
// waste per allocation and cache-line utilization across the heap. Reports
// read only the snapshot, never allocator internals, so they can run
// against a live arena or a replayed one.
package diag

import "github.com/memviz/memviz"

// BlockPadding details the waste of a single allocation.
type BlockPadding struct {
	Offset       uint64  `json:"offset"`
	Requested    uint64  `json:"requested_size"`
	ActualSize   uint64  `json:"actual_size"`
	Alignment    uint64  `json:"alignment"`
	PaddingBytes uint64  `json:"padding_bytes"`
	Efficiency   float64 `json:"efficiency"` // requested / actual, 0..1
	Tag          string  `json:"tag"`
}

// PaddingReport aggregates padding waste across all live allocations.
type PaddingReport struct {
	TotalRequested uint64         `json:"total_requested"`
	TotalActual    uint64         `json:"total_actual"`
	TotalWasted    uint64         `json:"total_wasted"`
	Efficiency     float64        `json:"efficiency"`
	Blocks         []BlockPadding `json:"blocks"`
}

// ComputePaddingReport derives per-block and aggregate padding metrics from
// a snapshot. Actual sizes include header and alignment overhead, so even a
// perfectly-sized allocation reports some waste.
func ComputePaddingReport(snap memviz.Snapshot) PaddingReport {
	report := PaddingReport{
		Blocks: make([]BlockPadding, 0, len(snap.Blocks)),
	}
	for _, b := range snap.Blocks {
		var wasted uint64
		if b.ActualSize > b.Size {
			wasted = b.ActualSize - b.Size
		}
		var eff float64
		if b.ActualSize > 0 {
			eff = float64(b.Size) / float64(b.ActualSize)
		}
		report.Blocks = append(report.Blocks, BlockPadding{
			Offset:       b.Offset,
			Requested:    b.Size,
			ActualSize:   b.ActualSize,
			Alignment:    b.Alignment,
			PaddingBytes: wasted,
			Efficiency:   eff,
			Tag:          b.Tag,
		})
		report.TotalRequested += b.Size
		report.TotalActual += b.ActualSize
	}
	if report.TotalActual > report.TotalRequested {
		report.TotalWasted = report.TotalActual - report.TotalRequested
	}
	if report.TotalActual > 0 {
		report.Efficiency = float64(report.TotalRequested) / float64(report.TotalActual)
	}
	return report
}
