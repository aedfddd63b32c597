package memviz

import (
	"log/slog"
	"time"

	"github.com/memviz/memviz/internal/shard"
	"github.com/memviz/memviz/internal/track"
)

type options struct {
	shardCount    int
	sampling      uint64
	cacheLineSize int
	interval      time.Duration
	ringCapacity  int
	sink          Sink
	logger        *Logger
	metrics       MetricsCollector
}

func defaultOptions() options {
	return options{
		shardCount:   shard.MaxShards,
		sampling:     1,
		interval:     track.DefaultInterval,
		ringCapacity: track.DefaultRingCapacity,
		logger:       NoopLogger(),
		metrics:      NoopMetricsCollector{},
	}
}

// Option configures arena construction.
type Option func(*options)

// WithShardCount sets the number of shards the arena is partitioned into.
// The count must be a power of two no greater than 256; it is reduced
// automatically when the arena is too small to give every shard a usable
// range. More shards reduce lock contention between concurrent workers.
func WithShardCount(count int) Option {
	return func(o *options) {
		o.shardCount = count
	}
}

// WithSampling records one event per k operations. 1 (the default) records
// everything; higher values trade observability for hot-path throughput.
// Allocator state is tracked exactly regardless of k.
func WithSampling(k uint64) Option {
	return func(o *options) {
		if k == 0 {
			k = 1
		}
		o.sampling = k
	}
}

// WithCacheLineSize overrides the cache line size reported to diagnostics.
// 0 (the default) selects 64; the hardware line size is not probed.
func WithCacheLineSize(size int) Option {
	return func(o *options) {
		o.cacheLineSize = size
	}
}

// WithAggregatorInterval sets the drain period of the background
// aggregator. The default is 16ms.
func WithAggregatorInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithRingCapacity sets the per-worker event ring size, rounded up to a
// power of two. When a ring is full, further events are dropped rather than
// blocking the allocation path.
func WithRingCapacity(n int) Option {
	return func(o *options) {
		o.ringCapacity = n
	}
}

// WithSink installs the outbound event sink at construction. Without a
// sink the aggregator still runs but produces no external output.
func WithSink(s Sink) Option {
	return func(o *options) {
		o.sink = s
	}
}

// WithLogger configures structured logging for lifecycle events. Pass nil
// to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metrics = mc
	}
}
