// Package simulation drives an arena with server-like allocation traffic:
// request and response buffers of varying sizes and lifetimes, paced by
// configurable patterns. It exists to light up the visualization pipeline
// with realistic churn and to stress-test the allocator under concurrency.
package simulation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/memviz/memviz"
)

// Pattern selects the traffic shape.
type Pattern uint8

const (
	// PatternSteady fires requests at a constant rate.
	PatternSteady Pattern = iota
	// PatternBurst fires high-intensity bursts with cooldowns.
	PatternBurst
	// PatternMixed mixes request types, sizes and lifetimes with jittered
	// pacing; the closest to real traffic.
	PatternMixed
)

// requestKind mirrors the endpoints a simulated server would expose. Each
// kind allocates with a distinct tag so the UI can color by endpoint.
type requestKind uint8

const (
	kindGet requestKind = iota
	kindPost
	kindPut
	kindDelete
	kindStream
)

func (k requestKind) tag() string {
	switch k {
	case kindGet:
		return "GET /api/data"
	case kindPost:
		return "POST /api/upload"
	case kindPut:
		return "PUT /api/update"
	case kindDelete:
		return "DELETE /api/item"
	case kindStream:
		return "STREAM /api/feed"
	default:
		return "UNKNOWN"
	}
}

// Config parameterizes a run.
type Config struct {
	// Pattern selects the traffic shape. The zero value is PatternSteady.
	Pattern Pattern
	// TotalRequests across all workers. Defaults to 1000.
	TotalRequests int
	// Workers is the number of concurrent clients. Defaults to 4.
	Workers int
	// Rate caps requests per second for PatternSteady. 0 means unthrottled.
	Rate rate.Limit
	// BurstSize and BurstCooldown shape PatternBurst.
	BurstSize     int
	BurstCooldown time.Duration
	// MinPayload and MaxPayload bound request buffer sizes.
	MinPayload int
	MaxPayload int
	// HoldWindow keeps up to this many allocations alive per worker before
	// the oldest is released, simulating streaming responses. Defaults
	// to 16.
	HoldWindow int
	// Seed makes runs reproducible. 0 derives one from the clock.
	Seed uint64
}

func (c *Config) setDefaults() {
	if c.TotalRequests <= 0 {
		c.TotalRequests = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MinPayload <= 0 {
		c.MinPayload = 32
	}
	if c.MaxPayload < c.MinPayload {
		c.MaxPayload = c.MinPayload + 8192
	}
	if c.HoldWindow <= 0 {
		c.HoldWindow = 16
	}
	if c.BurstSize <= 0 {
		c.BurstSize = 50
	}
	if c.BurstCooldown <= 0 {
		c.BurstCooldown = 10 * time.Millisecond
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
}

// Results aggregates a run's outcome.
type Results struct {
	Requests       int
	Succeeded      int
	Failed         int // allocation failures (arena exhausted)
	BytesRequested uint64
	Elapsed        time.Duration
	TotalLatency   time.Duration
	MaxLatency     time.Duration
}

// AvgLatency returns the mean per-request latency.
func (r Results) AvgLatency() time.Duration {
	if r.Requests == 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(r.Requests)
}

// Runner fires simulated traffic at one arena.
type Runner struct {
	arena *memviz.Arena
	cfg   Config
}

// NewRunner creates a runner; zero config fields take defaults.
func NewRunner(arena *memviz.Arena, cfg Config) *Runner {
	cfg.setDefaults()
	return &Runner{arena: arena, cfg: cfg}
}

// Run executes the configured traffic against the arena and blocks until
// every worker finishes or ctx is cancelled. All held allocations are
// released before it returns.
func (r *Runner) Run(ctx context.Context) (Results, error) {
	var (
		mu      sync.Mutex
		total   Results
		limiter *rate.Limiter
	)
	if r.cfg.Pattern == PatternSteady && r.cfg.Rate > 0 {
		limiter = rate.NewLimiter(r.cfg.Rate, 1)
	}

	perWorker := r.cfg.TotalRequests / r.cfg.Workers
	extra := r.cfg.TotalRequests % r.cfg.Workers
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < r.cfg.Workers; w++ {
		n := perWorker
		if w < extra {
			n++
		}
		g.Go(func() error {
			res, err := r.runWorker(ctx, w, n, limiter)
			mu.Lock()
			total.Requests += res.Requests
			total.Succeeded += res.Succeeded
			total.Failed += res.Failed
			total.BytesRequested += res.BytesRequested
			total.TotalLatency += res.TotalLatency
			if res.MaxLatency > total.MaxLatency {
				total.MaxLatency = res.MaxLatency
			}
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	total.Elapsed = time.Since(start)
	return total, err
}

func (r *Runner) runWorker(ctx context.Context, worker, requests int, limiter *rate.Limiter) (Results, error) {
	rng := rand.New(rand.NewPCG(r.cfg.Seed, uint64(worker)))
	var res Results

	held := make([]heldBuffer, 0, r.cfg.HoldWindow)
	defer func() {
		for _, h := range held {
			r.arena.DeallocRaw(h.ptr)
		}
	}()

	for i := 0; i < requests; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.pace(ctx, i, rng, limiter); err != nil {
			return res, err
		}

		kind := r.pickKind(rng)
		size := r.pickSize(kind, rng)
		tag := fmt.Sprintf("%s #%d", kind.tag(), worker)

		opStart := time.Now()
		p := r.arena.AllocRaw(uintptr(size), 16, tag)
		latency := time.Since(opStart)

		res.Requests++
		res.BytesRequested += uint64(size)
		res.TotalLatency += latency
		if latency > res.MaxLatency {
			res.MaxLatency = latency
		}

		if p == nil {
			res.Failed++
			// Exhaustion: release every held buffer and move on.
			for _, h := range held {
				r.arena.DeallocRaw(h.ptr)
			}
			held = held[:0]
			continue
		}
		res.Succeeded++

		if kind == kindStream && len(held) < cap(held) {
			held = append(held, heldBuffer{ptr: p})
			continue
		}
		if len(held) == cap(held) && cap(held) > 0 {
			r.arena.DeallocRaw(held[0].ptr)
			held = append(held[:0], held[1:]...)
		}
		r.arena.DeallocRaw(p)
	}
	return res, nil
}

func (r *Runner) pace(ctx context.Context, i int, rng *rand.Rand, limiter *rate.Limiter) error {
	switch r.cfg.Pattern {
	case PatternSteady:
		if limiter != nil {
			return limiter.Wait(ctx)
		}
	case PatternBurst:
		if i > 0 && i%r.cfg.BurstSize == 0 {
			select {
			case <-time.After(r.cfg.BurstCooldown):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	case PatternMixed:
		if rng.IntN(10) == 0 {
			select {
			case <-time.After(time.Duration(rng.IntN(200)) * time.Microsecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (r *Runner) pickKind(rng *rand.Rand) requestKind {
	if r.cfg.Pattern != PatternMixed {
		return kindPost
	}
	// Read-heavy mix with occasional streams.
	switch n := rng.IntN(100); {
	case n < 50:
		return kindGet
	case n < 70:
		return kindPost
	case n < 85:
		return kindPut
	case n < 95:
		return kindDelete
	default:
		return kindStream
	}
}

func (r *Runner) pickSize(kind requestKind, rng *rand.Rand) int {
	span := r.cfg.MaxPayload - r.cfg.MinPayload + 1
	switch kind {
	case kindGet, kindDelete:
		// Small metadata-sized buffers.
		if span > 256 {
			span = 256
		}
	case kindStream:
		// Streams lean large.
		return r.cfg.MaxPayload - rng.IntN(span/4+1)
	}
	return r.cfg.MinPayload + rng.IntN(span)
}

// heldBuffer is one long-lived allocation in a worker's hold window.
type heldBuffer struct{ ptr unsafe.Pointer }
