package track

import (
	"sync"
	"weak"
)

// Table tracks live worker contexts through weak pointers. A worker whose
// last strong reference is dropped is compacted away on the next drain
// pass, so terminated workers cost nothing.
type Table struct {
	mu      sync.Mutex
	entries []weak.Pointer[Worker]
}

// Register adds a worker to the table.
func (t *Table) Register(w *Worker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, weak.Make(w))
}

// DrainAll drains every live worker's ring into out, preserving each ring's
// producer order, and compacts entries whose workers have been collected.
// Returns the number of live workers seen. Holding the table mutex
// serializes all consumers, preserving the single-consumer contract of each
// ring.
func (t *Table) DrainAll(out *[]Event) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, p := range t.entries {
		w := p.Value()
		if w == nil {
			continue
		}
		w.ring.DrainTo(out)
		kept = append(kept, p)
	}
	// Drop collected tails so the backing array does not pin them.
	for i := len(kept); i < len(t.entries); i++ {
		t.entries[i] = weak.Pointer[Worker]{}
	}
	t.entries = kept
	return len(kept)
}

// Dropped sums overflow drops across live workers.
func (t *Table) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total uint64
	for _, p := range t.entries {
		if w := p.Value(); w != nil {
			total += w.ring.Dropped()
		}
	}
	return total
}

// Len returns the number of registered entries, dead ones included until
// the next drain pass.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
