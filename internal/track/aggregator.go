package track

import (
	"sync/atomic"
	"time"
)

// DefaultInterval is the aggregator's drain period.
const DefaultInterval = 16 * time.Millisecond

// Aggregator periodically drains every worker ring into one batch and hands
// it to the emit callback. The batch slice is reused between cycles; emit
// must not retain it.
type Aggregator struct {
	table    *Table
	interval time.Duration
	emit     func(batch []Event)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	batch   []Event
}

// NewAggregator creates an aggregator over table. emit may be nil, in which
// case drained events are discarded.
func NewAggregator(table *Table, interval time.Duration, emit func(batch []Event)) *Aggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Aggregator{
		table:    table,
		interval: interval,
		emit:     emit,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background drain loop. Starting twice is a no-op.
func (a *Aggregator) Start() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	go a.loop()
}

// Stop ends the loop, performs one final drain so buffered events are not
// lost, and waits for the goroutine to exit. Stopping twice is a no-op.
func (a *Aggregator) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	close(a.stopCh)
	<-a.doneCh
}

func (a *Aggregator) loop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			a.flush()
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

func (a *Aggregator) flush() {
	a.batch = a.batch[:0]
	a.table.DrainAll(&a.batch)
	if len(a.batch) > 0 && a.emit != nil {
		a.emit(a.batch)
	}
}
