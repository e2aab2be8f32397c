// Package reliability tracks per-target rolling success/failure statistics.
//
// The tracker feeds two policy knobs: the probe engine's retry budget and
// the alert pipeline's flap suppression. Cells are process-local and never
// persisted; after a restart the fleet simply has no evidence of flapping
// yet. Each worker process tracks independently.
package reliability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/upmon-net/upmon/internal/config"
)

// Cell is one target's rolling statistics.
type Cell struct {
	TotalChecks float64   `json:"total_checks"`
	Failures    float64   `json:"failures"`
	FailureRate float64   `json:"failure_rate"`
	LastUpdated time.Time `json:"last_updated"`
}

// Tracker maps target ids to reliability cells. A single mutex suffices:
// the only writer is the worker pool, and readers tolerate stale values.
type Tracker struct {
	mu     sync.RWMutex
	cells  map[string]*Cell
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time // stubbed in tests
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		cells:  make(map[string]*Cell),
		logger: logger.With("component", "reliability"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Record registers one probe outcome for a target. Once a cell has seen
// more than the decay threshold of checks, both counters are scaled down so
// old history fades and the rate tracks recent behavior.
func (t *Tracker) Record(targetID string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cell, ok := t.cells[targetID]
	if !ok {
		cell = &Cell{}
		t.cells[targetID] = cell
	}

	cell.TotalChecks++
	if !success {
		cell.Failures++
	}
	if cell.TotalChecks > config.ReliabilityDecayThreshold {
		cell.TotalChecks *= config.ReliabilityDecayFactor
		cell.Failures *= config.ReliabilityDecayFactor
	}
	cell.FailureRate = cell.Failures / cell.TotalChecks
	cell.LastUpdated = t.now()
}

// Get returns a copy of a target's cell, or a zero cell when absent.
func (t *Tracker) Get(targetID string) Cell {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if cell, ok := t.cells[targetID]; ok {
		return *cell
	}
	return Cell{}
}

// FailureRate is a convenience for the two policy consumers.
func (t *Tracker) FailureRate(targetID string) float64 {
	return t.Get(targetID).FailureRate
}

// Len returns the number of live cells.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cells)
}

// Start launches the periodic eviction sweep.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(config.ReliabilityEvictionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ticker.C:
				t.evictIdle()
			}
		}
	}()
}

// Stop halts the eviction sweep.
func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// evictIdle drops cells idle for longer than the cell TTL. A dropped cell
// is recreated lazily on the next Record.
func (t *Tracker) evictIdle() {
	cutoff := t.now().Add(-config.ReliabilityCellTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, cell := range t.cells {
		if cell.LastUpdated.Before(cutoff) {
			delete(t.cells, id)
			evicted++
		}
	}
	if evicted > 0 {
		t.logger.Debug("evicted idle reliability cells", "count", evicted, "remaining", len(t.cells))
	}
}
