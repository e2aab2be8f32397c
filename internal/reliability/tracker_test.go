package reliability

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordAndGet(t *testing.T) {
	tr := NewTracker(testLogger())

	tr.Record("t1", true)
	tr.Record("t1", false)
	tr.Record("t1", false)
	tr.Record("t1", true)

	cell := tr.Get("t1")
	if cell.TotalChecks != 4 {
		t.Errorf("TotalChecks = %g, want 4", cell.TotalChecks)
	}
	if cell.Failures != 2 {
		t.Errorf("Failures = %g, want 2", cell.Failures)
	}
	if cell.FailureRate != 0.5 {
		t.Errorf("FailureRate = %g, want 0.5", cell.FailureRate)
	}
}

func TestGetAbsentReturnsZeroCell(t *testing.T) {
	tr := NewTracker(testLogger())
	cell := tr.Get("missing")
	if cell.TotalChecks != 0 || cell.Failures != 0 || cell.FailureRate != 0 {
		t.Errorf("absent cell not zero: %+v", cell)
	}
}

func TestDecayKeepsCountersBounded(t *testing.T) {
	tr := NewTracker(testLogger())

	for i := 0; i < 500; i++ {
		tr.Record("t1", i%2 == 0)
	}

	cell := tr.Get("t1")
	// Decay fires past 100 checks, so the counter hovers just above the
	// threshold instead of growing without bound.
	if cell.TotalChecks > 102 {
		t.Errorf("TotalChecks = %g, decay did not bound it", cell.TotalChecks)
	}
	if math.Abs(cell.FailureRate-0.5) > 0.05 {
		t.Errorf("FailureRate = %g, want about 0.5", cell.FailureRate)
	}
}

func TestDecayPreservesRate(t *testing.T) {
	tr := NewTracker(testLogger())

	// All failures: rate must stay exactly 1.0 through decay cycles.
	for i := 0; i < 300; i++ {
		tr.Record("t1", false)
	}
	if rate := tr.FailureRate("t1"); rate != 1.0 {
		t.Errorf("FailureRate = %g, want 1.0", rate)
	}
}

func TestEvictIdleCells(t *testing.T) {
	tr := NewTracker(testLogger())

	current := time.Now()
	tr.now = func() time.Time { return current }

	tr.Record("stale", true)
	current = current.Add(2 * time.Hour)
	tr.Record("fresh", true)

	tr.evictIdle()

	if tr.Len() != 1 {
		t.Fatalf("Len = %d after eviction, want 1", tr.Len())
	}
	if cell := tr.Get("stale"); cell.TotalChecks != 0 {
		t.Error("stale cell survived eviction")
	}
	if cell := tr.Get("fresh"); cell.TotalChecks != 1 {
		t.Error("fresh cell was evicted")
	}

	// Evicted cells come back lazily.
	tr.Record("stale", false)
	if cell := tr.Get("stale"); cell.TotalChecks != 1 || cell.FailureRate != 1 {
		t.Errorf("recreated cell wrong: %+v", cell)
	}
}
