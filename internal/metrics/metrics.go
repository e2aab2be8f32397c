// Package metrics assembles the infrastructure health snapshot exposed to
// operators: host resource usage, database reachability and size, and the
// depth of both job queues.
package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/upmon-net/upmon/internal/store"
)

// snapshotTTL is how long a collected snapshot is served before the next
// caller pays for a fresh collection.
const snapshotTTL = 30 * time.Second

// Store is the persistence surface the collector measures.
type Store interface {
	Ping(ctx context.Context) error
	CountTargets(ctx context.Context) (int64, error)
	CountObservations(ctx context.Context) (int64, error)
	GetStorageStats(ctx context.Context) (*store.StorageStats, error)
}

// DepthReader reports the load of one job queue.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// QueueStats is the measured state of one queue.
type QueueStats struct {
	Depth    int64 `json:"depth"`
	InFlight int64 `json:"in_flight"`
}

// Snapshot is one infrastructure health measurement.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	Goroutines    int     `json:"goroutines"`

	DatabaseUp       bool  `json:"database_up"`
	DatabaseBytes    int64 `json:"database_bytes"`
	TargetCount      int64 `json:"target_count"`
	ObservationCount int64 `json:"observation_count"`

	ProbeQueue QueueStats `json:"probe_queue"`
	AlertQueue QueueStats `json:"alert_queue"`
}

// Collector gathers health snapshots with a short cache, so a dashboard
// polling every second does not hammer the database.
type Collector struct {
	store  Store
	probes DepthReader
	alerts DepthReader
	logger *slog.Logger

	mu     sync.Mutex
	cached *Snapshot
	now    func() time.Time
}

// NewCollector wires the health collector.
func NewCollector(st Store, probes, alerts DepthReader, logger *slog.Logger) *Collector {
	return &Collector{
		store:  st,
		probes: probes,
		alerts: alerts,
		logger: logger.With("component", "metrics"),
		now:    time.Now,
	}
}

// Collect returns the current snapshot, reusing the cached one while it is
// fresh. Individual measurement failures degrade the snapshot instead of
// failing it.
func (c *Collector) Collect(ctx context.Context) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Sub(c.cached.CollectedAt) < snapshotTTL {
		return c.cached
	}

	snap := &Snapshot{
		CollectedAt: now,
		Goroutines:  runtime.NumGoroutine(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	} else if err != nil {
		c.logger.Debug("collecting cpu usage", "error", err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemoryPercent = vm.UsedPercent
	} else {
		c.logger.Debug("collecting memory usage", "error", err)
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snap.DiskPercent = usage.UsedPercent
	} else {
		c.logger.Debug("collecting disk usage", "error", err)
	}

	if err := c.store.Ping(ctx); err == nil {
		snap.DatabaseUp = true
		if n, err := c.store.CountTargets(ctx); err == nil {
			snap.TargetCount = n
		}
		if n, err := c.store.CountObservations(ctx); err == nil {
			snap.ObservationCount = n
		}
		if stats, err := c.store.GetStorageStats(ctx); err == nil {
			snap.DatabaseBytes = stats.TotalSizeBytes
		}
	} else {
		c.logger.Warn("database unreachable", "error", err)
	}

	snap.ProbeQueue = c.queueStats(ctx, c.probes)
	snap.AlertQueue = c.queueStats(ctx, c.alerts)

	c.cached = snap
	return snap
}

func (c *Collector) queueStats(ctx context.Context, q DepthReader) QueueStats {
	var stats QueueStats
	if q == nil {
		return stats
	}
	if n, err := q.Depth(ctx); err == nil {
		stats.Depth = n
	}
	if n, err := q.InFlight(ctx); err == nil {
		stats.InFlight = n
	}
	return stats
}
