// Package scheduler decides which targets are due for a probe and feeds
// them to the probe queue.
//
// # Design
//
// A single ticker fires every minute. Each tick lists all targets, applies
// the gating filters (trial expiry, day-of-week, time windows), computes
// each target's adaptive re-check interval, and enqueues a probe job for
// every due target. A per-tick dedup key makes back-to-back ticks
// idempotent: if two scheduler instances (or an overlapping tick) race,
// the queue rejects the second enqueue for the same target and tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/pkg/types"
)

// jobName is the job log name for scheduler ticks.
const jobName = "scheduler-tick"

// Store is the subset of the target store the scheduler needs.
type Store interface {
	ListTargets(ctx context.Context) ([]types.Target, error)
	StartJobLog(ctx context.Context, name string) (string, error)
	CompleteJobLog(ctx context.Context, id, result string) error
	FailJobLog(ctx context.Context, id, errText string) error
	SkipJobLog(ctx context.Context, name, reason string) error
}

// Enqueuer is the probe queue surface the scheduler writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) (*queue.Job, error)
}

// Scheduler runs the periodic due-target sweep.
type Scheduler struct {
	store  Store
	queue  Enqueuer
	loc    *time.Location
	logger *slog.Logger

	interval    time.Duration
	defaultFreq int

	mu   sync.Mutex // held for the duration of one tick
	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// New creates a scheduler. loc is the timezone day-of-week and time-window
// filters are evaluated in.
func New(st Store, q Enqueuer, loc *time.Location, defaultFreqMinutes int, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if defaultFreqMinutes < 1 {
		defaultFreqMinutes = 5
	}
	return &Scheduler{
		store:       st,
		queue:       q,
		loc:         loc,
		logger:      logger.With("component", "scheduler"),
		interval:    config.TickInterval,
		defaultFreq: defaultFreqMinutes,
		now:         time.Now,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called or ctx is canceled. The
// first tick fires immediately.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		s.logger.Info("scheduler started", "interval", s.interval, "timezone", s.loc.String())
		s.tick(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for an in-progress tick to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	s.logger.Info("scheduler stopped")
}

// tickStats summarizes one sweep for the job log.
type tickStats struct {
	total      int
	enqueued   int
	duplicates int
	notDue     int
	offWindow  int
	trialGated int
	failed     int
}

func (st tickStats) String() string {
	return fmt.Sprintf("targets=%d enqueued=%d duplicates=%d not_due=%d off_window=%d trial_gated=%d failed=%d",
		st.total, st.enqueued, st.duplicates, st.notDue, st.offWindow, st.trialGated, st.failed)
}

// tick runs one sweep. A tick still running when the next fires makes the
// new one skip instead of stacking up.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.mu.TryLock() {
		s.logger.Warn("previous tick still running, skipping")
		if err := s.store.SkipJobLog(ctx, jobName, "previous tick still running"); err != nil {
			s.logger.Error("recording skipped tick", "error", err)
		}
		return
	}
	defer s.mu.Unlock()

	now := s.now().In(s.loc)

	logID, err := s.store.StartJobLog(ctx, jobName)
	if err != nil {
		s.logger.Error("starting tick job log", "error", err)
		// Keep scheduling; the log is bookkeeping, not a gate.
	}

	stats, err := s.runOnce(ctx, now)
	if err != nil {
		s.logger.Error("tick failed", "error", err)
		if logID != "" {
			if lerr := s.store.FailJobLog(ctx, logID, err.Error()); lerr != nil {
				s.logger.Error("recording failed tick", "error", lerr)
			}
		}
		return
	}

	s.logger.Info("tick complete",
		"targets", stats.total,
		"enqueued", stats.enqueued,
		"duplicates", stats.duplicates,
	)
	if logID != "" {
		if err := s.store.CompleteJobLog(ctx, logID, stats.String()); err != nil {
			s.logger.Error("recording completed tick", "error", err)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) (tickStats, error) {
	var stats tickStats

	targets, err := s.store.ListTargets(ctx)
	if err != nil {
		return stats, fmt.Errorf("listing targets: %w", err)
	}
	stats.total = len(targets)

	// The dedup key is anchored to the tick boundary, so a second sweep
	// inside the same interval produces the same keys and gets rejected.
	tickAt := now.Truncate(s.interval)

	for i := range targets {
		t := &targets[i]

		switch s.gate(t, now) {
		case gateTrial:
			stats.trialGated++
			continue
		case gateWindow:
			stats.offWindow++
			continue
		}

		if !s.due(t, now) {
			stats.notDue++
			continue
		}

		// Oldest-checked sorts first within a priority class; a target
		// that has never been checked sorts ahead of everything.
		ready := time.UnixMilli(0)
		if t.LastChecked != nil {
			ready = *t.LastChecked
		}

		_, err := s.queue.Enqueue(ctx, queue.EnqueueOptions{
			Payload: types.ProbeJob{
				TargetID:      t.ID,
				EnqueuedAt:    now,
				PriorityScore: probePriority(t, now),
			},
			Priority:    probePriority(t, now),
			DedupKey:    types.ProbeDedupKey(t.ID, tickAt),
			ReadyAt:     ready,
			MaxAttempts: config.ProbeJobMaxAttempts,
			Backoff:     config.ProbeJobBackoffBase,
		})
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			stats.duplicates++
		case err != nil:
			stats.failed++
			s.logger.Error("enqueueing probe", "target_id", t.ID, "error", err)
		default:
			stats.enqueued++
		}
	}
	return stats, nil
}

type gateResult int

const (
	gateOpen gateResult = iota
	gateTrial
	gateWindow
)

// gate applies the filters that exclude a target from this tick entirely,
// independent of when it was last checked.
func (s *Scheduler) gate(t *types.Target, now time.Time) gateResult {
	if t.TrialExpired(now) {
		return gateTrial
	}
	if !t.Monitoring.ActiveAt(now) {
		return gateWindow
	}
	return gateOpen
}

// due reports whether the target's adaptive interval has elapsed. A target
// that has never been checked is always due.
func (s *Scheduler) due(t *types.Target, now time.Time) bool {
	if t.LastChecked == nil {
		return true
	}
	return now.Sub(*t.LastChecked) >= s.checkInterval(t)
}

// checkInterval is the adaptive re-check interval: healthy targets run at
// their configured frequency, down targets re-check within two minutes,
// unknown ones within three.
func (s *Scheduler) checkInterval(t *types.Target) time.Duration {
	freq := t.Monitoring.FrequencyMinutes
	if freq < 1 {
		freq = s.defaultFreq
	}
	switch t.Status {
	case types.StatusDown:
		freq = min(freq, config.DownRecheckMinutes)
	case types.StatusUnknown:
		freq = min(freq, config.UnknownRecheckMinutes)
	}
	return time.Duration(freq) * time.Minute
}

// probePriority maps a target to its probe queue class. Down targets and
// targets whose status changed recently jump the line; unknown ones get at
// least the middle class; everything else keeps its user-assigned priority.
func probePriority(t *types.Target, now time.Time) int {
	if t.Status == types.StatusDown {
		return 1
	}
	if t.LastStatusChange != nil && now.Sub(*t.LastStatusChange) < config.InstabilityWindow {
		return 1
	}
	p := t.Priority.QueueScore()
	if t.Status == types.StatusUnknown && p > 2 {
		p = 2
	}
	return p
}
