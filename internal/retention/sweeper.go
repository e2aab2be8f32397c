// Package retention keeps the observation store from growing without
// bound. A daily sweep measures storage and picks one of three tiers:
// selective pruning under normal pressure, an observation wipe plus
// compaction when storage crosses its soft ceiling, and an emergency wipe
// of all historical data when it crosses the hard one.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/store"
)

// Tier is the sweep intensity chosen from the storage measurements.
type Tier string

const (
	TierSelective  Tier = "selective"
	TierAggressive Tier = "aggressive"
	TierEmergency  Tier = "emergency"
)

// Store is the persistence surface the sweeper prunes.
type Store interface {
	GetStorageStats(ctx context.Context) (*store.StorageStats, error)
	DeleteObservationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAllObservations(ctx context.Context) (int64, error)
	DeleteJobLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteAllJobLogs(ctx context.Context) (int64, error)
	Compact(ctx context.Context) error

	StartJobLog(ctx context.Context, name string) (string, error)
	CompleteJobLog(ctx context.Context, id, result string) error
	FailJobLog(ctx context.Context, id, errText string) error
}

// Sweeper runs the daily retention sweep.
type Sweeper struct {
	store  Store
	loc    *time.Location
	logger *slog.Logger

	observationDays int
	logDays         int

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

// New creates a sweeper. observationDays and logDays are the configured
// selective-tier lifetimes in days.
func New(st Store, loc *time.Location, observationDays, logDays int, logger *slog.Logger) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	if observationDays < 1 {
		observationDays = 1
	}
	if logDays < 1 {
		logDays = 2
	}
	return &Sweeper{
		store:           st,
		loc:             loc,
		logger:          logger.With("component", "retention"),
		observationDays: observationDays,
		logDays:         logDays,
		now:             time.Now,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

// Start runs the sweep loop. The sweep fires at local midnight in the
// configured timezone, once per day.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		s.logger.Info("retention sweeper started",
			"timezone", s.loc.String(),
			"observation_days", s.observationDays,
			"log_days", s.logDays,
		)
		for {
			wait := s.untilNextSweep()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stop:
				timer.Stop()
				return
			case <-timer.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
	s.logger.Info("retention sweeper stopped")
}

// untilNextSweep returns the duration until the next local midnight.
func (s *Sweeper) untilNextSweep() time.Duration {
	now := s.now().In(s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)
	return next.Sub(now)
}

// Sweep runs one retention pass and records it in the job log.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()

	stats, err := s.store.GetStorageStats(ctx)
	if err != nil {
		s.logger.Error("measuring storage", "error", err)
		return
	}
	tier := ChooseTier(stats)

	jobName := "retention-" + string(tier)
	logID, err := s.store.StartJobLog(ctx, jobName)
	if err != nil {
		s.logger.Error("starting sweep job log", "error", err)
	}

	result, err := s.run(ctx, tier, now)
	if err != nil {
		s.logger.Error("sweep failed", "tier", tier, "error", err)
		if logID != "" {
			if lerr := s.store.FailJobLog(ctx, logID, err.Error()); lerr != nil {
				s.logger.Error("recording failed sweep", "error", lerr)
			}
		}
		return
	}

	s.logger.Info("sweep complete",
		"tier", tier,
		"size_bytes", stats.TotalSizeBytes,
		"observations", stats.ObservationCount,
		"result", result,
	)
	if logID != "" {
		if err := s.store.CompleteJobLog(ctx, logID, result); err != nil {
			s.logger.Error("recording completed sweep", "error", err)
		}
	}
}

// ChooseTier maps storage measurements to a sweep tier. The soft ceiling
// (size or row count) escalates to aggressive; the hard size ceiling
// escalates to emergency. A measurement exactly at a ceiling stays in the
// lower tier.
func ChooseTier(stats *store.StorageStats) Tier {
	if stats.TotalSizeBytes > config.RetentionAggressiveMaxBytes {
		return TierEmergency
	}
	if stats.TotalSizeBytes > config.RetentionSelectiveMaxBytes ||
		stats.ObservationCount > config.RetentionSelectiveMaxObservations {
		return TierAggressive
	}
	return TierSelective
}

func (s *Sweeper) run(ctx context.Context, tier Tier, now time.Time) (string, error) {
	switch tier {
	case TierEmergency:
		obs, err := s.store.DeleteAllObservations(ctx)
		if err != nil {
			return "", fmt.Errorf("wiping observations: %w", err)
		}
		logs, err := s.store.DeleteAllJobLogs(ctx)
		if err != nil {
			return "", fmt.Errorf("wiping job logs: %w", err)
		}
		if err := s.store.Compact(ctx); err != nil {
			return "", fmt.Errorf("compacting: %w", err)
		}
		return fmt.Sprintf("observations=%d job_logs=%d compacted=true", obs, logs), nil

	case TierAggressive:
		obs, err := s.store.DeleteAllObservations(ctx)
		if err != nil {
			return "", fmt.Errorf("wiping observations: %w", err)
		}
		logs, err := s.store.DeleteJobLogsBefore(ctx, now.Add(-config.RetentionJobLogAggressiveAge))
		if err != nil {
			return "", fmt.Errorf("pruning job logs: %w", err)
		}
		if err := s.store.Compact(ctx); err != nil {
			return "", fmt.Errorf("compacting: %w", err)
		}
		return fmt.Sprintf("observations=%d job_logs=%d compacted=true", obs, logs), nil

	default:
		obsCutoff := now.AddDate(0, 0, -s.observationDays)
		obs, err := s.store.DeleteObservationsBefore(ctx, obsCutoff)
		if err != nil {
			return "", fmt.Errorf("pruning observations: %w", err)
		}
		logs, err := s.store.DeleteJobLogsBefore(ctx, now.AddDate(0, 0, -s.logDays))
		if err != nil {
			return "", fmt.Errorf("pruning job logs: %w", err)
		}
		return fmt.Sprintf("observations=%d job_logs=%d compacted=false", obs, logs), nil
	}
}
