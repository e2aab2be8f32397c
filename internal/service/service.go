// Package service exposes the operations the REST collaborator calls into
// the monitor core: on-demand probes, batch probes, and cached reads of
// targets and their history.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/upmon-net/upmon/internal/cache"
	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/store"
	"github.com/upmon-net/upmon/pkg/types"
)

// ErrNotFound is returned when the referenced target does not exist.
var ErrNotFound = errors.New("target not found")

// ErrBatchTooLarge is returned when a batch request exceeds the cap.
var ErrBatchTooLarge = fmt.Errorf("batch exceeds %d targets", config.BatchProbeMaxTargets)

// RateLimitedError reports a manual probe inside the cooldown window.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("probe rate limited, retry in %s", e.RetryAfter.Round(time.Second))
}

// Store is the persistence surface the service reads and writes.
type Store interface {
	GetTarget(ctx context.Context, id string) (*types.Target, error)
	ListTargetsByIDs(ctx context.Context, ids []string) ([]types.Target, error)
	ListObservations(ctx context.Context, targetID string, limit int) ([]types.Observation, error)
	InsertObservation(ctx context.Context, o *types.Observation) error
	ApplyObservation(ctx context.Context, targetID string, u store.ObservationUpdate) error
}

// Cache is the read-through cache surface.
type Cache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	InvalidateTarget(ctx context.Context, targetID string) error
}

// Prober performs one observation of a target.
type Prober interface {
	Probe(ctx context.Context, target *types.Target, failureRate float64) types.ProbeResult
}

// Tracker is the reliability surface.
type Tracker interface {
	Record(targetID string, up bool)
	FailureRate(targetID string) float64
}

// Publisher emits real-time status updates.
type Publisher interface {
	Publish(ctx context.Context, update types.StatusUpdate)
}

// Service implements the on-demand operations.
type Service struct {
	store     Store
	cache     Cache
	prober    Prober
	tracker   Tracker
	publisher Publisher
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New wires the service.
func New(st Store, c Cache, pr Prober, tr Tracker, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		cache:     c,
		prober:    pr,
		tracker:   tr,
		publisher: pub,
		logger:    logger.With("component", "service"),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// ProbeNow runs an immediate probe of one target and returns the
// persisted observation. The cooldown is measured against the target's
// persisted last_checked, so a probe from any source (scheduler, another
// process, a previous manual run) counts; force bypasses it.
func (s *Service) ProbeNow(ctx context.Context, targetID string, force bool) (*types.Observation, error) {
	target, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("loading target: %w", err)
	}
	if target == nil {
		return nil, ErrNotFound
	}

	if !force && target.LastChecked != nil {
		if elapsed := s.now().Sub(*target.LastChecked); elapsed < config.ManualProbeCooldown {
			return nil, &RateLimitedError{RetryAfter: config.ManualProbeCooldown - elapsed}
		}
	}

	obs, err := s.probeAndPersist(ctx, target, types.CheckManual)
	if err != nil {
		return nil, err
	}

	s.logger.Info("manual probe complete",
		"target_id", targetID,
		"status", obs.Status,
		"forced", force,
	)
	return obs, nil
}

// ProbeBatch probes up to the batch cap of targets concurrently, with a
// bounded worker count and a short stagger between waves so a batch never
// bursts past the per-host politeness the automated pool maintains.
func (s *Service) ProbeBatch(ctx context.Context, targetIDs []string) ([]types.Observation, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	if len(targetIDs) > config.BatchProbeMaxTargets {
		return nil, ErrBatchTooLarge
	}

	targets, err := s.store.ListTargetsByIDs(ctx, targetIDs)
	if err != nil {
		return nil, fmt.Errorf("loading targets: %w", err)
	}

	results := make([]types.Observation, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(config.BatchProbeConcurrency)

	for i := range targets {
		if i > 0 && i%config.BatchProbeConcurrency == 0 {
			s.sleep(ctx, config.BatchProbeSpacing)
		}
		i := i
		g.Go(func() error {
			obs, err := s.probeAndPersist(gctx, &targets[i], types.CheckBatch)
			if err != nil {
				return fmt.Errorf("probing %s: %w", targets[i].ID, err)
			}
			results[i] = *obs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("batch probe complete", "targets", len(targets))
	return results, nil
}

// GetTarget reads a target through the cache.
func (s *Service) GetTarget(ctx context.Context, id string) (*types.Target, error) {
	key := cache.TargetKey(id)

	var cached types.Target
	if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	target, err := s.store.GetTarget(ctx, id)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrNotFound
	}

	if err := s.cache.SetJSON(ctx, key, target, config.CacheTTLTarget); err != nil {
		s.logger.Debug("caching target", "target_id", id, "error", err)
	}
	return target, nil
}

// History reads a target's recent observations through the cache.
func (s *Service) History(ctx context.Context, targetID string, limit int) ([]types.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	key := cache.HistoryKey(targetID, limit)

	var cached []types.Observation
	if hit, err := s.cache.GetJSON(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	obs, err := s.store.ListObservations(ctx, targetID, limit)
	if err != nil {
		return nil, err
	}

	if err := s.cache.SetJSON(ctx, key, obs, config.CacheTTLHistory); err != nil {
		s.logger.Debug("caching history", "target_id", targetID, "error", err)
	}
	return obs, nil
}

// InvalidateTarget drops the cached reads for a target. The REST layer
// calls this after any mutation.
func (s *Service) InvalidateTarget(ctx context.Context, targetID string) {
	if err := s.cache.InvalidateTarget(ctx, targetID); err != nil {
		s.logger.Warn("invalidating target cache", "target_id", targetID, "error", err)
	}
}

// probeAndPersist runs one probe and records its outcome exactly like the
// automated pool does, just with a different check type.
func (s *Service) probeAndPersist(ctx context.Context, target *types.Target, checkType types.CheckType) (*types.Observation, error) {
	oldStatus := target.Status
	result := s.prober.Probe(ctx, target, s.tracker.FailureRate(target.ID))
	checkedAt := s.now()

	obs := &types.Observation{
		ID:        uuid.New().String(),
		TargetID:  target.ID,
		Status:    result.Status,
		LatencyMs: result.LatencyMs,
		Error:     result.Error,
		Timestamp: checkedAt,
		CheckType: checkType,
	}

	dbCtx, cancel := context.WithTimeout(ctx, config.DBOperationTimeout)
	defer cancel()

	if err := s.store.InsertObservation(dbCtx, obs); err != nil {
		return nil, fmt.Errorf("inserting observation: %w", err)
	}
	if err := s.store.ApplyObservation(dbCtx, target.ID, store.ObservationUpdate{
		Status:        result.Status,
		LatencyMs:     result.LatencyMs,
		Error:         result.Error,
		CheckedAt:     checkedAt,
		StatusChanged: result.Status != oldStatus,
	}); err != nil {
		return nil, fmt.Errorf("updating target: %w", err)
	}

	s.tracker.Record(target.ID, result.Status == types.StatusUp)
	s.publisher.Publish(ctx, types.StatusUpdate{
		ServerID:    target.ID,
		Status:      result.Status,
		Latency:     result.LatencyMs,
		LastChecked: checkedAt,
	})
	s.InvalidateTarget(ctx, target.ID)

	return obs, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
