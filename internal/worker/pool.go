// Package worker runs the probe worker pool: it drains the probe queue,
// executes probes, persists observations, and hands transitions to the
// alert queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/internal/store"
	"github.com/upmon-net/upmon/pkg/types"
)

// pollInterval is how long an idle worker sleeps when the queue is empty.
const pollInterval = time.Second

// Store is the persistence surface the pool writes through.
type Store interface {
	GetTarget(ctx context.Context, id string) (*types.Target, error)
	InsertObservation(ctx context.Context, o *types.Observation) error
	ApplyObservation(ctx context.Context, targetID string, u store.ObservationUpdate) error
}

// JobQueue is the probe queue surface the pool consumes.
type JobQueue interface {
	Claim(ctx context.Context, n int) ([]queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Nack(ctx context.Context, job *queue.Job, reason string) error
	ReclaimExpired(ctx context.Context) (int64, error)
}

// AlertEnqueuer is the alert queue surface transitions are handed to.
type AlertEnqueuer interface {
	Enqueue(ctx context.Context, opts queue.EnqueueOptions) (*queue.Job, error)
}

// Publisher emits real-time status updates after every probe.
type Publisher interface {
	Publish(ctx context.Context, update types.StatusUpdate)
}

// Tracker is the reliability surface: a failure-rate hint in, the
// observation outcome back.
type Tracker interface {
	Record(targetID string, up bool)
	FailureRate(targetID string) float64
}

// Prober performs one observation of a target.
type Prober interface {
	Probe(ctx context.Context, target *types.Target, failureRate float64) types.ProbeResult
}

// Pool is the probe worker pool.
type Pool struct {
	store     Store
	jobs      JobQueue
	alerts    AlertEnqueuer
	publisher Publisher
	tracker   Tracker
	prober    Prober
	logger    *slog.Logger

	concurrency int
	limiter     *rate.Limiter

	// inFlight holds the target ids currently being probed, so a reclaimed
	// or duplicated job for a target never runs concurrently with itself.
	inFlightMu sync.Mutex
	inFlight   map[string]bool

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configure the pool shape. Zero values fall back to the defaults.
type Options struct {
	Concurrency     int
	RateLimitPerSec int
}

// NewPool wires a probe worker pool.
func NewPool(st Store, jobs JobQueue, alerts AlertEnqueuer, pub Publisher, tr Tracker, pr Prober, opts Options, logger *slog.Logger) *Pool {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = config.DefaultWorkerConcurrency
	}
	ratePerSec := opts.RateLimitPerSec
	if ratePerSec < 1 {
		ratePerSec = config.DefaultWorkerRatePerSec
	}
	return &Pool{
		store:       st,
		jobs:        jobs,
		alerts:      alerts,
		publisher:   pub,
		tracker:     tr,
		prober:      pr,
		logger:      logger.With("component", "worker"),
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		inFlight:    make(map[string]bool),
		now:         time.Now,
	}
}

// Start launches the worker goroutines and the lease reclaim loop.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("worker pool started",
		"concurrency", p.concurrency,
		"rate_limit_per_sec", int(p.limiter.Limit()),
	)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaim(ctx)
	}()
}

// Stop drains the pool: workers finish their current job and exit. Waits
// up to the drain timeout before giving up; leased jobs a worker abandons
// are reclaimed after their lease expires.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(config.WorkerDrainTimeout):
		p.logger.Warn("worker pool drain timed out", "timeout", config.WorkerDrainTimeout)
	}
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		jobs, err := p.jobs.Claim(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claiming probe job", "error", err)
			p.sleep(ctx, pollInterval)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(ctx, pollInterval)
			continue
		}

		for i := range jobs {
			p.handle(ctx, &jobs[i])
		}
	}
}

func (p *Pool) runReclaim(ctx context.Context) {
	ticker := time.NewTicker(queue.DefaultLeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.jobs.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("reclaiming expired leases", "error", err)
			}
		}
	}
}

// handle runs one probe job end to end. The job is acked on every path
// except transient storage failure, which nacks so the queue retries.
func (p *Pool) handle(ctx context.Context, job *queue.Job) {
	var payload types.ProbeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.logger.Error("dropping undecodable probe job", "job_id", job.ID, "error", err)
		p.ack(ctx, job)
		return
	}

	if !p.acquire(payload.TargetID) {
		// Another worker is already probing this target, most likely a
		// reclaimed duplicate of the same tick. Dropping it is safe: the
		// in-flight probe produces the observation this job wanted.
		p.logger.Debug("target already in flight, dropping job",
			"target_id", payload.TargetID, "job_id", job.ID)
		p.ack(ctx, job)
		return
	}
	defer p.release(payload.TargetID)

	target, err := p.store.GetTarget(ctx, payload.TargetID)
	if err != nil {
		p.nack(ctx, job, fmt.Sprintf("loading target: %v", err))
		return
	}
	if target == nil {
		// Deleted since the tick that scheduled it.
		p.ack(ctx, job)
		return
	}

	oldStatus := target.Status
	result := p.prober.Probe(ctx, target, p.tracker.FailureRate(target.ID))
	checkedAt := p.now()

	if err := p.persist(ctx, target, oldStatus, result, checkedAt); err != nil {
		p.nack(ctx, job, fmt.Sprintf("persisting observation: %v", err))
		return
	}

	p.tracker.Record(target.ID, result.Status == types.StatusUp)

	if kind := types.ClassifyAlert(oldStatus, result.Status, result); kind != "" {
		p.enqueueAlert(ctx, target, oldStatus, result, checkedAt, kind)
	}

	p.ack(ctx, job)
}

// persist writes the observation row, patches the target, and publishes
// the real-time update. The row insert and the target patch both have to
// succeed; the publish is fire-and-forget.
func (p *Pool) persist(ctx context.Context, target *types.Target, oldStatus types.TargetStatus, result types.ProbeResult, checkedAt time.Time) error {
	obs := &types.Observation{
		ID:        uuid.New().String(),
		TargetID:  target.ID,
		Status:    result.Status,
		LatencyMs: result.LatencyMs,
		Error:     result.Error,
		Timestamp: checkedAt,
		CheckType: types.CheckAutomated,
	}

	dbCtx, cancel := context.WithTimeout(ctx, config.DBOperationTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var insertErr, applyErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		insertErr = p.store.InsertObservation(dbCtx, obs)
	}()
	go func() {
		defer wg.Done()
		applyErr = p.store.ApplyObservation(dbCtx, target.ID, store.ObservationUpdate{
			Status:        result.Status,
			LatencyMs:     result.LatencyMs,
			Error:         result.Error,
			CheckedAt:     checkedAt,
			StatusChanged: result.Status != oldStatus,
		})
	}()
	wg.Wait()

	if insertErr != nil {
		return insertErr
	}
	if applyErr != nil {
		return applyErr
	}

	p.publisher.Publish(ctx, types.StatusUpdate{
		ServerID:    target.ID,
		Status:      result.Status,
		Latency:     result.LatencyMs,
		LastChecked: checkedAt,
	})
	return nil
}

func (p *Pool) enqueueAlert(ctx context.Context, target *types.Target, oldStatus types.TargetStatus, result types.ProbeResult, checkedAt time.Time, kind types.AlertKind) {
	intent := types.AlertIntent{
		TargetID:   target.ID,
		OldStatus:  oldStatus,
		NewStatus:  result.Status,
		Result:     result,
		DetectedAt: checkedAt,
		Kind:       kind,
	}
	_, err := p.alerts.Enqueue(ctx, queue.EnqueueOptions{
		Payload:     intent,
		Priority:    int(intent.Priority()),
		MaxAttempts: config.AlertJobMaxAttempts,
		Backoff:     config.AlertJobBackoffBase,
	})
	if err != nil {
		// The observation is already persisted; losing one alert intent is
		// preferable to retrying the whole probe.
		p.logger.Error("enqueueing alert intent",
			"target_id", target.ID, "kind", kind, "error", err)
		return
	}
	p.logger.Info("alert intent enqueued",
		"target_id", target.ID,
		"kind", kind,
		"old_status", oldStatus,
		"new_status", result.Status,
	)
}

func (p *Pool) acquire(targetID string) bool {
	p.inFlightMu.Lock()
	defer p.inFlightMu.Unlock()
	if p.inFlight[targetID] {
		return false
	}
	p.inFlight[targetID] = true
	return true
}

func (p *Pool) release(targetID string) {
	p.inFlightMu.Lock()
	delete(p.inFlight, targetID)
	p.inFlightMu.Unlock()
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.jobs.Ack(ctx, job); err != nil {
		p.logger.Error("acking job", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, job *queue.Job, reason string) {
	if err := p.jobs.Nack(ctx, job, reason); err != nil {
		p.logger.Error("nacking job", "job_id", job.ID, "error", err)
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
