// Package alert consumes alert intents off the queue, applies the gating
// rules, and dispatches notifications through the email and webhook sinks.
//
// # Ordering
//
// Intents for the same target must be delivered in order (a recovery must
// never arrive before the outage it resolves). The pipeline therefore
// routes every intent to a worker chosen by hashing the target id, so one
// target's alerts always flow through the same goroutine while different
// targets fan out across the pool.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/pkg/types"
)

const claimBatch = 10

// Store is the target lookup the pipeline needs.
type Store interface {
	GetTarget(ctx context.Context, id string) (*types.Target, error)
}

// JobQueue is the alert queue surface the pipeline consumes.
type JobQueue interface {
	Claim(ctx context.Context, n int) ([]queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Nack(ctx context.Context, job *queue.Job, reason string) error
	ReclaimExpired(ctx context.Context) (int64, error)
}

// Tracker exposes the failure rate used for flap suppression.
type Tracker interface {
	FailureRate(targetID string) float64
}

// EmailSender delivers one alert email to a set of recipients.
type EmailSender interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// WebhookSender posts one alert payload to a target's webhook URL.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload types.WebhookPayload)
}

// Pipeline is the alert dispatch consumer.
type Pipeline struct {
	store   Store
	jobs    JobQueue
	tracker Tracker
	email   EmailSender
	webhook WebhookSender
	loc     *time.Location
	logger  *slog.Logger

	concurrency int
	limiter     *rate.Limiter

	lanes  []chan queue.Job
	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configure the pipeline shape. Zero values fall back to defaults.
type Options struct {
	Concurrency     int
	RateLimitPerSec int
}

// NewPipeline wires the alert consumer.
func NewPipeline(st Store, jobs JobQueue, tr Tracker, email EmailSender, webhook WebhookSender, loc *time.Location, opts Options, logger *slog.Logger) *Pipeline {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = config.DefaultAlertConcurrency
	}
	ratePerSec := opts.RateLimitPerSec
	if ratePerSec < 1 {
		ratePerSec = config.DefaultAlertRatePerSec
	}
	if loc == nil {
		loc = time.UTC
	}

	lanes := make([]chan queue.Job, concurrency)
	for i := range lanes {
		lanes[i] = make(chan queue.Job, claimBatch)
	}

	return &Pipeline{
		store:       st,
		jobs:        jobs,
		tracker:     tr,
		email:       email,
		webhook:     webhook,
		loc:         loc,
		logger:      logger.With("component", "alert"),
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		lanes:       lanes,
		now:         time.Now,
	}
}

// Start launches the dispatcher, the lane workers, and the reclaim loop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("alert pipeline started",
		"concurrency", p.concurrency,
		"rate_limit_per_sec", int(p.limiter.Limit()),
	)

	for i, lane := range p.lanes {
		p.wg.Add(1)
		go func(n int, lane chan queue.Job) {
			defer p.wg.Done()
			p.runLane(ctx, lane)
		}(i, lane)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runDispatch(ctx)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaim(ctx)
	}()
}

// Stop drains the pipeline: the dispatcher stops claiming, lanes finish
// their queued intents, and everything exits.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("alert pipeline stopped")
}

// runDispatch claims intents and routes each to its target's lane.
func (p *Pipeline) runDispatch(ctx context.Context) {
	defer func() {
		for _, lane := range p.lanes {
			close(lane)
		}
	}()

	for {
		jobs, err := p.jobs.Claim(ctx, claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("claiming alert job", "error", err)
			p.sleep(ctx, time.Second)
			continue
		}
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.sleep(ctx, time.Second)
			continue
		}

		for _, job := range jobs {
			select {
			case p.lanes[p.laneFor(job)] <- job:
			case <-ctx.Done():
				return
			}
		}
	}
}

// laneFor picks the sticky lane for a job. The hash covers the target id
// so one target's intents serialize; undecodable payloads land in lane 0
// and get dropped there.
func (p *Pipeline) laneFor(job queue.Job) int {
	var intent types.AlertIntent
	if err := json.Unmarshal(job.Payload, &intent); err != nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(intent.TargetID))
	return int(h.Sum32()) % len(p.lanes)
}

func (p *Pipeline) runLane(ctx context.Context, lane chan queue.Job) {
	for job := range lane {
		if err := p.limiter.Wait(ctx); err != nil {
			// Shutting down: ack nothing, the lease reclaim re-delivers.
			return
		}
		p.handle(ctx, &job)
	}
}

func (p *Pipeline) runReclaim(ctx context.Context) {
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

// handle gates and dispatches one intent. Every suppression path acks:
// a suppressed alert is a decision, not a failure.
func (p *Pipeline) handle(ctx context.Context, job *queue.Job) {
	var intent types.AlertIntent
	if err := json.Unmarshal(job.Payload, &intent); err != nil {
		p.logger.Error("dropping undecodable alert intent", "job_id", job.ID, "error", err)
		p.ack(ctx, job)
		return
	}

	target, err := p.store.GetTarget(ctx, intent.TargetID)
	if err != nil {
		p.nack(ctx, job, fmt.Sprintf("loading target: %v", err))
		return
	}
	if target == nil {
		p.ack(ctx, job)
		return
	}

	if reason := p.suppress(target, intent); reason != "" {
		p.logger.Debug("alert suppressed",
			"target_id", target.ID, "kind", intent.Kind, "reason", reason)
		p.ack(ctx, job)
		return
	}

	// An email failure nacks so the queue backs off and retries; after the
	// attempt budget the intent lands in the dead-letter list where it is
	// retained for operator inspection.
	if err := p.dispatch(ctx, target, intent, job.Attempt == 0); err != nil {
		p.logger.Error("dispatching alert",
			"target_id", target.ID, "kind", intent.Kind, "error", err)
		p.nack(ctx, job, err.Error())
		return
	}
	p.ack(ctx, job)
}

// suppress returns a non-empty reason when the intent must not be
// dispatched. Gates apply in order: the alert toggle, the alert time
// window, then flap suppression for status transitions.
func (p *Pipeline) suppress(target *types.Target, intent types.AlertIntent) string {
	if !target.Monitoring.Alerts.Enabled {
		return "alerts disabled"
	}
	if !target.Monitoring.AlertsActiveAt(p.now().In(p.loc)) {
		return "outside alert window"
	}
	if intent.Kind == types.AlertServerDown || intent.Kind == types.AlertServerRecovery {
		if rate := p.tracker.FailureRate(target.ID); rate > config.FlapSuppressionRate {
			return fmt.Sprintf("flapping (failure_rate=%.2f)", rate)
		}
	}
	return ""
}

// dispatch delivers the intent to its channels. Webhooks are
// fire-and-forget and go out once, on the first delivery; a retried job
// only re-attempts the email.
func (p *Pipeline) dispatch(ctx context.Context, target *types.Target, intent types.AlertIntent, firstDelivery bool) error {
	if firstDelivery {
		if url := target.Monitoring.Alerts.WebhookURL; url != "" {
			p.webhook.Send(ctx, url, types.NewWebhookPayload(intent, target))
		}
	}

	if target.Monitoring.Alerts.Email && len(target.ContactEmails) > 0 {
		subject, body := composeEmail(target, intent)
		if err := p.email.Send(ctx, target.ContactEmails, subject, body); err != nil {
			return fmt.Errorf("alert email: %w", err)
		}
		p.logger.Info("alert email sent",
			"target_id", target.ID,
			"kind", intent.Kind,
			"recipients", len(target.ContactEmails),
		)
	}
	return nil
}

func (p *Pipeline) ack(ctx context.Context, job *queue.Job) {
	if err := p.jobs.Ack(ctx, job); err != nil {
		p.logger.Error("acking job", "job_id", job.ID, "error", err)
	}
}

func (p *Pipeline) nack(ctx context.Context, job *queue.Job, reason string) {
	if err := p.jobs.Nack(ctx, job, reason); err != nil {
		p.logger.Error("nacking job", "job_id", job.ID, "error", err)
	}
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
