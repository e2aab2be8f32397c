// Package queue provides a Redis-backed, priority-ordered job queue with
// at-least-once delivery.
//
// # Design
//
// Each topic keeps three structures:
//
//   - a due ZSET, scored priority-class-first (see below), holding jobs
//     waiting to be claimed
//   - a processing ZSET, scored by lease expiry, holding claimed jobs
//   - a jobs HASH mapping job id to its JSON envelope
//
// The due score is priority*2^42 + ready_ms, so lower priority classes
// strictly dominate and, within a class, jobs order by their ready
// timestamp. The ready timestamp doubles as the tie-break: the scheduler
// passes a target's last_checked as the ready time so oldest-checked sorts
// first, and retries pass now+backoff so they stay invisible until due.
//
// Claims and lease reclaims are Lua scripts, so a job is never visible in
// two sets at once. A consumer that dies mid-job loses its lease and the
// reclaim sweep returns the job to the due set: at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topic names for the two core queues.
const (
	TopicProbes = "probes"
	TopicAlerts = "alerts"
)

// priorityBand separates priority classes in the due score. 2^42 ms is far
// beyond any live timestamp, and priority*band+ms stays under 2^53 so the
// score survives the float64 round-trip through Redis exactly.
const priorityBand = 1 << 42

const (
	// DefaultLeaseTTL is how long a claimed job stays invisible before the
	// reclaim sweep assumes the consumer died.
	DefaultLeaseTTL = 60 * time.Second

	// DedupTTL bounds how long an enqueue dedup key blocks duplicates.
	DedupTTL = 2 * time.Minute

	// DeadLetterMax caps the dead-letter list length per topic.
	DeadLetterMax = 1000

	// DeadLetterTTL expires an untouched dead-letter list.
	DeadLetterTTL = 24 * time.Hour

	// claimScanLimit bounds how many due members one claim inspects while
	// skipping jobs whose ready time is still in the future.
	claimScanLimit = 512
)

// ErrDuplicate is returned when an enqueue is rejected by its dedup key.
var ErrDuplicate = errors.New("queue: duplicate job")

// Job is the envelope stored for every queued item.
type Job struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	DedupKey    string          `json:"dedup_key,omitempty"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffMs   int64           `json:"backoff_ms"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// EnqueueOptions describe one job to enqueue.
type EnqueueOptions struct {
	Payload     any
	Priority    int
	DedupKey    string        // optional; rejects duplicates within DedupTTL
	ReadyAt     time.Time     // zero means now; also the FIFO tie-break
	MaxAttempts int           // <= 0 means 1
	Backoff     time.Duration // base for exponential retry backoff
}

// Queue is one topic of the job bus.
type Queue struct {
	client   *redis.Client
	topic    string
	leaseTTL time.Duration
	logger   *slog.Logger
}

// New creates a queue for a topic on an existing Redis client.
func New(client *redis.Client, topic string, logger *slog.Logger) *Queue {
	return &Queue{
		client:   client,
		topic:    topic,
		leaseTTL: DefaultLeaseTTL,
		logger:   logger.With("component", "queue", "topic", topic),
	}
}

func (q *Queue) keyDue() string  { return "upmon:q:" + q.topic + ":due" }
func (q *Queue) keyProc() string { return "upmon:q:" + q.topic + ":proc" }
func (q *Queue) keyJobs() string { return "upmon:q:" + q.topic + ":jobs" }
func (q *Queue) keyDead() string { return "upmon:q:" + q.topic + ":dead" }
func (q *Queue) keyDedup(k string) string {
	return "upmon:q:" + q.topic + ":dedup:" + k
}

// CLAIM: scan the head of the due set, move ready members into the
// processing set under a lease, and return their ids.
var claimScript = redis.NewScript(`
local due   = KEYS[1]
local proc  = KEYS[2]
local now   = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local lease = tonumber(ARGV[3])
local band  = tonumber(ARGV[4])
local scan  = tonumber(ARGV[5])

local items = redis.call('ZRANGE', due, 0, scan - 1, 'WITHSCORES')
local claimed = {}
for i = 1, #items, 2 do
  if #claimed >= limit then break end
  local member = items[i]
  local score  = tonumber(items[i+1])
  local ready  = score % band
  if ready <= now then
    redis.call('ZREM', due, member)
    redis.call('ZADD', proc, now + lease, member)
    claimed[#claimed+1] = member
  end
end
return claimed
`)

// RECLAIM: move jobs whose lease expired back to the due set at their
// original priority class, ready immediately.
var reclaimScript = redis.NewScript(`
local proc = KEYS[1]
local due  = KEYS[2]
local jobs = KEYS[3]
local now  = tonumber(ARGV[1])
local band = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local ids = redis.call('ZRANGEBYSCORE', proc, '-inf', now, 'LIMIT', 0, limit)
for i = 1, #ids do
  local id = ids[i]
  redis.call('ZREM', proc, id)
  local prio = 2
  local data = redis.call('HGET', jobs, id)
  if data then
    local ok, decoded = pcall(cjson.decode, data)
    if ok and decoded.priority then prio = decoded.priority end
    redis.call('ZADD', due, prio * band + now, id)
  end
end
return #ids
`)

// Enqueue adds a job to the topic. Returns ErrDuplicate when the dedup key
// was already used inside DedupTTL.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (*Job, error) {
	if opts.DedupKey != "" {
		ok, err := q.client.SetNX(ctx, q.keyDedup(opts.DedupKey), 1, DedupTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return nil, ErrDuplicate
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	ready := opts.ReadyAt
	if ready.IsZero() {
		ready = time.Now()
	}

	job := &Job{
		ID:          uuid.New().String(),
		Topic:       q.topic,
		DedupKey:    opts.DedupKey,
		Priority:    opts.Priority,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		BackoffMs:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now(),
	}

	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	job.Payload = payload

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyJobs(), job.ID, data)
	pipe.ZAdd(ctx, q.keyDue(), redis.Z{
		Score:  Score(job.Priority, ready),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

// Score computes the due-set score for a priority class and ready time.
// Exported for tests that assert ordering invariants.
func Score(priority int, ready time.Time) float64 {
	return float64(priority)*priorityBand + float64(ready.UnixMilli())
}

// Claim atomically takes up to n ready jobs under a lease.
func (q *Queue) Claim(ctx context.Context, n int) ([]Job, error) {
	idsAny, err := claimScript.Run(ctx, q.client,
		[]string{q.keyDue(), q.keyProc()},
		time.Now().UnixMilli(), n, q.leaseTTL.Milliseconds(), priorityBand, claimScanLimit,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	raw, _ := idsAny.([]interface{})
	if len(raw) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}

	data, err := q.client.HMGet(ctx, q.keyJobs(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading claimed jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for i, v := range data {
		s, ok := v.(string)
		if !ok {
			// Envelope vanished (acked by a racing consumer); drop the lease.
			q.client.ZRem(ctx, q.keyProc(), ids[i])
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.logger.Warn("dropping undecodable job", "job_id", ids[i], "error", err)
			q.client.ZRem(ctx, q.keyProc(), ids[i])
			q.client.HDel(ctx, q.keyJobs(), ids[i])
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Ack removes a completed job.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyProc(), job.ID)
	pipe.HDel(ctx, q.keyJobs(), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack records a failed attempt. The job is re-queued with exponential
// backoff until its attempt budget is spent, then dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *Job, reason string) error {
	job.Attempt++
	job.LastError = reason

	if job.Attempt >= job.MaxAttempts {
		return q.deadLetter(ctx, job)
	}

	backoff := time.Duration(job.BackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = time.Second
	}
	delay := backoff << (job.Attempt - 1)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyProc(), job.ID)
	pipe.HSet(ctx, q.keyJobs(), job.ID, data)
	pipe.ZAdd(ctx, q.keyDue(), redis.Z{
		Score:  Score(job.Priority, time.Now().Add(delay)),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack: %w", err)
	}

	q.logger.Debug("job requeued",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"delay", delay,
		"reason", reason,
	)
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.keyProc(), job.ID)
	pipe.HDel(ctx, q.keyJobs(), job.ID)
	pipe.LPush(ctx, q.keyDead(), data)
	pipe.LTrim(ctx, q.keyDead(), 0, DeadLetterMax-1)
	pipe.Expire(ctx, q.keyDead(), DeadLetterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter: %w", err)
	}

	q.logger.Warn("job dead-lettered",
		"job_id", job.ID,
		"attempts", job.Attempt,
		"reason", job.LastError,
	)
	return nil
}

// ReclaimExpired returns jobs with expired leases to the due set. Run this
// periodically from one goroutine per consumer process.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	n, err := reclaimScript.Run(ctx, q.client,
		[]string{q.keyProc(), q.keyDue(), q.keyJobs()},
		time.Now().UnixMilli(), priorityBand, claimScanLimit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("reclaim: %w", err)
	}
	if n > 0 {
		q.logger.Info("reclaimed expired leases", "count", n)
	}
	return n, nil
}

// Depth returns the number of jobs waiting in the due set.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.keyDue()).Result()
}

// InFlight returns the number of jobs currently leased.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.keyProc()).Result()
}

// DeadLetters returns up to n dead-lettered jobs, newest first, for
// operator inspection.
func (q *Queue) DeadLetters(ctx context.Context, n int64) ([]Job, error) {
	items, err := q.client.LRange(ctx, q.keyDead(), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(items))
	for _, item := range items {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
