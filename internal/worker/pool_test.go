package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/internal/store"
	"github.com/upmon-net/upmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockStore struct {
	target    *types.Target
	getErr    error
	insertErr error
	applyErr  error

	observations []types.Observation
	updates      []store.ObservationUpdate
}

func (m *mockStore) GetTarget(ctx context.Context, id string) (*types.Target, error) {
	return m.target, m.getErr
}

func (m *mockStore) InsertObservation(ctx context.Context, o *types.Observation) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.observations = append(m.observations, *o)
	return nil
}

func (m *mockStore) ApplyObservation(ctx context.Context, targetID string, u store.ObservationUpdate) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	m.updates = append(m.updates, u)
	return nil
}

type mockJobQueue struct {
	acked  []string
	nacked []string
}

func (m *mockJobQueue) Claim(ctx context.Context, n int) ([]queue.Job, error) { return nil, nil }
func (m *mockJobQueue) Ack(ctx context.Context, job *queue.Job) error {
	m.acked = append(m.acked, job.ID)
	return nil
}
func (m *mockJobQueue) Nack(ctx context.Context, job *queue.Job, reason string) error {
	m.nacked = append(m.nacked, reason)
	return nil
}
func (m *mockJobQueue) ReclaimExpired(ctx context.Context) (int64, error) { return 0, nil }

type mockAlerts struct {
	enqueued []queue.EnqueueOptions
}

func (m *mockAlerts) Enqueue(ctx context.Context, opts queue.EnqueueOptions) (*queue.Job, error) {
	m.enqueued = append(m.enqueued, opts)
	return &queue.Job{ID: "alert-job"}, nil
}

type mockPublisher struct {
	updates []types.StatusUpdate
}

func (m *mockPublisher) Publish(ctx context.Context, update types.StatusUpdate) {
	m.updates = append(m.updates, update)
}

type mockTracker struct {
	rate     float64
	recorded []bool
}

func (m *mockTracker) Record(targetID string, up bool) { m.recorded = append(m.recorded, up) }
func (m *mockTracker) FailureRate(targetID string) float64 {
	return m.rate
}

type mockProber struct {
	result types.ProbeResult
	probed int
}

func (m *mockProber) Probe(ctx context.Context, target *types.Target, failureRate float64) types.ProbeResult {
	m.probed++
	return m.result
}

type fixture struct {
	pool    *Pool
	store   *mockStore
	jobs    *mockJobQueue
	alerts  *mockAlerts
	pub     *mockPublisher
	tracker *mockTracker
	prober  *mockProber
}

func newFixture(target *types.Target, result types.ProbeResult) *fixture {
	f := &fixture{
		store:   &mockStore{target: target},
		jobs:    &mockJobQueue{},
		alerts:  &mockAlerts{},
		pub:     &mockPublisher{},
		tracker: &mockTracker{},
		prober:  &mockProber{result: result},
	}
	f.pool = NewPool(f.store, f.jobs, f.alerts, f.pub, f.tracker, f.prober,
		Options{Concurrency: 1, RateLimitPerSec: 100}, testLogger())
	f.pool.now = func() time.Time {
		return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func probeJob(targetID string) *queue.Job {
	payload, _ := json.Marshal(types.ProbeJob{TargetID: targetID})
	return &queue.Job{ID: "job-1", Topic: queue.TopicProbes, Payload: payload, MaxAttempts: 3}
}

func upTarget() *types.Target {
	return &types.Target{
		ID:      "t1",
		Name:    "example",
		Address: "https://example.com",
		Kind:    types.TargetKindWebsite,
		Status:  types.StatusUp,
	}
}

func downResult(reason string) types.ProbeResult {
	return types.ProbeResult{Status: types.StatusDown, Error: &reason, Attempts: 2}
}

func upResult(latency float64) types.ProbeResult {
	return types.ProbeResult{Status: types.StatusUp, LatencyMs: &latency, Attempts: 1}
}

func TestHandleDownTransition(t *testing.T) {
	f := newFixture(upTarget(), downResult("connection refused"))

	f.pool.handle(context.Background(), probeJob("t1"))

	if len(f.store.observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(f.store.observations))
	}
	obs := f.store.observations[0]
	if obs.Status != types.StatusDown || obs.LatencyMs != nil {
		t.Errorf("observation = %+v, want down with nil latency", obs)
	}
	if obs.CheckType != types.CheckAutomated {
		t.Errorf("CheckType = %s, want automated", obs.CheckType)
	}

	if len(f.store.updates) != 1 || !f.store.updates[0].StatusChanged {
		t.Error("target patch must mark the status change")
	}

	if len(f.alerts.enqueued) != 1 {
		t.Fatalf("alerts = %d, want 1", len(f.alerts.enqueued))
	}
	if f.alerts.enqueued[0].Priority != int(types.AlertPriorityHigh) {
		t.Errorf("alert priority = %d, want high", f.alerts.enqueued[0].Priority)
	}
	intent := f.alerts.enqueued[0].Payload.(types.AlertIntent)
	if intent.Kind != types.AlertServerDown {
		t.Errorf("alert kind = %s, want server_down", intent.Kind)
	}

	if len(f.tracker.recorded) != 1 || f.tracker.recorded[0] {
		t.Error("tracker must record a failure")
	}
	if len(f.pub.updates) != 1 || f.pub.updates[0].Status != types.StatusDown {
		t.Error("status update not published")
	}
	if len(f.jobs.acked) != 1 {
		t.Error("job not acked")
	}
}

func TestHandleSteadyUpProducesNoAlert(t *testing.T) {
	f := newFixture(upTarget(), upResult(42))

	f.pool.handle(context.Background(), probeJob("t1"))

	if len(f.alerts.enqueued) != 0 {
		t.Errorf("alerts = %d, want 0 for up -> up", len(f.alerts.enqueued))
	}
	if len(f.store.updates) != 1 || f.store.updates[0].StatusChanged {
		t.Error("steady status must not move last_status_change")
	}
	if len(f.tracker.recorded) != 1 || !f.tracker.recorded[0] {
		t.Error("tracker must record a success")
	}
}

func TestHandleRecovery(t *testing.T) {
	target := upTarget()
	target.Status = types.StatusDown
	f := newFixture(target, upResult(38))

	f.pool.handle(context.Background(), probeJob("t1"))

	if len(f.alerts.enqueued) != 1 {
		t.Fatalf("alerts = %d, want 1", len(f.alerts.enqueued))
	}
	intent := f.alerts.enqueued[0].Payload.(types.AlertIntent)
	if intent.Kind != types.AlertServerRecovery {
		t.Errorf("alert kind = %s, want server_recovery", intent.Kind)
	}
	if f.alerts.enqueued[0].Priority != int(types.AlertPriorityNormal) {
		t.Errorf("alert priority = %d, want normal", f.alerts.enqueued[0].Priority)
	}
}

func TestHandleSlowResponse(t *testing.T) {
	latency := 2500.0
	slow := types.SlowResponsePrefix + " 2500ms exceeds 1000ms"
	result := types.ProbeResult{Status: types.StatusUp, LatencyMs: &latency, Error: &slow}
	f := newFixture(upTarget(), result)

	f.pool.handle(context.Background(), probeJob("t1"))

	if len(f.alerts.enqueued) != 1 {
		t.Fatalf("alerts = %d, want 1", len(f.alerts.enqueued))
	}
	intent := f.alerts.enqueued[0].Payload.(types.AlertIntent)
	if intent.Kind != types.AlertSlowResponse {
		t.Errorf("alert kind = %s, want slow_response", intent.Kind)
	}
	// Slow-but-up is still a success for the reliability tracker.
	if len(f.tracker.recorded) != 1 || !f.tracker.recorded[0] {
		t.Error("slow response must record as success")
	}
}

func TestHandleDeletedTargetAcks(t *testing.T) {
	f := newFixture(nil, upResult(10))

	f.pool.handle(context.Background(), probeJob("gone"))

	if len(f.jobs.acked) != 1 {
		t.Error("job for a deleted target must be acked")
	}
	if f.prober.probed != 0 {
		t.Error("deleted target must not be probed")
	}
}

func TestHandleStorageErrorNacks(t *testing.T) {
	f := newFixture(upTarget(), upResult(10))
	f.store.insertErr = errors.New("connection reset")

	f.pool.handle(context.Background(), probeJob("t1"))

	if len(f.jobs.nacked) != 1 {
		t.Fatalf("nacked = %d, want 1", len(f.jobs.nacked))
	}
	if len(f.jobs.acked) != 0 {
		t.Error("failed job must not be acked")
	}
	if len(f.alerts.enqueued) != 0 {
		t.Error("no alert may be enqueued when persistence failed")
	}
}

func TestHandleInFlightTargetIsDropped(t *testing.T) {
	f := newFixture(upTarget(), upResult(10))

	if !f.pool.acquire("t1") {
		t.Fatal("acquire failed on empty pool")
	}
	f.pool.handle(context.Background(), probeJob("t1"))

	if f.prober.probed != 0 {
		t.Error("in-flight target must not be probed again")
	}
	if len(f.jobs.acked) != 1 {
		t.Error("duplicate job must be acked, not retried")
	}

	f.pool.release("t1")
	f.pool.handle(context.Background(), probeJob("t1"))
	if f.prober.probed != 1 {
		t.Error("released target must be probeable again")
	}
}

func TestHandleUndecodableJobAcks(t *testing.T) {
	f := newFixture(upTarget(), upResult(10))
	job := &queue.Job{ID: "bad", Payload: []byte("{not json")}

	f.pool.handle(context.Background(), job)

	if len(f.jobs.acked) != 1 {
		t.Error("undecodable job must be acked to avoid a retry loop")
	}
	if f.prober.probed != 0 {
		t.Error("undecodable job must not be probed")
	}
}
