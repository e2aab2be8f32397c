package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/upmon-net/upmon/internal/queue"
	"github.com/upmon-net/upmon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockStore struct {
	target *types.Target
}

func (m *mockStore) GetTarget(ctx context.Context, id string) (*types.Target, error) {
	return m.target, nil
}

type mockJobQueue struct {
	acked  int
	nacked int
}

func (m *mockJobQueue) Claim(ctx context.Context, n int) ([]queue.Job, error) { return nil, nil }
func (m *mockJobQueue) Ack(ctx context.Context, job *queue.Job) error {
	m.acked++
	return nil
}
func (m *mockJobQueue) Nack(ctx context.Context, job *queue.Job, reason string) error {
	m.nacked++
	return nil
}
func (m *mockJobQueue) ReclaimExpired(ctx context.Context) (int64, error) { return 0, nil }

type mockTracker struct {
	rate float64
}

func (m *mockTracker) FailureRate(targetID string) float64 { return m.rate }

type mockEmail struct {
	err  error
	sent []struct {
		to      []string
		subject string
	}
}

func (m *mockEmail) Send(ctx context.Context, to []string, subject, body string) error {
	m.sent = append(m.sent, struct {
		to      []string
		subject string
	}{to, subject})
	return m.err
}

type mockWebhook struct {
	sent []types.WebhookPayload
}

func (m *mockWebhook) Send(ctx context.Context, url string, payload types.WebhookPayload) {
	m.sent = append(m.sent, payload)
}

type fixture struct {
	pipeline *Pipeline
	jobs     *mockJobQueue
	tracker  *mockTracker
	email    *mockEmail
	webhook  *mockWebhook
}

func newFixture(target *types.Target) *fixture {
	f := &fixture{
		jobs:    &mockJobQueue{},
		tracker: &mockTracker{},
		email:   &mockEmail{},
		webhook: &mockWebhook{},
	}
	f.pipeline = NewPipeline(&mockStore{target: target}, f.jobs, f.tracker,
		f.email, f.webhook, time.UTC, Options{Concurrency: 4, RateLimitPerSec: 100}, testLogger())
	f.pipeline.now = func() time.Time {
		return time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	}
	return f
}

func alertTarget(mutate func(*types.Target)) *types.Target {
	t := &types.Target{
		ID:            "t1",
		Name:          "example",
		Address:       "https://example.com",
		ContactEmails: []string{"ops@example.com"},
		Status:        types.StatusDown,
		Monitoring: types.MonitoringConfig{
			FrequencyMinutes: 5,
			Alerts: types.AlertConfig{
				Enabled: true,
				Email:   true,
			},
		},
	}
	if mutate != nil {
		mutate(t)
	}
	return t
}

func downIntent() types.AlertIntent {
	reason := "connection refused"
	return types.AlertIntent{
		TargetID:   "t1",
		OldStatus:  types.StatusUp,
		NewStatus:  types.StatusDown,
		Result:     types.ProbeResult{Status: types.StatusDown, Error: &reason},
		DetectedAt: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC),
		Kind:       types.AlertServerDown,
	}
}

func intentJob(intent types.AlertIntent) *queue.Job {
	payload, _ := json.Marshal(intent)
	return &queue.Job{ID: "job-1", Topic: queue.TopicAlerts, Payload: payload, MaxAttempts: 3}
}

func TestHandleDispatchesEmail(t *testing.T) {
	f := newFixture(alertTarget(nil))

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	if len(f.email.sent) != 1 {
		t.Fatalf("emails = %d, want 1", len(f.email.sent))
	}
	if got := f.email.sent[0].subject; got != "ALERT: example is DOWN" {
		t.Errorf("subject = %q", got)
	}
	if f.jobs.acked != 1 {
		t.Error("job not acked")
	}
}

func TestHandleDispatchesWebhook(t *testing.T) {
	f := newFixture(alertTarget(func(tg *types.Target) {
		tg.Monitoring.Alerts.Email = false
		tg.Monitoring.Alerts.WebhookURL = "https://hooks.example.com/x"
	}))

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	if len(f.webhook.sent) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(f.webhook.sent))
	}
	p := f.webhook.sent[0]
	if p.Event != types.AlertServerDown || p.NewStatus != types.StatusDown {
		t.Errorf("payload = %+v", p)
	}
	if p.Timestamp != "2026-03-04T12:00:00Z" {
		t.Errorf("Timestamp = %q, want RFC3339 UTC", p.Timestamp)
	}
	if len(f.email.sent) != 0 {
		t.Error("email sent despite email notifications disabled")
	}
}

func TestHandleSuppressedWhenDisabled(t *testing.T) {
	f := newFixture(alertTarget(func(tg *types.Target) {
		tg.Monitoring.Alerts.Enabled = false
	}))

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	if len(f.email.sent) != 0 || len(f.webhook.sent) != 0 {
		t.Error("disabled target must not dispatch")
	}
	if f.jobs.acked != 1 {
		t.Error("suppressed intent must still ack")
	}
}

func TestHandleSuppressedOutsideWindow(t *testing.T) {
	f := newFixture(alertTarget(func(tg *types.Target) {
		// Pipeline clock is fixed at 12:00.
		tg.Monitoring.Alerts.TimeWindow = types.TimeWindow{Start: "18:00", End: "22:00"}
	}))

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	if len(f.email.sent) != 0 {
		t.Error("intent outside the alert window must not dispatch")
	}
}

func TestFlapSuppressionAppliesToTransitionsOnly(t *testing.T) {
	f := newFixture(alertTarget(nil))
	f.tracker.rate = 0.9

	f.pipeline.handle(context.Background(), intentJob(downIntent()))
	if len(f.email.sent) != 0 {
		t.Error("flapping target's down alert must be suppressed")
	}

	// A slow-response warning on the same flapping target still goes out.
	latency := 2500.0
	slow := types.SlowResponsePrefix + " 2500ms exceeds 1000ms"
	f.pipeline.handle(context.Background(), intentJob(types.AlertIntent{
		TargetID:   "t1",
		OldStatus:  types.StatusUp,
		NewStatus:  types.StatusUp,
		Result:     types.ProbeResult{Status: types.StatusUp, LatencyMs: &latency, Error: &slow},
		DetectedAt: time.Now(),
		Kind:       types.AlertSlowResponse,
	}))
	if len(f.email.sent) != 1 {
		t.Error("slow-response alert must bypass flap suppression")
	}
}

func TestFlapSuppressionBoundary(t *testing.T) {
	// Exactly 0.8 is not suppressed; strictly above is.
	f := newFixture(alertTarget(nil))
	f.tracker.rate = 0.8
	f.pipeline.handle(context.Background(), intentJob(downIntent()))
	if len(f.email.sent) != 1 {
		t.Error("failure_rate == 0.8 must not suppress")
	}

	f2 := newFixture(alertTarget(nil))
	f2.tracker.rate = 0.81
	f2.pipeline.handle(context.Background(), intentJob(downIntent()))
	if len(f2.email.sent) != 0 {
		t.Error("failure_rate > 0.8 must suppress")
	}
}

func TestFailedEmailDispatchNacks(t *testing.T) {
	f := newFixture(alertTarget(nil))
	f.email.err = errors.New("connection refused")

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	// The queue owns the retry/dead-letter policy, so the failure must
	// surface as a nack, never an ack.
	if f.jobs.nacked != 1 {
		t.Errorf("nacked = %d, want 1", f.jobs.nacked)
	}
	if f.jobs.acked != 0 {
		t.Error("failed email dispatch must not ack")
	}
}

func TestWebhookFiresOnFirstDeliveryOnly(t *testing.T) {
	f := newFixture(alertTarget(func(tg *types.Target) {
		tg.Monitoring.Alerts.WebhookURL = "https://hooks.example.com/x"
	}))
	f.email.err = errors.New("connection refused")

	job := intentJob(downIntent())
	f.pipeline.handle(context.Background(), job)
	if len(f.webhook.sent) != 1 {
		t.Fatalf("webhooks = %d, want 1", len(f.webhook.sent))
	}

	// A redelivery after nack re-attempts the email but not the webhook.
	job.Attempt = 1
	f.pipeline.handle(context.Background(), job)
	if len(f.webhook.sent) != 1 {
		t.Errorf("webhooks = %d after redelivery, want 1", len(f.webhook.sent))
	}
	if len(f.email.sent) != 2 {
		t.Errorf("email attempts = %d, want 2", len(f.email.sent))
	}
}

func TestHandleDeletedTargetAcks(t *testing.T) {
	f := newFixture(nil)

	f.pipeline.handle(context.Background(), intentJob(downIntent()))

	if f.jobs.acked != 1 {
		t.Error("intent for a deleted target must ack")
	}
}

func TestLaneRoutingIsSticky(t *testing.T) {
	f := newFixture(alertTarget(nil))

	first := f.pipeline.laneFor(*intentJob(downIntent()))
	for i := 0; i < 10; i++ {
		if lane := f.pipeline.laneFor(*intentJob(downIntent())); lane != first {
			t.Fatalf("lane changed between identical intents: %d then %d", first, lane)
		}
	}
}

func TestComposeEmailSubjects(t *testing.T) {
	target := alertTarget(nil)

	recovery := downIntent()
	recovery.Kind = types.AlertServerRecovery
	recovery.OldStatus, recovery.NewStatus = types.StatusDown, types.StatusUp

	slow := downIntent()
	slow.Kind = types.AlertSlowResponse

	cases := []struct {
		intent types.AlertIntent
		want   string
	}{
		{downIntent(), "ALERT: example is DOWN"},
		{recovery, "RESOLVED: example is back UP"},
		{slow, "WARNING: example is responding slowly"},
	}
	for _, tc := range cases {
		subject, body := composeEmail(target, tc.intent)
		if subject != tc.want {
			t.Errorf("subject = %q, want %q", subject, tc.want)
		}
		if body == "" {
			t.Errorf("%s: empty body", tc.intent.Kind)
		}
	}
}
