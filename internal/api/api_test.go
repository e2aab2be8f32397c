package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upmon-net/upmon/internal/metrics"
	"github.com/upmon-net/upmon/internal/service"
	"github.com/upmon-net/upmon/internal/store"
	"github.com/upmon-net/upmon/internal/testutil"
	"github.com/upmon-net/upmon/pkg/types"
)

type stubStore struct {
	target *types.Target
}

func (s *stubStore) GetTarget(ctx context.Context, id string) (*types.Target, error) {
	if s.target != nil && s.target.ID == id {
		return s.target, nil
	}
	return nil, nil
}

func (s *stubStore) ListTargetsByIDs(ctx context.Context, ids []string) ([]types.Target, error) {
	var out []types.Target
	for _, id := range ids {
		if s.target != nil && s.target.ID == id {
			out = append(out, *s.target)
		}
	}
	return out, nil
}

func (s *stubStore) ListObservations(ctx context.Context, targetID string, limit int) ([]types.Observation, error) {
	return []types.Observation{*testutil.FixtureObservation(targetID)}, nil
}

func (s *stubStore) InsertObservation(ctx context.Context, o *types.Observation) error { return nil }
func (s *stubStore) ApplyObservation(ctx context.Context, targetID string, u store.ObservationUpdate) error {
	if s.target != nil && s.target.ID == targetID {
		checked := u.CheckedAt
		s.target.LastChecked = &checked
	}
	return nil
}

type noopCache struct{}

func (noopCache) GetJSON(ctx context.Context, key string, v any) (bool, error) { return false, nil }
func (noopCache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	return nil
}
func (noopCache) InvalidateTarget(ctx context.Context, targetID string) error { return nil }

type stubProber struct{}

func (stubProber) Probe(ctx context.Context, target *types.Target, failureRate float64) types.ProbeResult {
	return testutil.FixtureProbeResult(25)
}

type stubTracker struct{}

func (stubTracker) Record(targetID string, up bool)     {}
func (stubTracker) FailureRate(targetID string) float64 { return 0 }

type stubPublisher struct{}

func (stubPublisher) Publish(ctx context.Context, update types.StatusUpdate) {}

type healthStore struct{}

func (healthStore) Ping(ctx context.Context) error                       { return nil }
func (healthStore) CountTargets(ctx context.Context) (int64, error)      { return 1, nil }
func (healthStore) CountObservations(ctx context.Context) (int64, error) { return 1, nil }
func (healthStore) GetStorageStats(ctx context.Context) (*store.StorageStats, error) {
	return &store.StorageStats{}, nil
}

func newTestServer(target *types.Target) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(&stubStore{target: target}, noopCache{}, stubProber{},
		stubTracker{}, stubPublisher{}, logger)
	health := metrics.NewCollector(healthStore{}, nil, nil, logger)
	return NewServer(svc, health, logger)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap metrics.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if !snap.DatabaseUp {
		t.Error("DatabaseUp = false")
	}
}

func TestGetTarget(t *testing.T) {
	target := testutil.FixtureTarget()
	srv := newTestServer(target)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/"+target.ID, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var got types.Target
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != target.ID {
		t.Errorf("ID = %s, want %s", got.ID, target.ID)
	}
}

func TestGetTargetNotFound(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/missing", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestProbeNowEndpoint(t *testing.T) {
	target := testutil.FixtureTarget()
	srv := newTestServer(target)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/"+target.ID+"/probe", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	// A second immediate probe trips the cooldown.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/"+target.ID+"/probe", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}

	// Force bypasses it.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/targets/"+target.ID+"/probe?force=true", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("forced probe status = %d, want 200", rec.Code)
	}
}

func TestProbeBatchEndpoint(t *testing.T) {
	target := testutil.FixtureTarget()
	srv := newTestServer(target)

	body := strings.NewReader(`{"target_ids": ["` + target.ID + `"]}`)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/probes/batch", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var results []types.Observation
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].CheckType != types.CheckBatch {
		t.Errorf("results = %+v", results)
	}
}

func TestProbeBatchRejectsOversize(t *testing.T) {
	srv := newTestServer(nil)

	ids := make([]string, 11)
	for i := range ids {
		ids[i] = "x"
	}
	payload, _ := json.Marshal(map[string][]string{"target_ids": ids})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/probes/batch", strings.NewReader(string(payload))))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	target := testutil.FixtureTarget()
	srv := newTestServer(target)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/"+target.ID+"/history?limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/targets/"+target.ID+"/history?limit=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for invalid limit", rec.Code)
	}
}
