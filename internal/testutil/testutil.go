// Package testutil provides testing utilities and fixtures for the
// monitor core.
//
// Fixtures use functional options for customization:
//
//	target := testutil.FixtureTarget()
//	target := testutil.FixtureTarget(func(t *types.Target) {
//		t.Status = types.StatusDown
//		t.Priority = types.PriorityHigh
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/upmon-net/upmon/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// FixtureTarget creates a test target with sensible defaults. Use
// overrides to customize specific fields.
func FixtureTarget(overrides ...func(*types.Target)) *types.Target {
	id := uuid.New().String()
	target := &types.Target{
		ID:            id,
		Name:          "test-target-" + id[:8],
		Address:       "https://example.com",
		Kind:          types.TargetKindWebsite,
		OwnerID:       uuid.New().String(),
		OwnerPlan:     types.PlanPro,
		OwnerRole:     types.RoleUser,
		Priority:      types.PriorityMedium,
		ContactEmails: []string{"ops@example.com"},
		Status:        types.StatusUp,
		CreatedAt:     time.Now().Add(-24 * time.Hour),
		Monitoring: types.MonitoringConfig{
			FrequencyMinutes: 5,
			Alerts: types.AlertConfig{
				Enabled:             true,
				Email:               true,
				ResponseThresholdMs: 1000,
				TimeWindow:          types.TimeWindow{Start: "00:00", End: "00:00"},
			},
		},
	}
	for _, override := range overrides {
		override(target)
	}
	return target
}

// FixtureObservation creates a test observation for a target.
func FixtureObservation(targetID string, overrides ...func(*types.Observation)) *types.Observation {
	latency := 42.0
	obs := &types.Observation{
		ID:        uuid.New().String(),
		TargetID:  targetID,
		Status:    types.StatusUp,
		LatencyMs: &latency,
		Timestamp: time.Now(),
		CheckType: types.CheckAutomated,
	}
	for _, override := range overrides {
		override(obs)
	}
	return obs
}

// FixtureProbeResult creates an up probe result with the given latency.
func FixtureProbeResult(latencyMs float64, overrides ...func(*types.ProbeResult)) types.ProbeResult {
	result := types.ProbeResult{
		Status:    types.StatusUp,
		LatencyMs: &latencyMs,
		Attempts:  1,
	}
	for _, override := range overrides {
		override(&result)
	}
	return result
}
