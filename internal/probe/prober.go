// Package probe performs single HTTP or TCP observations of a target.
//
// # Design
//
// The engine is stateless: callers pass the target and the current failure
// rate hint, and get back exactly one ProbeResult. HTTP targets walk a
// ladder of up to three request strategies before being declared down; TCP
// targets get a plain connect. A probe that succeeds but exceeds the
// target's response threshold stays up with an error string carrying the
// "Slow response:" prefix the alert pipeline matches on.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/upmon-net/upmon/internal/config"
	"github.com/upmon-net/upmon/pkg/types"
)

// Engine performs probes. Safe for concurrent use; the HTTP transports are
// process-wide pools shared by all workers.
type Engine struct {
	httpProber *httpProber
	tcpProber  *tcpProber
	logger     *slog.Logger

	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration)
}

// NewEngine creates a probe engine with pooled transports.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{
		httpProber:     newHTTPProber(),
		tcpProber:      &tcpProber{},
		logger:         logger.With("component", "probe"),
		attemptTimeout: config.ProbeAttemptTimeout,
		sleep:          sleepCtx,
	}
}

// Probe performs one observation of the target. failureRate is the
// reliability tracker's current hint; above the instability threshold the
// engine spends an extra attempt before giving up.
func (e *Engine) Probe(ctx context.Context, target *types.Target, failureRate float64) types.ProbeResult {
	maxAttempts := config.ProbeBaseAttempts
	if failureRate > config.ProbeUnstableRateThreshold {
		maxAttempts = config.ProbeUnstableAttempts
	}

	var last attemptResult
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
		if target.Kind.IsTCP() {
			last = e.tcpProber.probe(attemptCtx, target.Address, e.attemptTimeout)
		} else {
			last = e.httpProber.probe(attemptCtx, target.Address, e.attemptTimeout)
		}
		cancel()

		if last.up {
			break
		}
		if last.permanent {
			// Malformed address; retrying cannot help.
			break
		}
		if attempt < maxAttempts {
			e.sleep(ctx, time.Duration(attempt)*config.ProbeRetrySleepUnit)
		}
		if ctx.Err() != nil {
			break
		}
	}

	result := types.ProbeResult{Attempts: attempts}
	if !last.up {
		result.Status = types.StatusDown
		reason := last.reason
		if reason == "" {
			reason = "probe failed"
		}
		result.Error = &reason
		e.logger.Debug("probe down",
			"target_id", target.ID,
			"address", target.Address,
			"attempts", attempts,
			"reason", reason,
		)
		return result
	}

	latency := last.latencyMs
	result.Status = types.StatusUp
	result.LatencyMs = &latency

	if threshold := target.Monitoring.Alerts.ResponseThresholdMs; threshold > 0 && latency > threshold {
		slow := fmt.Sprintf("%s %.0fms exceeds %.0fms", types.SlowResponsePrefix, latency, threshold)
		result.Error = &slow
	}
	return result
}

// attemptResult is the outcome of a single probe attempt.
type attemptResult struct {
	up        bool
	latencyMs float64
	reason    string
	permanent bool // address malformed; skip remaining attempts
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// shortReason trims an error chain down to an operator-readable line.
func shortReason(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	// The wrapped url.Error repeats the method and URL; keep the tail.
	if idx := strings.LastIndex(msg, ": "); idx >= 0 && idx+2 < len(msg) {
		tail := msg[idx+2:]
		if len(tail) > 10 || strings.Contains(msg, "http") {
			msg = tail
		}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
