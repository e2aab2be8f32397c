// Package types defines the shared domain types for the uptime monitoring core.
package types

import (
	"fmt"
	"strings"
	"time"
)

// TargetKind identifies what class of endpoint a target is.
type TargetKind string

const (
	TargetKindWebsite  TargetKind = "website"
	TargetKindAPI      TargetKind = "api"
	TargetKindTCP      TargetKind = "tcp"
	TargetKindDatabase TargetKind = "database"
)

// IsTCP reports whether the kind is probed with a raw socket connect.
func (k TargetKind) IsTCP() bool {
	return k == TargetKindTCP || k == TargetKindDatabase
}

// TargetStatus is the current observed status of a target.
type TargetStatus string

const (
	StatusUp      TargetStatus = "up"
	StatusDown    TargetStatus = "down"
	StatusUnknown TargetStatus = "unknown"
)

// Priority is the user-assigned importance of a target.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// QueueScore maps a priority to its probe queue class (lower is sooner).
func (p Priority) QueueScore() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Plan is the owner's subscription plan.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPro   Plan = "pro"
	PlanAdmin Plan = "admin"
)

// Role is the owner's account role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Target is a user-registered endpoint under monitoring.
type Target struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Address    string           `json:"address"` // normalized URL or host:port
	Kind       TargetKind       `json:"kind"`
	OwnerID    string           `json:"owner_id"`
	OwnerPlan  Plan             `json:"owner_plan"`
	OwnerRole  Role             `json:"owner_role"`
	Priority   Priority         `json:"priority"`
	Monitoring MonitoringConfig `json:"monitoring"`

	ContactEmails []string `json:"contact_emails"`
	ContactPhones []string `json:"contact_phones"`

	Status           TargetStatus `json:"status"`
	LastChecked      *time.Time   `json:"last_checked,omitempty"`
	LastStatusChange *time.Time   `json:"last_status_change,omitempty"`
	LastLatencyMs    *float64     `json:"last_latency_ms,omitempty"`
	LastError        *string      `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// TrialExpired reports whether a free-plan target's trial window has
// lapsed. Admin owners are never trial-gated.
func (t *Target) TrialExpired(now time.Time) bool {
	if t.OwnerRole == RoleAdmin || t.OwnerPlan == PlanAdmin {
		return false
	}
	if t.OwnerPlan != PlanFree || t.Monitoring.TrialEndsAt == nil {
		return false
	}
	return now.UnixMilli() > *t.Monitoring.TrialEndsAt
}

// CheckType distinguishes how an observation was produced.
type CheckType string

const (
	CheckAutomated CheckType = "automated"
	CheckManual    CheckType = "manual"
	CheckBatch     CheckType = "batch"
)

// Observation is a single persisted probe result for a target.
type Observation struct {
	ID        string       `json:"id"`
	TargetID  string       `json:"target_id"`
	Status    TargetStatus `json:"status"`
	LatencyMs *float64     `json:"latency_ms,omitempty"` // nil when down
	Error     *string      `json:"error,omitempty"`      // nil when clean
	Timestamp time.Time    `json:"timestamp"`
	CheckType CheckType    `json:"check_type"`
}

// SlowResponsePrefix is the literal prefix the probe engine puts on the
// error string of a slow-but-up observation. The alert pipeline matches on
// this substring; it is a wire contract, not a display detail.
const SlowResponsePrefix = "Slow response:"

// ProbeResult is the outcome of one probe engine invocation.
type ProbeResult struct {
	Status    TargetStatus `json:"status"`
	LatencyMs *float64     `json:"latency_ms,omitempty"`
	Error     *string      `json:"error,omitempty"`
	Attempts  int          `json:"attempts"`
}

// Slow reports whether the result is an up observation over threshold.
func (r ProbeResult) Slow() bool {
	return r.Status == StatusUp && r.Error != nil && strings.HasPrefix(*r.Error, SlowResponsePrefix)
}

// JobLogStatus is the lifecycle state of a background job run.
type JobLogStatus string

const (
	JobRunning   JobLogStatus = "running"
	JobCompleted JobLogStatus = "completed"
	JobFailed    JobLogStatus = "failed"
	JobSkipped   JobLogStatus = "skipped"
)

// JobLogEntry records one run of a scheduler tick or retention sweep.
type JobLogEntry struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Status      JobLogStatus `json:"status"`
	Result      *string      `json:"result,omitempty"`
	Error       *string      `json:"error,omitempty"`
}

// StatusUpdate is the payload published on the monitor-updates channel
// after every probe completion.
type StatusUpdate struct {
	ServerID    string       `json:"serverId"`
	Status      TargetStatus `json:"status"`
	Latency     *float64     `json:"latency"`
	LastChecked time.Time    `json:"lastChecked"`
}

// NormalizeAddress canonicalizes a target address. It strips surrounding
// whitespace, collapses accidentally duplicated schemes, lowercases the
// scheme, and removes the trailing slash from HTTP(S) URLs. It never adds
// a scheme; the probe engine decides the default at probe time.
// Normalization is idempotent: normalize(normalize(x)) == normalize(x).
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	lower := strings.ToLower(addr)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			rest := addr[len(scheme):]
			restLower := strings.ToLower(rest)
			// Collapse "https://https://host" style duplication.
			for strings.HasPrefix(restLower, "http://") || strings.HasPrefix(restLower, "https://") {
				idx := strings.Index(restLower, "://")
				rest = rest[idx+3:]
				restLower = strings.ToLower(rest)
			}
			addr = scheme + rest
			break
		}
	}

	if strings.HasPrefix(strings.ToLower(addr), "http://") || strings.HasPrefix(strings.ToLower(addr), "https://") {
		addr = strings.TrimRight(addr, "/")
	}
	return addr
}

// ParseHostPort splits a TCP address into host and port, defaulting the
// port to 80 when omitted. An empty host is rejected.
func ParseHostPort(addr string) (host string, port string, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", "", fmt.Errorf("empty address")
	}
	host, port = addr, "80"
	if i := strings.LastIndex(addr, ":"); i >= 0 && !strings.Contains(addr[i+1:], "]") {
		host, port = addr[:i], addr[i+1:]
		if port == "" {
			port = "80"
		}
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return "", "", fmt.Errorf("empty host in %q", addr)
	}
	return host, port, nil
}
