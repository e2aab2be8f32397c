// Package config provides configuration constants for the monitoring core.
//
// This file centralizes tuning values used across components, making them
// easier to find, modify, and test against.
package config

import "time"

// Scheduler timing.
const (
	// TickInterval is how often the scheduler enumerates due targets.
	TickInterval = 60 * time.Second

	// DownRecheckMinutes caps the polling interval for down targets so
	// recovery is detected quickly regardless of configured frequency.
	DownRecheckMinutes = 2

	// UnknownRecheckMinutes caps the polling interval for targets that
	// have never produced a conclusive observation.
	UnknownRecheckMinutes = 3

	// InstabilityWindow promotes a target to high priority when its last
	// status change is this recent.
	InstabilityWindow = 30 * time.Minute
)

// Probe engine timing and retry policy.
const (
	// ProbeAttemptTimeout bounds a single probe attempt.
	ProbeAttemptTimeout = 8 * time.Second

	// ProbeBaseAttempts is the normal number of attempts per probe.
	ProbeBaseAttempts = 2

	// ProbeUnstableAttempts is used when the reliability tracker reports
	// a failure rate above ProbeUnstableRateThreshold.
	ProbeUnstableAttempts = 3

	// ProbeUnstableRateThreshold is the failure rate above which the
	// probe engine spends an extra attempt.
	ProbeUnstableRateThreshold = 0.5

	// ProbeRetrySleepUnit is multiplied by the attempt number to produce
	// the inter-attempt sleep.
	ProbeRetrySleepUnit = 500 * time.Millisecond

	// ProbeMaxRedirects bounds redirect following for HTTP probes.
	ProbeMaxRedirects = 3

	// ProbeMaxBodyBytes caps how much of a GET response body is read.
	ProbeMaxBodyBytes = 5 * 1024

	// ProbePoolSizePerHost is the keep-alive socket pool size per host.
	ProbePoolSizePerHost = 50
)

// Worker pool shape.
const (
	// DefaultWorkerConcurrency is the number of concurrent probe workers
	// per process.
	DefaultWorkerConcurrency = 50

	// DefaultWorkerRatePerSec caps the jobs consumed per second per process.
	DefaultWorkerRatePerSec = 100

	// WorkerDrainTimeout bounds how long shutdown waits for in-flight jobs.
	WorkerDrainTimeout = 30 * time.Second

	// ProbeJobMaxAttempts is the queue retry budget for a probe job.
	ProbeJobMaxAttempts = 3

	// ProbeJobBackoffBase seeds the exponential queue backoff (1s, 2s, 4s).
	ProbeJobBackoffBase = 1 * time.Second
)

// Alert pipeline shape.
const (
	// DefaultAlertConcurrency is the number of alert dispatch workers.
	DefaultAlertConcurrency = 10

	// DefaultAlertRatePerSec caps alert dispatches per second per process.
	DefaultAlertRatePerSec = 50

	// AlertJobMaxAttempts is the queue retry budget for an alert intent.
	AlertJobMaxAttempts = 3

	// AlertJobBackoffBase seeds the exponential queue backoff (2s, 4s)
	// between email delivery attempts.
	AlertJobBackoffBase = 2 * time.Second

	// WebhookTimeout bounds the fire-and-forget webhook POST.
	WebhookTimeout = 5 * time.Second

	// FlapSuppressionRate is the reliability failure rate above which
	// status-transition alerts are dropped.
	FlapSuppressionRate = 0.8
)

// Reliability tracker policy.
const (
	// ReliabilityDecayThreshold is the total check count past which the
	// cell counters are decayed.
	ReliabilityDecayThreshold = 100

	// ReliabilityDecayFactor scales both counters during decay.
	ReliabilityDecayFactor = 0.9

	// ReliabilityCellTTL is how long an idle cell survives before the
	// eviction sweep drops it.
	ReliabilityCellTTL = 1 * time.Hour

	// ReliabilityEvictionInterval is how often the eviction sweep runs.
	ReliabilityEvictionInterval = 10 * time.Minute
)

// Retention tier boundaries.
const (
	// RetentionSelectiveMaxBytes is the store size at or under which the
	// selective policy applies.
	RetentionSelectiveMaxBytes = 500 * 1024 * 1024

	// RetentionAggressiveMaxBytes is the store size at or under which the
	// aggressive policy applies; beyond it the emergency policy runs.
	RetentionAggressiveMaxBytes = 1024 * 1024 * 1024

	// RetentionSelectiveMaxObservations is the observation count at or
	// under which the selective policy applies.
	RetentionSelectiveMaxObservations = 100_000

	// RetentionJobLogSelectiveAge is the job log horizon under selective.
	RetentionJobLogSelectiveAge = 48 * time.Hour

	// RetentionJobLogAggressiveAge is the job log horizon under aggressive.
	RetentionJobLogAggressiveAge = 24 * time.Hour
)

// Manual probe limits exposed to the REST collaborator.
const (
	// ManualProbeCooldown is the minimum gap between user-initiated
	// probes of one target, unless forced.
	ManualProbeCooldown = 30 * time.Second

	// BatchProbeMaxTargets caps the targets per batch probe call.
	BatchProbeMaxTargets = 10

	// BatchProbeConcurrency bounds in-flight probes within a batch.
	BatchProbeConcurrency = 5

	// BatchProbeSpacing is the pause between batch sub-groups.
	BatchProbeSpacing = 200 * time.Millisecond
)

// Database operation bounds.
const (
	// DBOperationTimeout bounds individual store calls issued by workers.
	DBOperationTimeout = 10 * time.Second
)

// Cache TTLs for the REST collaborator's read-through cache.
const (
	// CacheTTLTarget is the TTL for single target lookups.
	CacheTTLTarget = 30 * time.Second

	// CacheTTLHistory is the TTL for observation history queries.
	CacheTTLHistory = 60 * time.Second
)
