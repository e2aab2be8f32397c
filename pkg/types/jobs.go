package types

import (
	"fmt"
	"time"
)

// ProbeJob is the payload of a probe queue job.
type ProbeJob struct {
	TargetID      string    `json:"target_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	PriorityScore int       `json:"priority_score"`
}

// ProbeDedupKey builds the queue deduplication key for one target at one
// scheduler tick. The queue rejects a second enqueue under the same key,
// which is what makes back-to-back ticks idempotent.
func ProbeDedupKey(targetID string, tick time.Time) string {
	return fmt.Sprintf("check-%s-%d", targetID, tick.UnixMilli())
}
