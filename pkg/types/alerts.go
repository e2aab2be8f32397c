package types

import "time"

// AlertKind classifies an alert intent. Exactly one kind applies to a
// given probe decision.
type AlertKind string

const (
	AlertServerDown     AlertKind = "server_down"
	AlertServerRecovery AlertKind = "server_recovery"
	AlertSlowResponse   AlertKind = "slow_response"
)

// AlertPriority is the queue class for alert intents.
type AlertPriority int

const (
	AlertPriorityHigh   AlertPriority = 1
	AlertPriorityNormal AlertPriority = 5
	AlertPriorityLow    AlertPriority = 10
)

// AlertIntent is the message the worker pool enqueues when a probe
// observation warrants alerting. The pipeline gates and dispatches it.
type AlertIntent struct {
	TargetID   string       `json:"target_id"`
	OldStatus  TargetStatus `json:"old_status"`
	NewStatus  TargetStatus `json:"new_status"`
	Result     ProbeResult  `json:"result"`
	DetectedAt time.Time    `json:"detected_at"`
	Kind       AlertKind    `json:"kind"`
}

// ClassifyAlert derives the alert kind for a transition, or "" when the
// observation warrants no alert.
func ClassifyAlert(old, new TargetStatus, result ProbeResult) AlertKind {
	switch {
	case old == StatusUp && new == StatusDown:
		return AlertServerDown
	case old != StatusUp && new == StatusUp && old != new:
		return AlertServerRecovery
	case new == StatusUp && result.Slow():
		return AlertSlowResponse
	default:
		return ""
	}
}

// Priority returns the queue class for the intent: down transitions jump
// the line, everything else rides normal.
func (a AlertIntent) Priority() AlertPriority {
	if a.Kind == AlertServerDown {
		return AlertPriorityHigh
	}
	return AlertPriorityNormal
}

// WebhookPayload is the JSON body POSTed to a target's webhook URL.
type WebhookPayload struct {
	Event     AlertKind     `json:"event"`
	Server    WebhookServer `json:"server"`
	OldStatus TargetStatus  `json:"old_status"`
	NewStatus TargetStatus  `json:"new_status"`
	// ResponseTime is the probe latency in milliseconds, null when down.
	ResponseTime *float64 `json:"response_time"`
	Error        *string  `json:"error"`
	Timestamp    string   `json:"timestamp"` // ISO-8601 UTC
}

// WebhookServer is the target summary embedded in a webhook payload.
type WebhookServer struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	URL    string       `json:"url"`
	Status TargetStatus `json:"status"`
}

// NewWebhookPayload builds the payload for an intent against its target.
func NewWebhookPayload(intent AlertIntent, target *Target) WebhookPayload {
	return WebhookPayload{
		Event: intent.Kind,
		Server: WebhookServer{
			ID:     target.ID,
			Name:   target.Name,
			URL:    target.Address,
			Status: intent.NewStatus,
		},
		OldStatus:    intent.OldStatus,
		NewStatus:    intent.NewStatus,
		ResponseTime: intent.Result.LatencyMs,
		Error:        intent.Result.Error,
		Timestamp:    intent.DetectedAt.UTC().Format(time.RFC3339),
	}
}
