package types

import (
	"fmt"
	"regexp"
	"time"
)

// TimeWindow is an HH:MM interval. Start == End == "00:00" is the 24/7
// sentinel, which accepts every time of day. A window with Start > End
// spans midnight.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

var hhmmRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// IsAlways reports whether the window is the 24/7 sentinel.
func (w TimeWindow) IsAlways() bool {
	return w.Start == "00:00" && w.End == "00:00"
}

// Valid reports whether both bounds parse as HH:MM.
func (w TimeWindow) Valid() bool {
	return hhmmRe.MatchString(w.Start) && hhmmRe.MatchString(w.End)
}

// Contains reports whether t's local HH:MM lies inside the window.
// Start <= End is the closed interval [Start, End]; Start > End spans
// midnight and matches t >= Start or t <= End.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.IsAlways() {
		return true
	}
	now := t.Format("15:04")
	if w.Start <= w.End {
		return now >= w.Start && now <= w.End
	}
	return now >= w.Start || now <= w.End
}

// AlertConfig controls whether and how alerts for a target are dispatched.
type AlertConfig struct {
	Enabled             bool       `json:"enabled"`
	Email               bool       `json:"email"`
	Phone               bool       `json:"phone"`
	WebhookURL          string     `json:"webhook_url,omitempty"`
	ResponseThresholdMs float64    `json:"response_threshold_ms"`
	TimeWindow          TimeWindow `json:"time_window"`
}

// MonitoringConfig is the per-target monitoring policy, embedded in Target.
type MonitoringConfig struct {
	FrequencyMinutes int          `json:"frequency_minutes"`
	DaysOfWeek       []int        `json:"days_of_week"` // subset of 0..6, Sunday=0; empty = every day
	TimeWindows      []TimeWindow `json:"time_windows"` // empty = 24/7
	Alerts           AlertConfig  `json:"alerts"`
	TrialEndsAt      *int64       `json:"trial_ends_at,omitempty"` // epoch ms; nil for non-trial
}

// DefaultMonitoringConfig returns the config applied to a new target when
// the owner supplies nothing.
func DefaultMonitoringConfig(frequencyMinutes int, thresholdMs float64) MonitoringConfig {
	return MonitoringConfig{
		FrequencyMinutes: frequencyMinutes,
		Alerts: AlertConfig{
			Enabled:             false,
			Email:               true,
			Phone:               false,
			ResponseThresholdMs: thresholdMs,
			TimeWindow:          TimeWindow{Start: "00:00", End: "00:00"},
		},
	}
}

// Normalize brings a config read from the edge into canonical form:
// frequency floored at 1, threshold floored at 100 ms, day-of-week 7
// aliased to Sunday, duplicate days removed.
func (c *MonitoringConfig) Normalize() {
	if c.FrequencyMinutes < 1 {
		c.FrequencyMinutes = 1
	}
	if c.Alerts.ResponseThresholdMs < 100 {
		c.Alerts.ResponseThresholdMs = 100
	}
	if len(c.DaysOfWeek) > 0 {
		seen := make(map[int]bool, 7)
		days := c.DaysOfWeek[:0]
		for _, d := range c.DaysOfWeek {
			if d == 7 {
				d = 0 // legacy alias for Sunday
			}
			if d < 0 || d > 6 || seen[d] {
				continue
			}
			seen[d] = true
			days = append(days, d)
		}
		c.DaysOfWeek = days
	}
}

// Validate rejects configs the core cannot schedule.
func (c *MonitoringConfig) Validate() error {
	if c.FrequencyMinutes < 1 {
		return fmt.Errorf("frequency_minutes must be >= 1, got %d", c.FrequencyMinutes)
	}
	if c.Alerts.ResponseThresholdMs < 100 {
		return fmt.Errorf("response_threshold_ms must be >= 100, got %g", c.Alerts.ResponseThresholdMs)
	}
	for _, d := range c.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("day_of_week out of range: %d", d)
		}
	}
	for _, w := range c.TimeWindows {
		if !w.Valid() {
			return fmt.Errorf("invalid time window %q-%q", w.Start, w.End)
		}
	}
	if w := c.Alerts.TimeWindow; w != (TimeWindow{}) && !w.Valid() {
		return fmt.Errorf("invalid alert time window %q-%q", w.Start, w.End)
	}
	return nil
}

// Always247 reports whether the configured windows amount to 24/7
// coverage: no windows at all, or any window carrying the sentinel.
func (c *MonitoringConfig) Always247() bool {
	if len(c.TimeWindows) == 0 {
		return true
	}
	for _, w := range c.TimeWindows {
		if w.IsAlways() {
			return true
		}
	}
	return false
}

// ActiveAt reports whether monitoring is in-window at t (day-of-week and
// time-of-day filters; t must already be in the configured timezone).
func (c *MonitoringConfig) ActiveAt(t time.Time) bool {
	if len(c.DaysOfWeek) > 0 {
		day := int(t.Weekday())
		found := false
		for _, d := range c.DaysOfWeek {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.Always247() {
		return true
	}
	for _, w := range c.TimeWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// AlertsActiveAt reports whether the alert time window admits t. A zero
// window or the sentinel means always.
func (c *MonitoringConfig) AlertsActiveAt(t time.Time) bool {
	w := c.Alerts.TimeWindow
	if w == (TimeWindow{}) || w.IsAlways() {
		return true
	}
	return w.Contains(t)
}
