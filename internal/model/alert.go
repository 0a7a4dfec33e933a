package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// AlertType represents the type of alert
type AlertType string

const (
	AlertTypeJobFailure  AlertType = "job_failure"
	AlertTypeSlowJob     AlertType = "slow_job"
	AlertTypeJobRecovery AlertType = "job_recovery"
)

// AlertRule defines a rule for generating alerts from execution events.
// JobID restricts the rule to one job; empty matches every job.
type AlertRule struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      AlertType     `json:"type"`
	JobID     string        `json:"job_id,omitempty"`
	Threshold int           `json:"threshold,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Severity  AlertSeverity `json:"severity"`
	Silenced  bool          `json:"silenced"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Alert represents an alert event
type Alert struct {
	ID         string                 `json:"id"`
	RuleID     string                 `json:"rule_id"`
	Type       AlertType              `json:"type"`
	Severity   AlertSeverity          `json:"severity"`
	JobID      string                 `json:"job_id"`
	Message    string                 `json:"message"`
	Data       map[string]interface{} `json:"data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt *time.Time             `json:"resolved_at,omitempty"`
}
