package model

import (
	"encoding/json"
	"time"
)

// TriggerKind identifies the variant of a trigger specification
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval"
	TriggerCron     TriggerKind = "cron"
	TriggerDate     TriggerKind = "date"
)

// JobResult represents the outcome of the most recent execution of a job
type JobResult string

const (
	JobResultNeverRun  JobResult = "never_run"
	JobResultSucceeded JobResult = "succeeded"
	JobResultFailed    JobResult = "failed"
)

// TriggerSpec describes when a job fires. Only the fields of the selected
// Kind are meaningful.
type TriggerSpec struct {
	Kind       TriggerKind   `json:"kind"`
	Every      time.Duration `json:"every,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Location   string        `json:"location,omitempty"`
	At         time.Time     `json:"at,omitempty"`
}

// Action is a reference to the unit of work a job runs: the name of a
// registered handler plus its serialized arguments.
type Action struct {
	Handler string          `json:"handler"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Job represents a durable scheduled job
type Job struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Action       Action      `json:"action"`
	Trigger      TriggerSpec `json:"trigger"`
	MaxInstances int         `json:"max_instances"`
	Paused       bool        `json:"paused"`

	// Scheduling state
	NextFire   *time.Time `json:"next_fire,omitempty"`
	LastFire   *time.Time `json:"last_fire,omitempty"`
	LastResult JobResult  `json:"last_result"`
	Version    int64      `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the job
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Action.Args != nil {
		c.Action.Args = append(json.RawMessage(nil), j.Action.Args...)
	}
	if j.NextFire != nil {
		t := *j.NextFire
		c.NextFire = &t
	}
	if j.LastFire != nil {
		t := *j.LastFire
		c.LastFire = &t
	}
	return &c
}

// IsDue reports whether the job should fire at now
func (j *Job) IsDue(now time.Time) bool {
	return !j.Paused && j.NextFire != nil && !j.NextFire.After(now)
}
