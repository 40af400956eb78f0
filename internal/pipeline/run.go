package pipeline

import (
	"time"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerBackfill  Trigger = "backfill"
)

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StageStatus is the recorded outcome of one stage.
type StageStatus struct {
	State      StageState `json:"state"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Run is one traversal of the stage graph for one logical date.
type Run struct {
	ID          string                 `json:"id"`
	Date        string                 `json:"date,omitempty"`
	Trigger     Trigger                `json:"trigger"`
	Status      RunStatus              `json:"status"`
	Stages      map[string]StageStatus `json:"stages"`
	FailedStage string                 `json:"failed_stage,omitempty"`
	ErrorKind   string                 `json:"error_kind,omitempty"`
	Digest      string                 `json:"digest,omitempty"`
	CommitHash  string                 `json:"commit_hash,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make(map[string]StageStatus, len(r.Stages))
	for k, v := range r.Stages {
		c.Stages[k] = v
	}
	return &c
}

// Duration is how long the run took, or has taken so far when still running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
