// Package pipeline runs the complete training sequence: wait for the gating CI build,
// run one training cycle and ship the day's logs.
package pipeline

import (
	"time"
	"trainpipe/internal/ci"
	"trainpipe/internal/lifecycle"
	"trainpipe/internal/logship"
)

// Run status constants
const (
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped" // stage only
)

// Stage names, also used as metric and event labels.
const (
	StageCI       = "ci"
	StageTraining = "training"
	StageShipLogs = "ship_logs"
)

// Request starts a run. An empty JobName uses the configured CI job.
type Request struct {
	JobName string            `json:"jobName,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// StageResult is the outcome of one stage of a run.
type StageResult struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"` // running, succeeded, failed or skipped
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Error      string    `json:"error,omitempty"`
}

// Run is a snapshot of one pipeline run.
type Run struct {
	ID         string                `json:"id"`
	Job        string                `json:"job"`
	Status     string                `json:"status"`
	Meta       map[string]string     `json:"meta,omitempty"`
	CreatedAt  time.Time             `json:"createdAt"`
	FinishedAt time.Time             `json:"finishedAt,omitzero"`
	Stages     []StageResult         `json:"stages"`
	Build      *ci.Build             `json:"build,omitempty"`
	Cycle      *lifecycle.Cycle      `json:"cycle,omitempty"`
	Logs       *logship.UploadReport `json:"logs,omitempty"`
	LogFile    string                `json:"logFile,omitempty"`
	Error      string                `json:"error,omitempty"`

	// LogShipError is kept apart from Error: a failed shipment never changes the run outcome.
	LogShipError string `json:"logShipError,omitempty"`
}

// Stage returns the named stage result.
func (r *Run) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// clone returns a copy that shares no mutable state with r.
func (r *Run) clone() Run {
	c := *r
	c.Stages = append([]StageResult(nil), r.Stages...)
	if r.Build != nil {
		b := *r.Build
		c.Build = &b
	}
	if r.Cycle != nil {
		cy := *r.Cycle
		cy.History = append([]lifecycle.Transition(nil), r.Cycle.History...)
		c.Cycle = &cy
	}
	return c
}

// ListResponse is returned when listing runs.
type ListResponse struct {
	Runs []Run `json:"runs"`
}
