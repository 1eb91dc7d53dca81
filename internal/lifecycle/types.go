// Package lifecycle drives one training cycle: create an instance, wait for it to
// become healthy, run the training command on it and always terminate it.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"
	"trainpipe/internal/compute"
	"trainpipe/internal/remote"
)

// State is a step of the training cycle state machine.
type State string

const (
	StateRequested   State = "REQUESTED"
	StateCreating    State = "CREATING"
	StateHealthy     State = "HEALTHY"
	StateExecuting   State = "EXECUTING"
	StateTerminating State = "TERMINATING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Transition is one entry of a cycle's history.
type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"` // set on FAILED
	Stage State     `json:"stage,omitempty"` // stage that failed, set on FAILED
}

// Cycle records everything observed during one training cycle.
type Cycle struct {
	Instance   *compute.Instance       `json:"instance,omitempty"`
	History    []Transition            `json:"history"`
	Output     *remote.ExecutionOutput `json:"output,omitempty"`
	Terminated bool                    `json:"terminated"`
}

// State returns the most recent state, or REQUESTED for an empty history.
func (c *Cycle) State() State {
	if len(c.History) == 0 {
		return StateRequested
	}
	return c.History[len(c.History)-1].State
}

// Failed reports whether any stage failed.
func (c *Cycle) Failed() bool {
	for _, t := range c.History {
		if t.State == StateFailed {
			return true
		}
	}
	return false
}

// CycleRequest describes one training cycle.
type CycleRequest struct {
	Spec    compute.InstanceSpec
	Command string
	Sink    remote.LineSink // receives remote output; may be nil

	// Logger receives the cycle's records and those of the components it drives.
	// Defaults to the logger carried by the context.
	Logger *slog.Logger

	// OnTransition, if set, is called synchronously for every recorded transition.
	OnTransition func(Transition)
}

// PipelineError reports the stage at which a training cycle failed.
type PipelineError struct {
	Stage State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("training cycle failed at %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
