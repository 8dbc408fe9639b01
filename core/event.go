package core

import (
	"time"

	"github.com/google/uuid"
)

// StepState is the lifecycle state of a step within a run.
type StepState string

const (
	StatePending   StepState = "pending"
	StateRunning   StepState = "running"
	StateSucceeded StepState = "succeeded"
	StateFailed    StepState = "failed"
)

// Terminal reports whether the state ends a step's current activation.
func (s StepState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// StepEvent records one state transition of one step. After it was appended
// to a trace it must be treated as immutable.
type StepEvent struct {
	ID        string     `json:"id" yaml:"id"`
	RunID     string     `json:"runId" yaml:"runId"`
	StepRef   string     `json:"stepRef" yaml:"stepRef"`
	Seq       int        `json:"seq" yaml:"seq"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
	State     StepState  `json:"state" yaml:"state"`
	Output    any        `json:"output,omitempty" yaml:"output,omitempty"`
	Error     *StepError `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewStepEvent creates an event for ref in the given state. RunID, Seq and
// Timestamp are assigned when the event is appended to a trace.
func NewStepEvent(ref string, state StepState) StepEvent {
	return StepEvent{ID: NewID(), StepRef: ref, State: state}
}

// WithOutput returns a copy of the event carrying output.
func (e StepEvent) WithOutput(output any) StepEvent {
	e.Output = output
	return e
}

// WithError returns a copy of the event carrying err in serialisable form.
func (e StepEvent) WithError(err error) StepEvent {
	e.Error = NewStepError(err)
	return e
}

// NewID returns a new random identifier.
func NewID() string { return uuid.NewString() }
