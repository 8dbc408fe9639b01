package core

import "time"

// RunStatus is the final status of a run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// ExecutionResult is the final outcome of one run, constructed exactly once.
type ExecutionResult struct {
	RunID          string         `json:"runId" yaml:"runId"`
	PipelineID     string         `json:"pipelineId" yaml:"pipelineId"`
	Pattern        Pattern        `json:"pattern" yaml:"pattern"`
	Status         RunStatus      `json:"status" yaml:"status"`
	Output         any            `json:"output,omitempty" yaml:"output,omitempty"`
	PerStepOutputs map[string]any `json:"perStepOutputs" yaml:"perStepOutputs"`
	Error          *StepError     `json:"error,omitempty" yaml:"error,omitempty"`
	Trace          []StepEvent    `json:"trace" yaml:"trace"`
	StartedAt      time.Time      `json:"startedAt" yaml:"startedAt"`
	FinishedAt     time.Time      `json:"finishedAt" yaml:"finishedAt"`
}

// Succeeded reports whether the run completed.
func (r *ExecutionResult) Succeeded() bool {
	return r != nil && r.Status == StatusCompleted
}

// Duration returns the wall time of the run.
func (r *ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// BranchOutcome is the per-branch entry of a raw parallel merge.
type BranchOutcome struct {
	Output any        `json:"output,omitempty" yaml:"output,omitempty"`
	Error  *StepError `json:"error,omitempty" yaml:"error,omitempty"`
}

// SummaryInput is what the summarizer agent of a parallel pipeline receives.
type SummaryInput struct {
	StepOutputs map[string]any        `json:"stepOutputs" yaml:"stepOutputs"`
	Failures    map[string]*StepError `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// FinalizeInput is what the supervisor's manager agent receives when the
// pipeline finalizes with FinalizeInvoke.
type FinalizeInput struct {
	Input        any    `json:"input" yaml:"input"`
	Worker       string `json:"worker" yaml:"worker"`
	WorkerOutput any    `json:"workerOutput" yaml:"workerOutput"`
}
