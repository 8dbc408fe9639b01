package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies failures recorded in traces and results.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindInvocation ErrorKind = "invocation"
	KindRouting    ErrorKind = "routing"
	KindTimeout    ErrorKind = "timeout"
	KindCancelled  ErrorKind = "cancelled"
)

var (
	// ErrCancelled marks a run or step that stopped because the caller cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrUnknownWorker is returned when a routing decision names no worker step.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrInsufficientBranches is returned when too few parallel branches
	// succeeded for the configured summary policy.
	ErrInsufficientBranches = errors.New("insufficient successful branches")

	// ErrInvocationLimit is returned once a run exhausted its invocation budget.
	ErrInvocationLimit = errors.New("invocation limit exceeded")
)

// ValidationError reports a malformed pipeline definition. It is raised
// before any step starts.
type ValidationError struct {
	PipelineID string
	Problems   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid pipeline %q: %s", e.PipelineID, strings.Join(e.Problems, "; "))
}

// InvocationError wraps a failed agent invocation.
type InvocationError struct {
	StepRef  string
	AgentRef string
	Err      error
}

func (e *InvocationError) Error() string {
	if e.StepRef == "" {
		return fmt.Sprintf("invocation failed: %v", e.Err)
	}

	return fmt.Sprintf("step %q (agent %q) failed: %v", e.StepRef, e.AgentRef, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// RoutingError reports a failed or invalid routing decision of a supervisor.
type RoutingError struct {
	StepRef string
	Worker  string
	Err     error
}

func (e *RoutingError) Error() string {
	if e.Worker != "" {
		return fmt.Sprintf("routing in step %q chose %q: %v", e.StepRef, e.Worker, e.Err)
	}

	return fmt.Sprintf("routing in step %q failed: %v", e.StepRef, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// TimeoutError reports a step that exceeded its per-step timeout.
type TimeoutError struct {
	StepRef string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepRef, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// KindOf maps any error to its ErrorKind. Cancellation anywhere in the chain
// wins; otherwise the outermost typed error decides. Unclassified errors count
// as invocation failures.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	for err != nil {
		switch e := err.(type) {
		case *ValidationError:
			return KindValidation
		case *TimeoutError:
			return KindTimeout
		case *RoutingError:
			return KindRouting
		case *InvocationError:
			return KindInvocation
		case *StepError:
			return e.Kind
		}

		err = errors.Unwrap(err)
	}

	return KindInvocation
}

// StepError is the serialisable form of an error carried by events and results.
type StepError struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewStepError converts err into a StepError; nil stays nil.
func NewStepError(err error) *StepError {
	if err == nil {
		return nil
	}

	var se *StepError
	if errors.As(err, &se) {
		return &StepError{Kind: se.Kind, Message: se.Message}
	}

	return &StepError{Kind: KindOf(err), Message: err.Error()}
}
