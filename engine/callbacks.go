package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentpipe/core"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Callbacks provide a flexible mechanism for hooking into the run lifecycle
// without modifying core logic. Telemetry, metrics and audit logging attach
// here.
//
// Available callback types:
//   - BeforeRun/AfterRun: around a complete run
//   - OnStepEvent: after every step transition was appended to the trace
//   - OnError: when a run ends with an error
//
// Callbacks observe only. An error returned by a callback is logged and never
// changes the outcome of the run.
type CallbackType string

const (
	// CallbackBeforeRun is triggered after validation, before the first step is scheduled.
	CallbackBeforeRun CallbackType = "before_run"

	// CallbackAfterRun is triggered once the ExecutionResult is assembled.
	CallbackAfterRun CallbackType = "after_run"

	// CallbackOnStepEvent is triggered for every event appended to the run's trace.
	CallbackOnStepEvent CallbackType = "on_step_event"

	// CallbackOnError is triggered when a run ends with a top-level error.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides context information for callback execution.
//
// Fields are populated according to the callback type: Event is set for
// OnStepEvent, Result for AfterRun and OnError, Err for OnError.
type CallbackContext struct {
	// RunID identifies the run the callback belongs to.
	RunID string

	// Definition is the pipeline being executed. Callbacks must not mutate it.
	Definition *core.PipelineDefinition

	// Event is the step event just appended to the trace.
	Event *core.StepEvent

	// Result is the final result of the run.
	Result *core.ExecutionResult

	// Err is the run's top-level error.
	Err error

	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for run lifecycle hooks.
//
// Implementations should be fast: callbacks run synchronously on the goroutine
// that produced the lifecycle event, and OnStepEvent callbacks may be invoked
// concurrently from parallel branches.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(
//	    CallbackAfterRun,
//	    func(ctx context.Context, callbackCtx *CallbackContext) error {
//	        log.Printf("run %s finished: %s", callbackCtx.RunID, callbackCtx.Result.Status)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager keeps the registered callbacks per type and executes them
// in registration order. It is safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates a new callback manager instance.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback to the manager for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(loggingCallback)
//	manager.RegisterCallback(metricsCallback)
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback registered for callbackType. Unlike a
// chain that stops at the first error, all callbacks run; their errors are
// joined and returned.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	if len(callbacks) == 0 {
		return nil // No callbacks registered for this type
	}

	callbackCtx.CallbackType = callbackType

	var errs []error

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s callback: %w", callbackType, err))
		}
	}

	return errors.Join(errs...)
}

// LoggingCallback forwards lifecycle events to a message sink.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackOnStepEvent, func(message string) {
//	    log.Printf("[ENGINE] %s", message)
//	})
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute formats the lifecycle event and hands it to the logger function.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	switch {
	case callbackCtx.Event != nil:
		c.logger(fmt.Sprintf("[%s] run=%s step=%s state=%s", c.callbackType, callbackCtx.RunID, callbackCtx.Event.StepRef, callbackCtx.Event.State))
	case callbackCtx.Result != nil:
		c.logger(fmt.Sprintf("[%s] run=%s status=%s", c.callbackType, callbackCtx.RunID, callbackCtx.Result.Status))
	default:
		c.logger(fmt.Sprintf("[%s] run=%s", c.callbackType, callbackCtx.RunID))
	}

	return nil
}
