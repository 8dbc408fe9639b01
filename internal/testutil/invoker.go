package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentpipe/core"
)

// Behavior scripts how a fake agent responds.
type Behavior struct {
	// Output is returned on success. When Fn is set it takes precedence.
	Output any
	// Fn computes the output from the input.
	Fn func(input any) (any, error)
	// Err makes the invocation fail.
	Err error
	// Delay is waited before responding; ctx cancellation cuts it short.
	Delay time.Duration
	// IgnoreContext makes the agent sleep through Delay even if ctx is done.
	IgnoreContext bool
}

// Call records one invocation seen by a ScriptedInvoker.
type Call struct {
	AgentRef string
	Input    any
	At       time.Time
}

// ScriptedInvoker is a concurrency-safe fake AgentInvoker whose agents respond
// according to registered Behaviors. Unknown agents echo "<ref>(<input>)".
type ScriptedInvoker struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	calls     []Call
	inFlight  int
	maxFlight int
}

var _ core.AgentInvoker = (*ScriptedInvoker)(nil)

// NewScriptedInvoker creates an invoker with no scripted agents.
func NewScriptedInvoker() *ScriptedInvoker {
	return &ScriptedInvoker{behaviors: make(map[string]Behavior)}
}

// On registers the behaviour of agentRef (chainable).
func (s *ScriptedInvoker) On(agentRef string, b Behavior) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.behaviors[agentRef] = b

	return s
}

// Invoke implements core.AgentInvoker.
func (s *ScriptedInvoker) Invoke(ctx context.Context, agentRef string, input any) (any, error) {
	s.mu.Lock()
	b, scripted := s.behaviors[agentRef]
	s.calls = append(s.calls, Call{AgentRef: agentRef, Input: input, At: time.Now()})
	s.inFlight++

	if s.inFlight > s.maxFlight {
		s.maxFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if b.Delay > 0 {
		if b.IgnoreContext {
			time.Sleep(b.Delay)
		} else {
			select {
			case <-time.After(b.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	switch {
	case !scripted:
		return fmt.Sprintf("%s(%v)", agentRef, input), nil
	case b.Err != nil:
		return nil, b.Err
	case b.Fn != nil:
		return b.Fn(input)
	default:
		return b.Output, nil
	}
}

// Calls returns a copy of the recorded invocations.
func (s *ScriptedInvoker) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Call, len(s.calls))
	copy(out, s.calls)

	return out
}

// CallCount returns how often agentRef was invoked.
func (s *ScriptedInvoker) CallCount(agentRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, c := range s.calls {
		if c.AgentRef == agentRef {
			n++
		}
	}

	return n
}

// MaxConcurrent returns the highest number of simultaneous invocations seen.
func (s *ScriptedInvoker) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxFlight
}

// FixedDecider returns a RoutingDecider that always picks ref.
func FixedDecider(ref string) core.RoutingDecider {
	return core.DeciderFunc(func(context.Context, core.RoutingRequest) (string, error) {
		return ref, nil
	})
}

// SequenceDecider returns a RoutingDecider that picks refs in order, one per call.
func SequenceDecider(refs ...string) core.RoutingDecider {
	var (
		mu   sync.Mutex
		next int
	)

	return core.DeciderFunc(func(context.Context, core.RoutingRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()

		if next >= len(refs) {
			return "", fmt.Errorf("no routing decision left")
		}

		ref := refs[next]
		next++

		return ref, nil
	})
}

// Transitions flattens events to "ref:state" strings, dropping pending events.
func Transitions(events []core.StepEvent) []string {
	out := make([]string, 0, len(events))

	for _, ev := range events {
		if ev.State == core.StatePending {
			continue
		}

		out = append(out, ev.StepRef+":"+string(ev.State))
	}

	return out
}

// Recorder collects events emitted by a strategy into a trace, mirroring what
// the engine does.
type Recorder struct {
	Trace *core.Trace

	mu   sync.Mutex
	errs []error
}

// NewRecorder creates a recorder over a fresh trace.
func NewRecorder() *Recorder {
	return &Recorder{Trace: core.NewTrace(core.NewID())}
}

// Emit appends ev to the trace and keeps any transition error.
func (r *Recorder) Emit(ev core.StepEvent) {
	if _, err := r.Trace.Append(ev); err != nil {
		r.mu.Lock()
		r.errs = append(r.errs, err)
		r.mu.Unlock()
	}
}

// Errors returns the transition errors seen so far.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]error(nil), r.errs...)
}
