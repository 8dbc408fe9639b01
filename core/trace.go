package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTraceClosed is returned when appending to a trace of a finished run.
	ErrTraceClosed = errors.New("trace is closed")

	// ErrInvalidTransition is returned for a step state change that breaks the
	// pending -> running -> succeeded|failed lifecycle.
	ErrInvalidTransition = errors.New("invalid step transition")
)

// Trace is the ordered, append-only record of step events of one run. It is
// safe for concurrent use: writers append under a mutex and readers observe a
// consistent prefix at any time.
//
// Subscribers are woken through a broadcast channel that is closed and
// replaced on every append, so slow subscribers never block writers and never
// miss events.
type Trace struct {
	runID string

	mu        sync.RWMutex
	events    []StepEvent
	states    map[string]StepState
	order     []string
	reentrant map[string]bool
	notify    chan struct{}
	closed    bool
}

// NewTrace creates an empty trace for runID.
func NewTrace(runID string) *Trace {
	return &Trace{
		runID:     runID,
		states:    make(map[string]StepState),
		reentrant: make(map[string]bool),
		notify:    make(chan struct{}),
	}
}

// RunID returns the run the trace belongs to.
func (t *Trace) RunID() string { return t.runID }

// AllowReentry permits ref to move from succeeded back to running. Only the
// supervisor's manager step uses this.
func (t *Trace) AllowReentry(ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.reentrant[ref] = true
}

// Append validates the transition, stamps RunID, Seq and Timestamp, stores
// the event and wakes subscribers. The stored event is returned.
func (t *Trace) Append(ev StepEvent) (StepEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return StepEvent{}, ErrTraceClosed
	}

	from, known := t.states[ev.StepRef]
	if !validTransition(from, known, ev.State, t.reentrant[ev.StepRef]) {
		return StepEvent{}, fmt.Errorf("%w: step %q %s -> %s", ErrInvalidTransition, ev.StepRef, stateName(from, known), ev.State)
	}

	if ev.ID == "" {
		ev.ID = NewID()
	}

	ev.RunID = t.runID
	ev.Seq = len(t.events)

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if !known {
		t.order = append(t.order, ev.StepRef)
	}

	t.states[ev.StepRef] = ev.State
	t.events = append(t.events, ev)

	close(t.notify)
	t.notify = make(chan struct{})

	return ev, nil
}

func validTransition(from StepState, known bool, to StepState, reentrant bool) bool {
	if !known {
		return to == StatePending || to == StateRunning
	}

	switch from {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	case StateSucceeded:
		return reentrant && to == StateRunning
	default:
		return false
	}
}

func stateName(s StepState, known bool) string {
	if !known {
		return "none"
	}

	return string(s)
}

// Events returns a copy of the events appended so far.
func (t *Trace) Events() []StepEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]StepEvent, len(t.events))
	copy(out, t.events)

	return out
}

// Len returns the number of events appended so far.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.events)
}

// State returns the latest state of ref.
func (t *Trace) State(ref string) (StepState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.states[ref]

	return s, ok
}

// Pending returns the refs currently in StatePending, in the order the steps
// first appeared in the trace.
func (t *Trace) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var refs []string

	for _, ref := range t.order {
		if t.states[ref] == StatePending {
			refs = append(refs, ref)
		}
	}

	return refs
}

// Close marks the trace as complete. Subscribers drain the remaining events
// and then see their channel closed. Close is idempotent.
func (t *Trace) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.closed = true
	close(t.notify)
	t.notify = make(chan struct{})
}

// Closed reports whether the trace was closed.
func (t *Trace) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.closed
}

// Subscribe returns a channel that first replays every event already in the
// trace and then delivers new events as they are appended, in Seq order and
// without gaps. The channel is closed once the trace is closed and fully
// delivered, or when ctx is done. buffer sets the channel capacity.
func (t *Trace) Subscribe(ctx context.Context, buffer int) <-chan StepEvent {
	if buffer < 0 {
		buffer = 0
	}

	out := make(chan StepEvent, buffer)

	go func() {
		defer close(out)

		next := 0

		for {
			t.mu.RLock()
			batch := t.events[next:]
			notify := t.notify
			closed := t.closed
			t.mu.RUnlock()

			// Elements below len are never rewritten, so the slice stays
			// valid after the lock is released.
			for _, ev := range batch {
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
			}

			if len(batch) > 0 {
				continue
			}

			if closed {
				return
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
