package core

import (
	"fmt"
	"sync"
)

// InvocationLimiter enforces a maximum number of agent invocations per run.
type InvocationLimiter struct {
	max   int
	count int
	mu    sync.Mutex
}

// NewInvocationLimiter creates a limiter with a max number of invocations.
// If max == 0, unlimited invocations are allowed.
func NewInvocationLimiter(max int) *InvocationLimiter {
	return &InvocationLimiter{max: max}
}

// Acquire reserves one invocation and returns ErrInvocationLimit once the
// budget is spent. A refused call does not consume budget.
func (l *InvocationLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max > 0 && l.count >= l.max {
		return fmt.Errorf("%w: max %d", ErrInvocationLimit, l.max)
	}

	l.count++

	return nil
}

// Count returns the number of invocations made.
func (l *InvocationLimiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.count
}

// Remaining returns how many invocations are left, or -1 when unlimited.
func (l *InvocationLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.max == 0 {
		return -1 // unlimited
	}

	return l.max - l.count
}
