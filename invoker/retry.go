package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hupe1980/agentpipe/logging"
)

// RetryOptions configure WithRetry.
type RetryOptions struct {
	// MaxTries bounds the total number of attempts, the first included.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retryable reports whether an error is worth another attempt.
	// Nil retries everything except context errors.
	Retryable func(error) bool
	Logger    logging.Logger
}

// DefaultRetryOptions is the baseline for WithRetry.
var DefaultRetryOptions = RetryOptions{
	MaxTries:        3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

type retryAgent struct {
	next Agent
	opts RetryOptions
}

// WithRetry wraps next with exponential backoff. Context cancellation and
// deadline errors are never retried.
func WithRetry(next Agent, optFns ...func(o *RetryOptions)) Agent {
	opts := DefaultRetryOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxTries == 0 {
		opts.MaxTries = 1
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &retryAgent{next: next, opts: opts}
}

// Invoke implements Agent.
func (r *retryAgent) Invoke(ctx context.Context, input any) (any, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval

	op := func() (any, error) {
		out, err := r.next.Invoke(ctx, input)
		if err == nil {
			return out, nil
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, backoff.Permanent(err)
		}

		if r.opts.Retryable != nil && !r.opts.Retryable(err) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.opts.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.opts.Logger.Warn("agent call failed, retrying", "error", err, "backoff", next)
		}),
	)
}
