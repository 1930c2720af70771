package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 50 * time.Millisecond
	DefaultMaxInterval     = time.Second
)

// RetryPolicy bounds how often a transient backend failure is retried.
// Backend errors, timeouts and 5xx responses are transient; everything else
// is a definitive answer and is returned as is.
type RetryPolicy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	// AttemptTimeout bounds a single backend call; zero leaves it to ctx.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(DefaultMaxInterval, p.InitialInterval)
	}
	return p
}

// Validate rejects negative settings.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry max_attempts %d must be non-negative", p.MaxAttempts))
	}
	if p.InitialInterval < 0 || p.MaxInterval < 0 || p.AttemptTimeout < 0 {
		errs = append(errs, errors.New("retry intervals must be non-negative"))
	}
	return errors.Join(errs...)
}

// Outcome summarises a retried backend call.
type Outcome struct {
	Response StorageResponse
	Err      error
	Attempts int
	TimedOut bool
	// Exhausted is set when the last attempt was still transient.
	Exhausted bool
}

var errTransientStatus = errors.New("taskflow: transient storage status")

// Do runs op until it yields a definitive response, attempts run out or ctx
// ends. The last response or error is kept in the outcome.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) (StorageResponse, error)) Outcome {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	var out Outcome
	_, err := backoff.Retry(ctx, func() (StorageResponse, error) {
		out.Attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		resp, err := op(attemptCtx)
		cancel()

		out.Response, out.Err = resp, err
		out.TimedOut = resp.IsTimeout || isTimeout(err)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return resp, backoff.Permanent(err)
			}
			return resp, err
		case transientStatus(resp):
			return resp, errTransientStatus
		default:
			return resp, nil
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && out.Err == nil && !errors.Is(err, errTransientStatus) {
		// ctx ended while waiting between attempts.
		out.Err = err
		out.TimedOut = out.TimedOut || isTimeout(err)
	}
	out.Exhausted = out.Err != nil || transientStatus(out.Response)
	return out
}

func transientStatus(resp StorageResponse) bool {
	return resp.IsTimeout || resp.Status >= 500
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
