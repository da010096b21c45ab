// Package retry provides the bounded retry combinator shared by the form
// filler, the wizard and the availability poller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Op is one attempt. try is 1-based.
type Op func(ctx context.Context, try int) error

// Backoff describes the wait between attempts. A Multiplier of 1 or less
// gives a constant delay of Initial.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0,1).
	Jitter float64
}

// Constant returns a fixed delay between attempts.
func Constant(d time.Duration) Backoff {
	return Backoff{Initial: d, Max: d, Multiplier: 1}
}

// Exponential returns a doubling delay capped at max, with 20% jitter.
func Exponential(initial, max time.Duration) Backoff {
	return Backoff{Initial: initial, Max: max, Multiplier: 2, Jitter: 0.2}
}

// ErrExhausted is wrapped around the last attempt's error once every try
// has failed.
var ErrExhausted = errors.New("retries exhausted")

// Permanent marks an error that must not be retried. Attempt returns it
// unwrapped on the try that produced it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Attempt runs op up to maxTries times, sleeping per b between failures.
// It returns nil on the first success. Cancellation of ctx is observed
// during every wait and ends the loop with ctx.Err(). When every try
// fails, the last error is returned wrapped in ErrExhausted.
func Attempt(ctx context.Context, op Op, maxTries int, b Backoff) error {
	if maxTries < 1 {
		maxTries = 1
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	try := 0
	var lastErr error
	operation := func() error {
		try++
		err := op(ctx, try)
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				lastErr = err
			}
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b.policy(), uint64(maxTries-1)), ctx)
	err := backoff.Retry(operation, policy)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return err
	case lastErr != nil && errors.Is(err, lastErr) && try >= maxTries:
		return fmt.Errorf("%w after %d tries: %w", ErrExhausted, try, lastErr)
	default:
		return err
	}
}

func (b Backoff) policy() backoff.BackOff {
	if b.Initial <= 0 {
		return &backoff.ZeroBackOff{}
	}
	if b.Multiplier <= 1 {
		return backoff.NewConstantBackOff(b.Initial)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.Multiplier = b.Multiplier
	eb.RandomizationFactor = b.Jitter
	eb.MaxInterval = b.Max
	if eb.MaxInterval < b.Initial {
		eb.MaxInterval = b.Initial
	}
	// The try count bounds the loop, not elapsed time.
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}
