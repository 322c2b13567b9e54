// Package retry retries transient failures with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy configures Do.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts run
// out or ctx is done. The delay doubles after each failure with +-25% jitter.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == attempts-1 {
			break
		}

		sleep := jittered(delay)
		if p.MaxDelay > 0 && sleep > p.MaxDelay {
			sleep = p.MaxDelay
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	if jitter <= 0 {
		return d
	}
	return d - jitter + rand.N(2*jitter+1)
}
