// Package retry runs operations with exponential backoff. The recovery CLI
// uses it for transient replica failures only; a restore attempt consumes a
// try on each replica and is never repeated automatically.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/ruteri/tee-secure-value-recovery/interfaces"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by +/-20%.
	Jitter bool
}

// Default backoff settings, used when MaxAttempts is not positive.
var Default = Options{
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// None runs an operation exactly once.
var None = Options{MaxAttempts: 1}

type IsRetryableFunc func(error) bool

// OnConnectionError retries errors caused by an unreachable or
// misbehaving transport.
func OnConnectionError(err error) bool {
	return interfaces.IsConnectionError(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. It returns the last error from fn, or the context
// error when interrupted while waiting.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		opts = Default
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}

	backoff := opts.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}

		timer := time.NewTimer(opts.delay(backoff))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * opts.Multiplier)
		if opts.MaxDelay > 0 && backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}

func (o Options) delay(backoff time.Duration) time.Duration {
	sleep := backoff
	if o.Jitter {
		spread := float64(backoff) * 0.2
		sleep = time.Duration(max(0, float64(backoff)+(rand.Float64()*2-1)*spread))
	}
	if o.MaxDelay > 0 && sleep > o.MaxDelay {
		sleep = o.MaxDelay
	}
	return sleep
}
