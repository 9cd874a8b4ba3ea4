package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int
	// BaseDelay is the wait before the second attempt; it doubles afterwards.
	BaseDelay time.Duration
	// Jitter adds a uniform random wait in [0, 1s) to every backoff.
	Jitter bool
	// Timeout bounds a single attempt when positive.
	Timeout time.Duration
}

func (p Policy) normalized() Policy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based), without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

func (p Policy) wait(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.Jitter {
		delay += time.Duration(rand.Float64() * float64(time.Second))
	}
	return delay
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
// The last error is returned on exhaustion.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.normalized()

	var err error
	for attempt := 1; ; attempt++ {
		err = runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= p.Attempts {
			return err
		}

		timer := time.NewTimer(p.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
