// Package retry runs an operation repeatedly with exponential backoff.
//
// A Policy is a plain value: every call to Do builds its own backoff state
// from it, so a Policy can be shared freely between callers.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often an operation is attempted and how long to wait
// between attempts. The wait doubles after every failed attempt.
type Policy struct {
	Attempts     int
	InitialDelay time.Duration
}

// DefaultPolicy is five attempts starting with a ten second delay.
var DefaultPolicy = Policy{Attempts: 5, InitialDelay: 10 * time.Second}

// Validate checks the policy for errors
func (p Policy) Validate() error {
	if p.Attempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", p.Attempts)
	}
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", p.InitialDelay)
	}
	return nil
}

// Waits returns the delays Do sleeps through when every attempt fails.
func (p Policy) Waits() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}
	waits := make([]time.Duration, 0, p.Attempts-1)
	d := p.InitialDelay
	for i := 1; i < p.Attempts; i++ {
		waits = append(waits, d)
		d *= 2
	}
	return waits
}

// backOff builds the schedule for a single call to Do.
func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(math.MaxInt64)
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// Notify is called after a failed attempt that will be retried, with the
// error and the wait before the next attempt.
type Notify func(err error, wait time.Duration)

// Timer is the wait primitive used between attempts.
type Timer = backoff.Timer

type options struct {
	notify Notify
	timer  Timer
}

// Option customizes a single call to Do.
type Option func(*options)

// WithNotify registers a callback for failed attempts that will be retried.
func WithNotify(fn Notify) Option {
	return func(o *options) { o.notify = fn }
}

// WithTimer replaces the real-time timer used for waits.
func WithTimer(t Timer) Option {
	return func(o *options) { o.timer = t }
}

// Do calls op until it succeeds or the policy's attempts are exhausted. The
// error of the last attempt is returned unchanged. Errors wrapped with
// Permanent stop the loop immediately. Cancelling ctx interrupts a pending
// wait and returns ctx.Err().
func Do(ctx context.Context, p Policy, op func() error, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var notify backoff.Notify
	if o.notify != nil {
		notify = backoff.Notify(o.notify)
	}

	return backoff.RetryNotifyWithTimer(op, backoff.WithContext(p.backOff(), ctx), notify, o.timer)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
