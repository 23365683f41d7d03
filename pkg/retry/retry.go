// Package retry wraps fallible device operations with a bounded-attempt,
// exponential-backoff retry loop. Only taxonomy-level errors
// (device.Error) reach this package; adapters translate transport errors
// before they get here.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/thin-edge/device-test-core/pkg/device"
)

// Config controls one guarded call.
type Config struct {
	// MaxAttempts caps the number of tries, counting the first one.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration
	// Multiplier is the growth factor applied per attempt.
	Multiplier float64
	// MaxDelay is the ceiling on the backoff between attempts.
	MaxDelay time.Duration
	// RetryableKinds lists the error kinds eligible for retry. An error
	// whose wrap chain contains none of these propagates immediately.
	RetryableKinds []device.Kind
}

// DefaultConfig mirrors the backoff settings used for flaky transport
// operations: three tries, 500ms growing by 1.5x capped at 5s, retrying
// connection-class failures only.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     1.5,
		MaxDelay:       5 * time.Second,
		RetryableKinds: []device.Kind{device.KindConnection},
	}
}

// Attempt records one try of a guarded call, kept for diagnostics.
type Attempt struct {
	Number      int
	DelayBefore time.Duration
	Err         error
}

// ExhaustedError wraps the terminal error after MaxAttempts failures and
// carries the full attempt history.
type ExhaustedError struct {
	Op       string
	Attempts []Attempt
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, len(e.Attempts), e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// History renders the attempt ledger for log output.
func (e *ExhaustedError) History() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("#%d delay=%s err=%v", a.Number, a.DelayBefore, a.Err))
	}
	return strings.Join(parts, "; ")
}

func (c Config) retryable(err error) bool {
	for _, kind := range device.Kinds(err) {
		for _, want := range c.RetryableKinds {
			if kind == want {
				return true
			}
		}
	}
	return false
}

func (c Config) schedule() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: c.BaseDelay,
		Multiplier:      c.Multiplier,
		MaxInterval:     c.MaxDelay,
		// Zero out jitter and the elapsed-time cutoff: the loop below is
		// bounded by MaxAttempts and the caller's context.
		RandomizationFactor: 0,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Do runs fn under the retry policy. The delay before the first attempt
// is always zero. The sleep between attempts honors ctx cancellation.
func Do(ctx context.Context, op string, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, op, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value alongside the error.
func DoValue[T any](ctx context.Context, op string, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	sched := cfg.schedule()
	var attempts []Attempt
	delay := time.Duration(0)

	for number := 1; ; number++ {
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return zero, err
			}
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		attempts = append(attempts, Attempt{Number: number, DelayBefore: delay, Err: err})

		if !cfg.retryable(err) {
			// Fail fast: the error kind is not eligible for retry.
			return zero, err
		}
		if number >= cfg.MaxAttempts {
			return zero, &ExhaustedError{Op: op, Attempts: attempts, Err: err}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		delay = sched.NextBackOff()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
