// Package retry wraps retry-go with the short, bounded policies used for
// transport-level retries. Durable retries with persisted attempt counts
// belong to the queue, not here.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// Config bounds one retry loop.
type Config struct {
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultConfig suits idempotent in-process calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// Do runs fn with exponential backoff until it succeeds, the attempt budget
// runs out, or ctx is done. Only the last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(cfg.MaxAttempts),
		retry.Delay(cfg.InitialDelay),
		retry.MaxDelay(cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}

// Unrecoverable marks err so the loop stops immediately instead of burning
// the remaining attempts.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}
