package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
)

// Config bounds outbound calls to the remote platform.
type Config struct {
	MaxPerMinute   int
	MaxPerDay      int
	MaxConcurrent  int64
	ThrottleBase   time.Duration
	// MinuteWindow/DayWindow exist so tests can roll windows quickly.
	MinuteWindow time.Duration
	DayWindow    time.Duration
}

// DefaultConfig matches a conservative remote API budget.
func DefaultConfig() Config {
	return Config{
		MaxPerMinute:  60,
		MaxPerDay:     10000,
		MaxConcurrent: 5,
		ThrottleBase:  30 * time.Second,
		MinuteWindow:  time.Minute,
		DayWindow:     24 * time.Hour,
	}
}

// Limiter enforces a rolling per-minute cap, a rolling per-day cap and a
// concurrency cap on outbound remote calls. Per-minute exhaustion suspends
// the caller until the window rolls over; per-day exhaustion is a hard error
// signalling a budget problem rather than a burst. Counters reset on fixed
// windows, an acceptable approximation at this call volume.
type Limiter struct {
	cfg    Config
	store  CounterStore
	sem    *semaphore.Weighted
	logger zerolog.Logger
}

// NewLimiter creates a limiter over the given counter store.
func NewLimiter(cfg Config, store CounterStore, logger zerolog.Logger) *Limiter {
	if cfg.MinuteWindow <= 0 {
		cfg.MinuteWindow = time.Minute
	}
	if cfg.DayWindow <= 0 {
		cfg.DayWindow = 24 * time.Hour
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.ThrottleBase <= 0 {
		cfg.ThrottleBase = 30 * time.Second
	}
	return &Limiter{
		cfg:    cfg,
		store:  store,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger.With().Str("component", "rate_limiter").Logger(),
	}
}

func windowKey(kind string, now time.Time, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", kind, now.UnixNano()/int64(window))
}

// Acquire reserves one outbound call. It suspends the caller while the remote
// throttle window is open or the per-minute budget is spent, fails hard when
// the per-day budget is spent, and finally takes a concurrency slot. Every
// successful Acquire must be paired with Release.
func (l *Limiter) Acquire(ctx context.Context, label string) error {
	for {
		if err := l.waitForThrottle(ctx); err != nil {
			return err
		}

		now := time.Now()

		dayCount, err := l.store.Incr(ctx, windowKey("day", now, l.cfg.DayWindow), l.cfg.DayWindow)
		if err != nil {
			return err
		}
		if l.cfg.MaxPerDay > 0 && dayCount > int64(l.cfg.MaxPerDay) {
			_ = l.store.Decr(ctx, windowKey("day", now, l.cfg.DayWindow))
			l.logger.Error().Str("label", label).Int64("count", dayCount).Msg("daily request budget exhausted")
			return domainErrors.ErrDailyLimitExceeded
		}

		minuteKey := windowKey("minute", now, l.cfg.MinuteWindow)
		minuteCount, err := l.store.Incr(ctx, minuteKey, l.cfg.MinuteWindow)
		if err != nil {
			_ = l.store.Decr(ctx, windowKey("day", now, l.cfg.DayWindow))
			return err
		}
		if l.cfg.MaxPerMinute > 0 && minuteCount > int64(l.cfg.MaxPerMinute) {
			// over the minute budget: undo the reservation and sleep until the
			// window rolls over, then re-check
			_ = l.store.Decr(ctx, minuteKey)
			_ = l.store.Decr(ctx, windowKey("day", now, l.cfg.DayWindow))

			wait := l.untilNextWindow(now)
			l.logger.Debug().Str("label", label).Dur("wait", wait).Msg("per-minute budget spent, suspending")
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if err := l.sem.Acquire(ctx, 1); err != nil {
			_ = l.store.Decr(ctx, minuteKey)
			_ = l.store.Decr(ctx, windowKey("day", now, l.cfg.DayWindow))
			return err
		}
		return nil
	}
}

// Release returns the concurrency slot taken by Acquire.
func (l *Limiter) Release() {
	l.sem.Release(1)
}

// ThrottleOnError opens the shared throttle window after the remote system
// pushed back. An explicit rate-limit signal (429 or 503) doubles the pause.
func (l *Limiter) ThrottleOnError(ctx context.Context, statusCode int) error {
	d := l.cfg.ThrottleBase
	if statusCode == 429 || statusCode == 503 {
		d *= 2
	}
	until := time.Now().Add(d)
	l.logger.Warn().Int("status", statusCode).Time("until", until).Msg("throttling outbound calls")
	return l.store.SetThrottle(ctx, until)
}

// Throttled reports whether the shared throttle window is currently open.
func (l *Limiter) Throttled(ctx context.Context) (bool, error) {
	until, err := l.store.GetThrottle(ctx)
	if err != nil {
		return false, err
	}
	return time.Now().Before(until), nil
}

func (l *Limiter) waitForThrottle(ctx context.Context) error {
	for {
		until, err := l.store.GetThrottle(ctx)
		if err != nil {
			return err
		}
		wait := time.Until(until)
		if wait <= 0 {
			return nil
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *Limiter) untilNextWindow(now time.Time) time.Duration {
	elapsed := time.Duration(now.UnixNano() % int64(l.cfg.MinuteWindow))
	return l.cfg.MinuteWindow - elapsed + time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
