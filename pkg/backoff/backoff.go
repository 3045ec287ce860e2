package backoff

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	domainErrors "github.com/ledgersync/ledgersync/internal/domain/errors"
	"github.com/ledgersync/ledgersync/internal/domain/entity"
)

// Config holds backoff parameters for one class of work.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Exponential bool
	Jitter      bool
}

// DefaultConfig returns the fallback backoff configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 3,
		Exponential: true,
		Jitter:      true,
	}
}

// Delay computes the wait before the given attempt (1-based). Exponential
// growth doubles per attempt; linear mode grows by base per attempt. Jitter
// perturbs the result by up to 25% either way and the final value is clamped to
// [base, max].
func Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}

	var delay time.Duration
	if cfg.Exponential {
		// base * 2^(attempt-1), guarding against shift overflow
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay = cfg.BaseDelay << shift
	} else {
		delay = cfg.BaseDelay * time.Duration(attempt)
	}
	if delay > cfg.MaxDelay || delay < 0 {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		// uniform in [-25%, +25%]
		spread := int64(delay) / 2
		if spread > 0 {
			delay = delay - time.Duration(spread)/2 + time.Duration(rand.Int63n(spread+1))
		}
	}

	if delay < cfg.BaseDelay {
		delay = cfg.BaseDelay
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// nonRetryable codes fail immediately regardless of remaining attempts.
var nonRetryable = map[string]struct{}{
	domainErrors.CodeValidation: {},
	domainErrors.CodeAuth:       {},
	domainErrors.CodeNotFound:   {},
	domainErrors.CodeConflict:   {},
}

// Retryable reports whether the given error code may be retried at all.
// An empty code is treated as retryable; the attempt budget still applies.
func Retryable(code string) bool {
	_, bad := nonRetryable[code]
	return !bad
}

// ShouldRetry decides whether another attempt is allowed. attemptCount is the
// number of attempts already made.
func ShouldRetry(attemptCount, maxAttempts int, code string) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return Retryable(code)
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"too many requests",
	"throttl",
	"rate limit",
	"lock",
	"deadline exceeded",
	"broken pipe",
	"eof",
}

// IsTransient classifies an error as a transient infrastructure failure.
// Structured codes are authoritative; message sniffing is the fallback for
// errors that carry no code.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	switch domainErrors.CodeOf(err) {
	case domainErrors.CodeTimeout, domainErrors.CodeNetwork, domainErrors.CodeThrottled, domainErrors.CodeLockLost:
		return true
	case domainErrors.CodeValidation, domainErrors.CodeAuth, domainErrors.CodeNotFound, domainErrors.CodeConflict:
		return false
	}

	if errors.Is(err, domainErrors.ErrRemoteUnavailable) ||
		errors.Is(err, domainErrors.ErrRemoteThrottled) ||
		errors.Is(err, domainErrors.ErrRemoteTimeout) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Table maps entity types to backoff overrides, with a default fallback.
// Urgent entity types (financial documents) retry faster and longer than
// bulk catalog entities.
type Table struct {
	overrides map[entity.Type]Config
	fallback  Config
}

// NewTable builds an override table over the given fallback.
func NewTable(fallback Config, overrides map[entity.Type]Config) *Table {
	return &Table{
		overrides: overrides,
		fallback:  fallback,
	}
}

// DefaultTable returns the standard override table: invoices and orders get a
// shorter base delay and a larger attempt budget than catalog items.
func DefaultTable() *Table {
	return NewTable(DefaultConfig(), map[entity.Type]Config{
		entity.TypeInvoice: {
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
			Exponential: true,
			Jitter:      true,
		},
		entity.TypeOrder: {
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
			Exponential: true,
			Jitter:      true,
		},
	})
}

// For returns the config for the given entity type.
func (t *Table) For(typ entity.Type) Config {
	if cfg, ok := t.overrides[typ]; ok {
		return cfg
	}
	return t.fallback
}

// NextRetryAt computes the absolute retry time for an item of the given
// entity type after attempt attempts.
func (t *Table) NextRetryAt(now time.Time, typ entity.Type, attempt int) time.Time {
	return now.Add(Delay(attempt, t.For(typ)))
}
