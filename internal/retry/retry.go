// Package retry provides the failure policy shared by the scheduler, the
// executor and the worker pool: retry with exponential backoff, timeout
// racing, a circuit breaker and regex based error classification.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/wasilibs/go-re2"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0

	// jitterFraction bounds the random part added by CalculateRetryDelay.
	jitterFraction = 0.3
)

// transientPattern matches messages of errors worth retrying.
var transientPattern = re2.MustCompile(`(?i)(timeout|timed out|etimedout|deadline exceeded|` +
	`econnreset|connection reset|econnrefused|connection refused|enotfound|eai_again|no such host|` +
	`network is unreachable|socket hang up|broken pipe|temporar(y|ily) unavailable|` +
	`rate limit|too many requests|\b429\b|circuit breaker is open)`)

// Config controls retry behaviour.
type Config struct {
	MaxRetries   int           // Retries after the first attempt; 0 disables retrying
	InitialDelay time.Duration // Delay before the first retry (default: 1s)
	MaxDelay     time.Duration // Upper bound for a single delay (default: 30s)
	Multiplier   float64       // Backoff growth factor (default: 2)
	Jitter       bool          // Add up to 30% random jitter to each delay

	// Retryable decides whether err warrants another attempt.
	// Defaults to IsRetryable.
	Retryable func(err error) bool

	// OnRetry is called after a failed attempt, before sleeping.
	// attempt is 1-indexed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a policy with three retries and exponential backoff
// from 1s up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   defaultMaxRetries,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
	}
}

// IsZero reports whether no field of c has been set.
func (c Config) IsZero() bool {
	return c.MaxRetries == 0 && c.InitialDelay == 0 && c.MaxDelay == 0 &&
		c.Multiplier == 0 && !c.Jitter && c.Retryable == nil && c.OnRetry == nil
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultMultiplier
	}
	if c.Retryable == nil {
		c.Retryable = IsRetryable
	}
	return c
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxRetries retries have been spent. The error of the last attempt is
// returned unchanged, together with its result.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var (
		result T
		err    error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}

		if attempt == cfg.MaxRetries || !cfg.Retryable(err) {
			return result, err
		}

		delay := BackoffDelay(cfg, attempt)
		if cfg.Jitter {
			delay = CalculateRetryDelay(cfg, attempt)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, fmt.Errorf("retry cancelled after attempt %d: %w", attempt+1, ctx.Err())
		}
	}
	return result, err
}

// DoErr is Do for functions without a result.
func DoErr(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// BackoffDelay returns min(InitialDelay × Multiplier^attempt, MaxDelay) for a
// zero-based attempt. It is non-decreasing in attempt.
func BackoffDelay(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if raw >= float64(cfg.MaxDelay) || math.IsInf(raw, 1) || math.IsNaN(raw) {
		return cfg.MaxDelay
	}
	return time.Duration(raw)
}

// CalculateRetryDelay is BackoffDelay plus random jitter in [0, 30%) of the
// delay, so it never exceeds MaxDelay × 1.3.
func CalculateRetryDelay(cfg Config, attempt int) time.Duration {
	base := BackoffDelay(cfg, attempt)
	jitter := time.Duration(rand.Float64() * jitterFraction * float64(base))
	return base + jitter
}

// IsRetryable reports whether err looks transient: timeouts, connection
// resets and refusals, DNS failures and rate limiting.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return transientPattern.MatchString(err.Error())
}
