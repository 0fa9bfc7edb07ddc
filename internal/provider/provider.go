// Package provider implements the external market-data fetch path: a
// narrow Source contract for the wire-level client, and a Fetcher that
// wraps any Source with the process-wide rate limit, retry with
// exponential backoff, and transient-vs-permanent error classification.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	caterrors "barcatalog/internal/errors"
	"barcatalog/internal/models"
)

// Source is the abstract provider contract. One concrete network-backed
// implementation (HTTPSource) and one in-memory fake (FakeSource)
// implement it.
type Source interface {
	// Fetch returns all bars of the series with timestamps in
	// [start, end), in ascending order. A fetch that fails partway
	// through must return an error and no bars - partial data is never
	// returned as if complete.
	Fetch(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error)

	// HealthCheck is a cheap connectivity probe.
	HealthCheck(ctx context.Context) error
}

// PermanentError marks a provider failure that must never be retried,
// such as an unknown instrument or rejected credentials. Sources return
// it to short-circuit the Fetcher's retry loop.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent provider error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// RetryPolicy configures the Fetcher's backoff behavior.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int
	// InitialDelay is the backoff base delay.
	InitialDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Multiplier is the backoff growth factor.
	Multiplier float64
	// Jitter is the randomization factor applied to each delay to avoid
	// synchronized retries across concurrent series.
	Jitter float64
}

// DefaultRetryPolicy matches the provider contract: three attempts,
// exponential backoff with multiplier 2 and jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

// Config configures a Fetcher.
type Config struct {
	// RequestsPerSecond is the provider's aggregate quota, shared by all
	// concurrent callers through one token bucket.
	RequestsPerSecond float64
	// Burst is the token bucket depth.
	Burst int
	// BlockOnLimit selects behavior at an empty bucket: wait for
	// capacity (true) or fail immediately with a retry-after hint.
	BlockOnLimit bool
	// Retry is the backoff policy for transient failures.
	Retry RetryPolicy
}

// DefaultConfig returns a conservative fetcher configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             1,
		BlockOnLimit:      true,
		Retry:             DefaultRetryPolicy(),
	}
}

// Fetcher is the rate-limited, retrying client over a Source. The rate
// limiter is process-wide: it models the provider's aggregate quota, not
// a per-series one, so a single Fetcher must be shared by all callers.
type Fetcher struct {
	source  Source
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewFetcher wraps a source with rate limiting and retry.
func NewFetcher(source Source, cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Fetcher{
		source:  source,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger.With("component", "fetcher"),
	}
}

// Limits exposes the configured aggregate quota.
func (f *Fetcher) Limits() (requestsPerSecond float64, burst int) {
	return f.cfg.RequestsPerSecond, f.cfg.Burst
}

// IsAvailable probes the source. Used to fail fast with an actionable
// message before spending the retry budget on a dead connection.
func (f *Fetcher) IsAvailable(ctx context.Context) bool {
	if err := f.source.HealthCheck(ctx); err != nil {
		f.logger.Debug("source health check failed", "error", err)
		return false
	}
	return true
}

// Fetch pulls bars for [start, end) through the rate limiter, retrying
// transient failures with exponential backoff. Permanent failures and
// context cancellation surface immediately. On success bars are returned
// sorted ascending and clipped to the requested range.
func (f *Fetcher) Fetch(ctx context.Context, key models.SeriesKey, start, end time.Time) ([]models.Bar, error) {
	op := "provider.Fetch"

	policy := f.cfg.Retry
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = policy.InitialDelay
	expo.MaxInterval = policy.MaxDelay
	expo.Multiplier = policy.Multiplier
	expo.RandomizationFactor = policy.Jitter
	expo.MaxElapsedTime = 0 // attempts are bounded, not elapsed time

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(policy.MaxAttempts-1)), ctx)

	var bars []models.Bar
	attempt := 0

	operation := func() error {
		attempt++

		if err := f.acquireToken(ctx, op); err != nil {
			return backoff.Permanent(err)
		}

		fetched, err := f.source.Fetch(ctx, key, start, end)
		if err != nil {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return backoff.Permanent(caterrors.SourceRejected(op, pe.Err))
			}
			if !caterrors.IsTransient(err) {
				return backoff.Permanent(caterrors.SourceRejected(op, err))
			}
			f.logger.Warn("transient fetch failure",
				"key", key.String(),
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"error", err)
			return err
		}

		bars = fetched
		return nil
	}

	if err := backoff.Retry(operation, strategy); err != nil {
		if kind := caterrors.KindOf(err); kind != "" {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch canceled for %s: %w", key, ctx.Err())
		}
		return nil, caterrors.SourceUnavailable(op,
			fmt.Errorf("giving up after %d attempts: %w", attempt, err))
	}

	return clipAndSort(bars, start, end), nil
}

// acquireToken takes one token from the shared bucket, either blocking
// until capacity is available or failing with a retry-after hint.
func (f *Fetcher) acquireToken(ctx context.Context, op string) error {
	if f.cfg.BlockOnLimit {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		return nil
	}

	reservation := f.limiter.Reserve()
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return caterrors.RateLimitExceeded(op, delay)
	}
	return nil
}

func clipAndSort(bars []models.Bar, start, end time.Time) []models.Bar {
	out := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp.Before(start) || !b.Timestamp.Before(end) {
			continue
		}
		out = append(out, b)
	}
	models.SortBars(out)
	return out
}
