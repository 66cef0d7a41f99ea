package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// NonRetryableError marks an error that ends Do immediately.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so Do returns it without another attempt.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config describes an exponential backoff policy.
type Config struct {
	MaxAttempts  int           // total attempts including the first; <= 0 means one
	InitialDelay time.Duration // wait before the second attempt
	MaxDelay     time.Duration // cap on any single wait
	Multiplier   float64       // growth per attempt, typically 2.0
	AddJitter    bool          // add up to 25% to each wait

	// Retryable decides whether a failed attempt may be repeated. Nil retries
	// every error not wrapped with NonRetryable.
	Retryable func(error) bool

	// OnRetry is called before waiting ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Submission is the FHIR API policy: three retries after the first
// attempt, waiting 2s, 4s, then 8s.
func Submission() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 2 * time.Second,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

func (c Config) normalize() (Config, error) {
	switch {
	case c.InitialDelay < 0, c.MaxDelay < 0, c.Multiplier < 0:
		return c, errors.New("retry: delays and multiplier cannot be negative")
	case c.MaxDelay > 0 && c.MaxDelay < c.InitialDelay:
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = max(5*time.Second, c.InitialDelay)
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
	c.Multiplier = min(c.Multiplier, 1000)
	return c, nil
}

// Delay returns the wait after failed attempt n (1-based), before jitter.
func (c Config) Delay(n int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < n; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	return min(time.Duration(d), c.MaxDelay)
}

func (c Config) shouldRetry(err error) bool {
	if IsNonRetryable(err) {
		return false
	}
	return c.Retryable == nil || c.Retryable(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx ends. The last error is wrapped in the result.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalize()
	if err != nil {
		return err
	}

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !cfg.shouldRetry(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
		}

		delay := cfg.Delay(attempt)
		if cfg.AddJitter && delay >= 4 {
			delay += rand.N(delay / 4)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
