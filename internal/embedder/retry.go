package embedder

import (
	"context"
	"time"
)

// RetryConfig configures exponential backoff retry behavior
type RetryConfig struct {
	MaxRetries int           // Maximum number of attempts
	BaseDelay  time.Duration // Initial delay between attempts
	MaxDelay   time.Duration // Maximum delay between attempts
	Multiplier float64       // Exponential backoff multiplier
}

// DefaultRetryConfig returns the provider retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: MaxRetries,
		BaseDelay:  time.Duration(InitialBackoffMs) * time.Millisecond,
		MaxDelay:   time.Duration(MaxBackoffMs) * time.Millisecond,
		Multiplier: BackoffMultiplier,
	}
}

// retryWithBackoff executes fn until it succeeds, attempts run out or ctx is
// done. The returned int is the number of attempts made.
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func() (T, error)) (T, int, error) {
	var lastErr error
	var zero T
	backoff := config.BaseDelay
	attempts := config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, attempt + 1, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, attempt + 1, ctx.Err()
		}

		if attempt < attempts-1 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, attempt + 1, ctx.Err()
			case <-timer.C:
				backoff = time.Duration(float64(backoff) * config.Multiplier)
				if backoff > config.MaxDelay {
					backoff = config.MaxDelay
				}
			}
		}
	}

	return zero, attempts, lastErr
}
