package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/swiftride/dispatch/pkg/logger"
)

// RetryConfig controls the backoff loop.
type RetryConfig struct {
	// MaxAttempts bounds the total number of tries, the first one included.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
	// BackoffMultiplier is the exponential base, typically 2.0.
	BackoffMultiplier float64
	// EnableJitter randomizes delays to avoid thundering herds.
	EnableJitter bool
	// RetryableErrors whitelists errors worth retrying. Empty means retry
	// everything except context cancellation and open breakers.
	RetryableErrors []error
	// RetryableChecker overrides the retry decision entirely when set.
	RetryableChecker func(error) bool
}

// DefaultRetryConfig suits most transient-failure paths.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// AggressiveRetryConfig retries harder with shorter initial delays, for
// boot-time dependency connections.
func AggressiveRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        16 * time.Second,
		BackoffMultiplier: 2.0,
		EnableJitter:      true,
	}
}

// RetryWithName runs the operation with exponential backoff and records
// retry metrics under operationName.
func RetryWithName(ctx context.Context, config RetryConfig, operation Operation, operationName string) (interface{}, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			RecordRetryOperation(operationName, time.Since(start).Seconds(), attempt, false)
			return nil, err
		}

		result, err := operation(ctx)
		if err == nil {
			RecordRetryAttempt(operationName, true)
			RecordRetryOperation(operationName, time.Since(start).Seconds(), attempt, true)
			if attempt > 1 {
				logger.Get().Info("operation recovered",
					zap.String("operation", operationName),
					zap.Int("attempt", attempt),
					zap.Int("max_attempts", config.MaxAttempts),
				)
			}
			return result, nil
		}

		RecordRetryAttempt(operationName, false)
		lastErr = err

		if !retryable(err, config) {
			logger.Get().Debug("error is terminal, not retrying",
				zap.String("operation", operationName),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			RecordRetryOperation(operationName, time.Since(start).Seconds(), attempt, false)
			return nil, err
		}

		if attempt == config.MaxAttempts {
			logger.Get().Warn("operation failed on final attempt",
				zap.String("operation", operationName),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			break
		}

		delay := backoffFor(attempt, config)
		RecordRetryBackoff(operationName, delay.Seconds())

		logger.Get().Info("retrying after backoff",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", config.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			RecordRetryOperation(operationName, time.Since(start).Seconds(), attempt+1, false)
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	RecordRetryOperation(operationName, time.Since(start).Seconds(), config.MaxAttempts, false)
	return nil, lastErr
}

// backoffFor computes the delay before the next attempt: exponential in the
// attempt number, capped at MaxBackoff, with optional full jitter.
func backoffFor(attempt int, config RetryConfig) time.Duration {
	d := float64(config.InitialBackoff) * math.Pow(config.BackoffMultiplier, float64(attempt-1))
	if d > float64(config.MaxBackoff) {
		d = float64(config.MaxBackoff)
	}

	delay := time.Duration(d)
	if config.EnableJitter && delay > 0 {
		delay = time.Duration(rand.Int63n(int64(delay)))
	}
	return delay
}

// retryable decides whether the error is worth another attempt.
func retryable(err error, config RetryConfig) bool {
	if err == nil {
		return false
	}

	if config.RetryableChecker != nil {
		return config.RetryableChecker(err)
	}

	if len(config.RetryableErrors) > 0 {
		for _, candidate := range config.RetryableErrors {
			if errors.Is(err, candidate) {
				return true
			}
		}
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// An open breaker means the dependency is already known bad.
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}

	return true
}
