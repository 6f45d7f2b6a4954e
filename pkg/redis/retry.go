package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/swiftride/dispatch/pkg/resilience"
)

// RetryableOperation runs one Redis command with retries on transient
// failures. Presence reads and geo queries sit on the request hot path, so
// the backoff starts small and the loop gives up after three attempts.
func RetryableOperation[T any](ctx context.Context, op func(context.Context) (T, error), name string) (T, error) {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxAttempts = 3
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 1 * time.Second
	cfg.RetryableChecker = isRedisRetryable

	var zero T
	result, err := resilience.RetryWithName(ctx, cfg, func(ctx context.Context) (interface{}, error) {
		return op(ctx)
	}, name)
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Errors that repeat identically on every attempt: misuse of the API,
// authentication problems and aborted transactions.
var redisNonRetryable = []string{
	"wrongtype",
	"noauth",
	"wrongpass",
	"noperm",
	"err syntax",
	"err invalid",
	"err unknown",
	"execabort",
}

// isRedisRetryable classifies Redis errors for the retry loop. A key miss
// is an answer, not a failure; command and auth errors never change between
// attempts. Everything else is treated as transient.
func isRedisRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, redis.Nil) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range redisNonRetryable {
		if strings.Contains(msg, s) {
			return false
		}
	}

	return true
}
