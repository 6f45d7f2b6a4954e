package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/swiftride/dispatch/pkg/eventbus"
)

// Checker probes one dependency and returns an error when it is unhealthy.
type Checker func() error

// CheckerConfig bounds how long a single probe may take.
type CheckerConfig struct {
	Timeout time.Duration
}

// DefaultCheckerConfig returns the probe timeout used by the readiness
// endpoint.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{Timeout: 2 * time.Second}
}

// PostgresChecker verifies the pgx pool can reach the database.
func PostgresChecker(pool *pgxpool.Pool) Checker {
	return PostgresCheckerWithConfig(pool, DefaultCheckerConfig())
}

// PostgresCheckerWithConfig is PostgresChecker with a custom probe timeout.
func PostgresCheckerWithConfig(pool *pgxpool.Pool, cfg CheckerConfig) Checker {
	return func() error {
		if pool == nil {
			return fmt.Errorf("database pool is nil")
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		return nil
	}
}

// RedisChecker verifies Redis answers a PING.
func RedisChecker(client redis.UniversalClient) Checker {
	return RedisCheckerWithConfig(client, DefaultCheckerConfig())
}

// RedisCheckerWithConfig is RedisChecker with a custom probe timeout.
func RedisCheckerWithConfig(client redis.UniversalClient, cfg CheckerConfig) Checker {
	return func() error {
		if client == nil {
			return fmt.Errorf("redis client is nil")
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}

// BusChecker verifies the event bus connection is up. The bus reconnects on
// its own, so a transient failure here only flips readiness, it does not
// need intervention.
func BusChecker(bus *eventbus.Bus) Checker {
	return func() error {
		if bus == nil {
			return fmt.Errorf("event bus is nil")
		}
		if !bus.Connected() {
			return fmt.Errorf("event bus disconnected")
		}
		return nil
	}
}

// CachedChecker reuses a probe result for cacheTTL so aggressive probe
// intervals do not hammer the dependency.
type CachedChecker struct {
	checker  Checker
	cacheTTL time.Duration

	mu         sync.Mutex
	lastCheck  time.Time
	lastResult error
}

// NewCachedChecker wraps checker with result caching.
func NewCachedChecker(checker Checker, cacheTTL time.Duration) *CachedChecker {
	return &CachedChecker{
		checker:  checker,
		cacheTTL: cacheTTL,
	}
}

// Check runs the underlying probe, or returns the cached result while it is
// still fresh.
func (c *CachedChecker) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastCheck) < c.cacheTTL {
		return c.lastResult
	}

	c.lastResult = c.checker()
	c.lastCheck = now
	return c.lastResult
}
