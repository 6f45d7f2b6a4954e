package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swiftride/dispatch/pkg/logger"
	redisClient "github.com/swiftride/dispatch/pkg/redis"
)

const rideLockPrefix = "lock:ride:"

// unlockScript deletes the lock only while the caller's token still owns
// it, so a handler that outlived its lease cannot release a successor's lock.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// RideLocker serializes state transitions on a single ride. Driver
// responses, timeout probes, and cancellations all contend for the same
// short-lived Redis lock instead of blocking each other.
type RideLocker struct {
	redis redisClient.ClientInterface
	ttl   time.Duration
}

// NewRideLocker creates a locker with the given lease duration.
func NewRideLocker(redis redisClient.ClientInterface, ttl time.Duration) *RideLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RideLocker{redis: redis, ttl: ttl}
}

// Acquire tries to take the per-ride lock without blocking. The returned
// token must be passed back to Release. acquired == false means another
// transition is in flight right now.
func (l *RideLocker) Acquire(ctx context.Context, rideID uuid.UUID) (token string, acquired bool, err error) {
	token = uuid.NewString()

	acquired, err = l.redis.SetNX(ctx, rideLockPrefix+rideID.String(), token, l.ttl)
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire ride lock: %w", err)
	}

	return token, acquired, nil
}

// Release frees the lock if the token still owns it. A lease that expired
// and was re-acquired by another caller is left untouched.
func (l *RideLocker) Release(ctx context.Context, rideID uuid.UUID, token string) {
	key := rideLockPrefix + rideID.String()

	if _, err := l.redis.Eval(ctx, unlockScript, []string{key}, token); err != nil {
		logger.Warn("failed to release ride lock",
			zap.String("rideId", rideID.String()),
			zap.Error(err))
	}
}
