package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/swiftride/dispatch/pkg/config"
)

// IdentityType says what the bucket key is derived from.
type IdentityType int

const (
	// IdentityAddress keys the bucket by caller IP. Used when the request
	// carries no stable actor id.
	IdentityAddress IdentityType = iota
	// IdentityActor keys the bucket by the driver or rider id named in the
	// request path.
	IdentityActor
)

// Rule is the effective policy for one endpoint and identity type.
type Rule struct {
	Limit  int
	Burst  int
	Window time.Duration
}

// Result captures one rate limiting decision.
type Result struct {
	Allowed      bool
	Remaining    int
	RetryAfter   time.Duration
	Limit        int
	Window       time.Duration
	ResetAfter   time.Duration
	IdentityKey  string
	EndpointKey  string
	IdentityType IdentityType
}

// Limiter is a Redis-backed token bucket. One bucket per endpoint+identity
// pair, refilled continuously at limit/window, capped at limit+burst.
type Limiter struct {
	client redis.Cmdable
	cfg    config.RateLimitConfig
	script *redis.Script
	now    func() time.Time
}

// The bucket is a Redis hash holding a token count and the last update in
// epoch millis. Refill happens lazily inside the script, so concurrent
// heartbeats from the same driver contend only on Redis, never in-process.
const bucketScript = `
local tokens = tonumber(redis.call("HGET", KEYS[1], "tokens"))
local last = tonumber(redis.call("HGET", KEYS[1], "timestamp"))
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

if tokens == nil then
    tokens = capacity
    last = now
elseif last == nil then
    last = now
end

local elapsed = now - last
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
    allowed = 1
    tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "timestamp", now)
redis.call("PEXPIRE", KEYS[1], ARGV[4])

local wait = 0
if allowed == 0 then
    wait = math.ceil((1 - tokens) / rate)
end

return {allowed, tokens, wait}
`

// NewLimiter creates a Limiter over the given Redis connection.
func NewLimiter(client redis.Cmdable, cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		client: client,
		cfg:    cfg,
		script: redis.NewScript(bucketScript),
		now:    time.Now,
	}
}

// WithNow overrides the time source, for tests.
func (l *Limiter) WithNow(now func() time.Time) {
	l.now = now
}

// RuleFor resolves the effective rule for the endpoint and identity type,
// applying any per-endpoint override on top of the configured defaults. A
// resolved limit of zero disables the endpoint for that identity type.
func (l *Limiter) RuleFor(endpoint string, identityType IdentityType) Rule {
	rule := Rule{
		Limit:  l.cfg.DefaultLimit,
		Burst:  l.cfg.DefaultBurst,
		Window: l.cfg.Window(),
	}
	if identityType == IdentityAddress {
		rule.Limit = l.cfg.AnonymousLimit
		rule.Burst = l.cfg.AnonymousBurst
	}

	if override, ok := l.cfg.EndpointOverrides[endpoint]; ok {
		if override.WindowSeconds > 0 {
			rule.Window = time.Duration(override.WindowSeconds) * time.Second
		}
		limit, burst := override.Limit, override.Burst
		if identityType == IdentityAddress {
			limit, burst = override.AnonymousLimit, override.AnonymousBurst
		}
		if limit > 0 {
			rule.Limit = limit
		}
		if burst >= 0 {
			rule.Burst = burst
		}
	}

	if rule.Limit < 0 {
		rule.Limit = 0
	}
	if rule.Burst < 0 {
		rule.Burst = 0
	}
	return rule
}

// Allow spends one token from the bucket for endpointKey+identityKey and
// reports whether the request may proceed.
func (l *Limiter) Allow(ctx context.Context, endpointKey, identityKey string, rule Rule, identityType IdentityType) (Result, error) {
	result := Result{
		Allowed:      true,
		Remaining:    rule.Limit,
		Limit:        rule.Limit,
		Window:       rule.Window,
		IdentityKey:  identityKey,
		EndpointKey:  endpointKey,
		IdentityType: identityType,
	}
	if !l.cfg.Enabled || rule.Limit <= 0 {
		return result, nil
	}

	if rule.Window <= 0 {
		rule.Window = l.cfg.Window()
		result.Window = rule.Window
	}
	windowMillis := rule.Window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = time.Minute.Milliseconds()
	}

	rate := float64(rule.Limit) / float64(windowMillis)
	capacity := float64(rule.Limit + rule.Burst)
	if capacity < 1 {
		capacity = 1
	}

	key := fmt.Sprintf("%s:%s:%s", l.cfg.RedisPrefix, endpointKey, identityKey)
	raw, err := l.script.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(), fmtFloat(rate), fmtFloat(capacity), windowMillis*2).Result()
	if err != nil {
		return Result{}, err
	}

	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return Result{}, errors.New("unexpected script response")
	}

	tokens := asFloat(reply[1])
	result.Allowed = asInt(reply[0]) == 1
	result.Remaining = int(math.Max(0, math.Floor(tokens)))

	if result.Allowed {
		// Time until the bucket is full again.
		missing := math.Max(0, capacity-tokens)
		result.ResetAfter = time.Duration(math.Ceil(missing/rate)) * time.Millisecond
		return result, nil
	}

	wait := time.Duration(asInt(reply[2])) * time.Millisecond
	result.RetryAfter = wait
	result.ResetAfter = wait
	return result, nil
}

// fmtFloat keeps enough precision that sub-millitoken refill rates survive
// the trip through script arguments.
func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 10, 64)
}

// Lua hands numbers back as int64, or as strings when the script stringifies
// them; normalize everything through float64.
func asFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func asInt(v interface{}) int {
	return int(asFloat(v))
}
