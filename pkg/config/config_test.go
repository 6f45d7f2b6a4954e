package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load("dispatch")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, "dispatch", cfg.Server.ServiceName)
	assert.Equal(t, 2*time.Second, cfg.Server.RequestTimeout)

	assert.Equal(t, 15*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 5.0, cfg.Dispatch.DefaultRadiusKm)
	assert.Equal(t, 10, cfg.Dispatch.CandidateLimit)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.LockTTL)
	assert.Equal(t, 24*time.Hour, cfg.Dispatch.IdempotencyTTL)
	assert.False(t, cfg.Dispatch.UseScoring)
	assert.True(t, cfg.Dispatch.OfferTimers)

	assert.Equal(t, 30*time.Second, cfg.Presence.PresenceTTL)
	assert.Equal(t, 5*time.Minute, cfg.Presence.MetaTTL)

	assert.Equal(t, time.Minute, cfg.Surge.CacheTTL)
	assert.Equal(t, 5*time.Minute, cfg.Surge.DemandTTL)
	assert.Equal(t, 1.0, cfg.Surge.MinMultiplier)
	assert.Equal(t, 3.0, cfg.Surge.MaxMultiplier)
	assert.Equal(t, 2.0, cfg.Surge.SupplyRadiusKm)

	assert.Equal(t, 2.5, cfg.Fare.Base)
	assert.Equal(t, 1.5, cfg.Fare.PerKm)
	assert.Equal(t, 0.25, cfg.Fare.PerMinute)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "DISPATCH", cfg.NATS.StreamName)
}

func TestLoadCustomValues(t *testing.T) {
	os.Clearenv()
	os.Setenv("OFFER_TTL", "20")
	os.Setenv("MAX_ATTEMPTS", "3")
	os.Setenv("DEFAULT_RADIUS_KM", "7.5")
	os.Setenv("MATCH_USE_SCORING", "true")
	os.Setenv("SURGE_MAX", "2.5")
	os.Setenv("FARE_BASE", "3.0")
	os.Setenv("PRESENCE_TTL", "45")

	cfg, err := Load("dispatch")
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 7.5, cfg.Dispatch.DefaultRadiusKm)
	assert.True(t, cfg.Dispatch.UseScoring)
	assert.Equal(t, 2.5, cfg.Surge.MaxMultiplier)
	assert.Equal(t, 3.0, cfg.Fare.Base)
	assert.Equal(t, 45*time.Second, cfg.Presence.PresenceTTL)
}

func TestLoadClampsInvalidValues(t *testing.T) {
	os.Clearenv()
	os.Setenv("OFFER_TTL", "-5")
	os.Setenv("MAX_ATTEMPTS", "0")
	os.Setenv("SURGE_MIN", "0.5")
	os.Setenv("SURGE_MAX", "0.2")

	cfg, err := Load("dispatch")
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.Dispatch.OfferTTL)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 1.0, cfg.Surge.MinMultiplier)
	assert.Equal(t, 3.0, cfg.Surge.MaxMultiplier)
}

func TestLoadRateLimitOverrides(t *testing.T) {
	t.Run("parses valid endpoint overrides", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("RATE_LIMIT_ENDPOINTS", `{"POST:/api/v1/drivers/:driverId/location": {"limit": 120, "burst": 30, "window_seconds": 30}}`)

		cfg, err := Load("dispatch")
		require.NoError(t, err)

		override, ok := cfg.RateLimit.EndpointOverrides["POST:/api/v1/drivers/:driverId/location"]
		require.True(t, ok)
		assert.Equal(t, 120, override.Limit)
		assert.Equal(t, 30, override.Burst)
		assert.Equal(t, 30, override.WindowSeconds)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		os.Clearenv()
		os.Setenv("RATE_LIMIT_ENDPOINTS", `{invalid`)

		_, err := Load("dispatch")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "RATE_LIMIT_ENDPOINTS")
	})
}

func TestCircuitBreakerSettingsFor(t *testing.T) {
	cfg := CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		SuccessThreshold: 1,
		TimeoutSeconds:   30,
		IntervalSeconds:  60,
		ServiceOverrides: map[string]CircuitBreakerSettings{
			"surge": {FailureThreshold: 3, TimeoutSeconds: 10},
		},
	}

	t.Run("returns defaults for unknown dependency", func(t *testing.T) {
		settings := cfg.SettingsFor("database")
		assert.Equal(t, 5, settings.FailureThreshold)
		assert.Equal(t, 30, settings.TimeoutSeconds)
	})

	t.Run("applies partial override", func(t *testing.T) {
		settings := cfg.SettingsFor("surge")
		assert.Equal(t, 3, settings.FailureThreshold)
		assert.Equal(t, 10, settings.TimeoutSeconds)
		assert.Equal(t, 1, settings.SuccessThreshold)
		assert.Equal(t, 60, settings.IntervalSeconds)
	})
}

func TestDSNAndRedisAddr(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: "5432", User: "postgres",
		Password: "postgres", DBName: "dispatch", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=postgres dbname=dispatch sslmode=disable",
		db.DSN(),
	)

	rc := RedisConfig{Host: "localhost", Port: "6379"}
	assert.Equal(t, "localhost:6379", rc.RedisAddr())
}
