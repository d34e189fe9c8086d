package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable ValidateEnv reads so tests start clean.
func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"PORT", "REQUIRE_DEVICE_AUTH", "ENABLE_BRIDGE_DEBUG_SUBSCRIBE",
		"DATABASE_URL", "APP_TOKEN_SECRET", "AUTH_TIMEOUT", "COMMAND_TIMEOUT",
		"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
		"GO_ENV", "LOG_LEVEL", "DEVELOPMENT_MODE", "ALLOWED_ORIGINS",
		"RATE_LIMIT_WS_IP", "RATE_LIMIT_API_DEVICES",
		"ENABLE_TRACING", "OTEL_COLLECTOR_ADDR",
	}
	for _, v := range vars {
		// Setenv registers cleanup; Unsetenv makes the variable truly absent.
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestValidateEnvMinimal(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")

	cfg, err := ValidateEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.False(t, cfg.RequireDeviceAuth)
	assert.Equal(t, "production", cfg.GoEnv)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.AuthTimeout)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, "100-M", cfg.RateLimitWsIP)
	assert.Equal(t, "60-M", cfg.RateLimitAPIDevices)
}

func TestValidateEnvMissingPort(t *testing.T) {
	clearEnv(t)

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT is required")
}

func TestValidateEnvInvalidPort(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "99999")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PORT must be a valid port number")
}

func TestValidateEnvAuthRequiresStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REQUIRE_DEVICE_AUTH", "true")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is required when REQUIRE_DEVICE_AUTH=true")
	assert.Contains(t, err.Error(), "APP_TOKEN_SECRET is required when REQUIRE_DEVICE_AUTH=true")
}

func TestValidateEnvShortTokenSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REQUIRE_DEVICE_AUTH", "true")
	t.Setenv("DATABASE_URL", "postgres://broker:pw@localhost:5432/bridge")
	t.Setenv("APP_TOKEN_SECRET", "too-short")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_TOKEN_SECRET must be at least 32 characters")
}

func TestValidateEnvFullAuth(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REQUIRE_DEVICE_AUTH", "true")
	t.Setenv("DATABASE_URL", "postgres://broker:pw@localhost:5432/bridge")
	t.Setenv("APP_TOKEN_SECRET", strings.Repeat("s", 32))

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RequireDeviceAuth)
	assert.NotEmpty(t, cfg.DatabaseURL)
}

func TestValidateEnvDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("AUTH_TIMEOUT", "2s")
	t.Setenv("COMMAND_TIMEOUT", "0")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.AuthTimeout)
	assert.Equal(t, time.Duration(0), cfg.CommandTimeout)
}

func TestValidateEnvBadDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("COMMAND_TIMEOUT", "not-a-duration")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMMAND_TIMEOUT must be a non-negative duration")
}

func TestValidateEnvRedisDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	require.NoError(t, err)
	assert.True(t, cfg.RedisEnabled)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestValidateEnvBadRedisAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "no-port-here")

	_, err := ValidateEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR must be in format 'host:port'")
}

func TestIsValidHostPort(t *testing.T) {
	assert.True(t, isValidHostPort("localhost:6379"))
	assert.True(t, isValidHostPort("10.0.0.5:1"))
	assert.False(t, isValidHostPort("localhost"))
	assert.False(t, isValidHostPort(":6379"))
	assert.False(t, isValidHostPort("localhost:0"))
	assert.False(t, isValidHostPort("localhost:abc"))
}
