package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Admission gate
	RequireDeviceAuth          bool
	BridgeDebugSubscribeEnable bool

	// Identity store
	DatabaseURL    string
	AppTokenSecret string
	AuthTimeout    time.Duration

	// Command correlation
	CommandTimeout time.Duration

	// Redis (device cache write-through + shared rate limit store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits
	RateLimitWsIP       string
	RateLimitAPIDevices string

	// Tracing
	TracingEnabled    bool
	OTelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Admission gate flags (cached for the process lifetime)
	cfg.RequireDeviceAuth = os.Getenv("REQUIRE_DEVICE_AUTH") == "true"
	cfg.BridgeDebugSubscribeEnable = os.Getenv("ENABLE_BRIDGE_DEBUG_SUBSCRIBE") == "true"

	// Optional: DATABASE_URL. Unset puts the broker in no-auth mode.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.RequireDeviceAuth {
		errors = append(errors, "DATABASE_URL is required when REQUIRE_DEVICE_AUTH=true")
	}

	// Conditional: APP_TOKEN_SECRET (minimum 32 characters when auth is on)
	cfg.AppTokenSecret = os.Getenv("APP_TOKEN_SECRET")
	if cfg.RequireDeviceAuth {
		if cfg.AppTokenSecret == "" {
			errors = append(errors, "APP_TOKEN_SECRET is required when REQUIRE_DEVICE_AUTH=true")
		} else if len(cfg.AppTokenSecret) < 32 {
			errors = append(errors, fmt.Sprintf("APP_TOKEN_SECRET must be at least 32 characters (got %d)", len(cfg.AppTokenSecret)))
		}
	}

	// Optional durations
	var err error
	cfg.AuthTimeout, err = parseDurationEnv("AUTH_TIMEOUT", 5*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}
	cfg.CommandTimeout, err = parseDurationEnv("COMMAND_TIMEOUT", 30*time.Second)
	if err != nil {
		errors = append(errors, err.Error())
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitAPIDevices = getEnvOrDefault("RATE_LIMIT_API_DEVICES", "60-M")

	// Tracing
	cfg.TracingEnabled = os.Getenv("ENABLE_TRACING") == "true"
	cfg.OTelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// parseDurationEnv parses an optional duration variable, e.g. "5s" or "2m".
// "0" explicitly disables the corresponding feature.
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue, nil
	}
	if raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration (got '%s')", key, raw)
	}
	return d, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"require_device_auth", cfg.RequireDeviceAuth,
		"bridge_debug_subscribe", cfg.BridgeDebugSubscribeEnable,
		"database_url", redactSecret(cfg.DatabaseURL),
		"app_token_secret", redactSecret(cfg.AppTokenSecret),
		"auth_timeout", cfg.AuthTimeout,
		"command_timeout", cfg.CommandTimeout,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"rate_limit_ws_ip", cfg.RateLimitWsIP,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
