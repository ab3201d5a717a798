// Package config provides configuration management for the AI service
// proxy. Configuration is environment-first with conservative defaults;
// an optional YAML file can override any field, with environment
// variables taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfigInvalid is the sentinel for all validation failures.
var ErrConfigInvalid = errors.New("invalid configuration")

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return ErrConfigInvalid
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// Upstream describes the backing AI service endpoint. Immutable after
// process start.
type Upstream struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	HealthPath string `yaml:"healthPath"`
}

// Address returns the host:port pair for the upstream.
func (u Upstream) Address() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// URL returns the upstream base URL.
func (u Upstream) URL() string {
	return "http://" + u.Address()
}

// HealthURL returns the full health endpoint URL.
func (u Upstream) HealthURL() string {
	return u.URL() + u.HealthPath
}

// Process describes how the AI service child process is launched.
// Executable, arguments and working directory are fixed configuration,
// never derived from request data.
type Process struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Dir         string   `yaml:"dir"`
	ReadyMarker string   `yaml:"readyMarker"`
}

// CircuitBreakerConfig configures the optional circuit breaker wrapped
// around request forwarding. Disabled by default.
type CircuitBreakerConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold int      `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

// RateLimitConfig configures the optional per-client rate limiter.
// Disabled by default.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// Config holds all configuration settings for the proxy.
type Config struct {
	// Server settings
	ListenAddr string `yaml:"listenAddr"`
	OpsAddr    string `yaml:"opsAddr"`

	// Routing
	RoutePrefix string `yaml:"routePrefix"`

	Upstream Upstream `yaml:"upstream"`
	Process  Process  `yaml:"process"`

	// Supervisor settings
	MaxStartAttempts int      `yaml:"maxStartAttempts"`
	StartupTimeout   Duration `yaml:"startupTimeout"`
	StopGracePeriod  Duration `yaml:"stopGracePeriod"`

	// Health probe settings
	HealthCheckTimeout Duration `yaml:"healthCheckTimeout"`
	HealthCacheTTL     Duration `yaml:"healthCacheTTL"`

	// Forwarding settings
	ResponseTimeout Duration `yaml:"responseTimeout"`

	// Server timeouts
	ReadTimeout     Duration `yaml:"readTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit"`
}

// DefaultConfig returns a Config populated with conservative defaults.
// The upstream defaults mirror the AI service's own deployment defaults
// (Flask on 127.0.0.1:5000 with a /status endpoint).
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:  ":8080",
		OpsAddr:     ":9090",
		RoutePrefix: "/ai-service",
		Upstream: Upstream{
			Host:       "127.0.0.1",
			Port:       5000,
			HealthPath: "/status",
		},
		Process: Process{
			Command:     "python3",
			Args:        []string{"api_service.py"},
			Dir:         "ai_service",
			ReadyMarker: "Running on",
		},
		MaxStartAttempts:   3,
		StartupTimeout:     Duration(10 * time.Second),
		StopGracePeriod:    Duration(5 * time.Second),
		HealthCheckTimeout: Duration(1 * time.Second),
		HealthCacheTTL:     0,
		ResponseTimeout:    Duration(30 * time.Second),
		ReadTimeout:        Duration(30 * time.Second),
		IdleTimeout:        Duration(120 * time.Second),
		ShutdownTimeout:    Duration(30 * time.Second),
		LogLevel:           "info",
		LogFormat:          "json",
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Timeout:   Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			RPS:   50,
			Burst: 100,
		},
	}
}

// FromEnv applies environment variable overrides to the config.
// Environment variables win over both defaults and file values.
func (c *Config) FromEnv() {
	c.ListenAddr = getEnv("AIGATE_LISTEN_ADDR", c.ListenAddr)
	c.OpsAddr = getEnv("AIGATE_OPS_ADDR", c.OpsAddr)
	c.RoutePrefix = getEnv("AIGATE_ROUTE_PREFIX", c.RoutePrefix)

	c.Upstream.Host = getEnv("AIGATE_UPSTREAM_HOST", c.Upstream.Host)
	c.Upstream.Port = getEnvInt("AIGATE_UPSTREAM_PORT", c.Upstream.Port)
	c.Upstream.HealthPath = getEnv("AIGATE_UPSTREAM_HEALTH_PATH", c.Upstream.HealthPath)

	c.Process.Command = getEnv("AIGATE_PROCESS_COMMAND", c.Process.Command)
	if args := os.Getenv("AIGATE_PROCESS_ARGS"); args != "" {
		c.Process.Args = strings.Fields(args)
	}
	c.Process.Dir = getEnv("AIGATE_PROCESS_DIR", c.Process.Dir)
	c.Process.ReadyMarker = getEnv("AIGATE_READY_MARKER", c.Process.ReadyMarker)

	c.MaxStartAttempts = getEnvInt("AIGATE_MAX_START_ATTEMPTS", c.MaxStartAttempts)
	c.StartupTimeout = getEnvDuration("AIGATE_STARTUP_TIMEOUT", c.StartupTimeout)
	c.StopGracePeriod = getEnvDuration("AIGATE_STOP_GRACE_PERIOD", c.StopGracePeriod)
	c.HealthCheckTimeout = getEnvDuration("AIGATE_HEALTH_CHECK_TIMEOUT", c.HealthCheckTimeout)
	c.HealthCacheTTL = getEnvDuration("AIGATE_HEALTH_CACHE_TTL", c.HealthCacheTTL)
	c.ResponseTimeout = getEnvDuration("AIGATE_RESPONSE_TIMEOUT", c.ResponseTimeout)
	c.ShutdownTimeout = getEnvDuration("AIGATE_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.LogLevel = getEnv("AIGATE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("AIGATE_LOG_FORMAT", c.LogFormat)

	c.CircuitBreaker.Enabled = getEnvBool("AIGATE_CIRCUIT_BREAKER_ENABLED", c.CircuitBreaker.Enabled)
	c.RateLimit.Enabled = getEnvBool("AIGATE_RATE_LIMIT_ENABLED", c.RateLimit.Enabled)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Upstream.Host == "" {
		return NewConfigError("upstream.host", "host must not be empty")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return NewConfigError("upstream.port",
			fmt.Sprintf("port %d out of range", c.Upstream.Port))
	}
	if !strings.HasPrefix(c.Upstream.HealthPath, "/") {
		return NewConfigError("upstream.healthPath", "path must start with /")
	}
	if !strings.HasPrefix(c.RoutePrefix, "/") || c.RoutePrefix == "/" {
		return NewConfigError("routePrefix", "prefix must start with / and not be the root")
	}
	if c.Process.Command == "" {
		return NewConfigError("process.command", "command must not be empty")
	}
	if c.Process.ReadyMarker == "" {
		return NewConfigError("process.readyMarker", "ready marker must not be empty")
	}
	if c.MaxStartAttempts < 1 {
		return NewConfigError("maxStartAttempts", "must be at least 1")
	}
	if c.StartupTimeout.Duration() <= 0 {
		return NewConfigError("startupTimeout", "must be positive")
	}
	if c.HealthCheckTimeout.Duration() <= 0 {
		return NewConfigError("healthCheckTimeout", "must be positive")
	}
	if c.ResponseTimeout.Duration() <= 0 {
		return NewConfigError("responseTimeout", "must be positive")
	}
	return nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvBool returns the environment variable as a boolean or a default.
// Accepts "true", "1", "yes", "on" (case-insensitive) as true values.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultValue
	}
}

// getEnvDuration returns the environment variable parsed as a duration
// string (e.g. "10s") or a default.
func getEnvDuration(key string, defaultValue Duration) Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return Duration(d)
}
