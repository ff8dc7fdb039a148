package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mlflow-oidc/gatekeeper/pkg/observability"
	"github.com/mlflow-oidc/gatekeeper/pkg/permissions"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Upstream MLflow tracking server
	Tracking TrackingConfig

	// Permission store database
	Database DatabaseConfig

	// Identity configuration
	Auth AuthConfig

	// Dynamic authorization knobs (reloadable)
	Authz AuthzConfig

	// Observability configuration
	Observability ObservabilityConfig

	// Janitor configuration
	Janitor JanitorConfig

	// ConfigFile is an optional YAML file holding the dynamic authz
	// knobs; watched for changes when set.
	ConfigFile string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// TrackingConfig holds the upstream MLflow connection settings
type TrackingConfig struct {
	URL     string
	Timeout time.Duration
}

// DatabaseConfig holds permission store settings
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite3"
	Driver   string
	URL      string
	MaxConns int
	MinConns int
}

// AuthConfig holds identity settings
type AuthConfig struct {
	OIDCIssuer    string
	OIDCClientID  string
	GroupsClaim   string
	AdminGroup    string
	UsernameClaim string

	// Redis session cache (optional)
	RedisURL      string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// Personal access tokens
	TokenMaxTTL time.Duration
}

// AuthzConfig holds the dynamic authorization knobs
type AuthzConfig struct {
	// DefaultPermission applies when no grant matches.
	DefaultPermission string `yaml:"default_permission"`

	// SourceOrder lists the grant sources checked in order. Valid
	// entries: user, group, regex, group-regex.
	SourceOrder []string `yaml:"permission_source_order"`

	// FilterMaxIterations bounds upstream re-fetches per filtered page.
	FilterMaxIterations int `yaml:"filter_max_iterations"`

	// FilterMaxPageSize caps the page size requested upstream during
	// re-fetches (MLflow rejects larger values).
	FilterMaxPageSize int `yaml:"filter_max_page_size"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// JanitorConfig holds scheduled maintenance settings
type JanitorConfig struct {
	Enabled bool
	// TokenPurgeSchedule is a cron spec for the expired-token sweep.
	TokenPurgeSchedule string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Tracking:      loadTrackingConfig(),
		Database:      loadDatabaseConfig(),
		Auth:          loadAuthConfig(),
		Authz:         loadAuthzConfig(),
		Observability: loadObservabilityConfig(),
		Janitor:       loadJanitorConfig(),
		ConfigFile:    getEnv("GATEKEEPER_CONFIG_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEKEEPER_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("GATEKEEPER_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("GATEKEEPER_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEKEEPER_HEALTH_PORT", "9090"),
	}
}

// loadTrackingConfig loads upstream tracking server configuration
func loadTrackingConfig() TrackingConfig {
	return TrackingConfig{
		URL:     strings.TrimRight(getEnv("GATEKEEPER_TRACKING_URL", "http://localhost:5000"), "/"),
		Timeout: getEnvDuration("GATEKEEPER_TRACKING_TIMEOUT", 30*time.Second),
	}
}

// loadDatabaseConfig loads permission store configuration
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:   getEnv("GATEKEEPER_DB_DRIVER", "postgres"),
		URL:      getEnv("GATEKEEPER_DB_URL", ""),
		MaxConns: getEnvInt("GATEKEEPER_DB_MAX_CONNS", 20),
		MinConns: getEnvInt("GATEKEEPER_DB_MIN_CONNS", 2),
	}
}

// loadAuthConfig loads identity configuration
func loadAuthConfig() AuthConfig {
	return AuthConfig{
		OIDCIssuer:    getEnv("GATEKEEPER_OIDC_ISSUER", ""),
		OIDCClientID:  getEnv("GATEKEEPER_OIDC_CLIENT_ID", ""),
		GroupsClaim:   getEnv("GATEKEEPER_OIDC_GROUPS_CLAIM", "groups"),
		AdminGroup:    getEnv("GATEKEEPER_ADMIN_GROUP", "mlflow-admins"),
		UsernameClaim: getEnv("GATEKEEPER_OIDC_USERNAME_CLAIM", "email"),
		RedisURL:      getEnv("GATEKEEPER_REDIS_URL", ""),
		RedisPassword: getEnv("GATEKEEPER_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("GATEKEEPER_REDIS_DB", 0),
		SessionTTL:    getEnvDuration("GATEKEEPER_SESSION_TTL", 5*time.Minute),
		TokenMaxTTL:   getEnvDuration("GATEKEEPER_TOKEN_MAX_TTL", 365*24*time.Hour),
	}
}

// loadAuthzConfig loads the dynamic authorization knobs from environment
func loadAuthzConfig() AuthzConfig {
	order := strings.Split(getEnv("GATEKEEPER_PERMISSION_SOURCE_ORDER", "user,group,regex,group-regex"), ",")
	for i := range order {
		order[i] = strings.TrimSpace(order[i])
	}

	return AuthzConfig{
		DefaultPermission:   getEnv("GATEKEEPER_DEFAULT_PERMISSION", "READ"),
		SourceOrder:         order,
		FilterMaxIterations: getEnvInt("GATEKEEPER_FILTER_MAX_ITERATIONS", 10),
		FilterMaxPageSize:   getEnvInt("GATEKEEPER_FILTER_MAX_PAGE_SIZE", 1000),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
	}
}

// loadJanitorConfig loads scheduled maintenance configuration
func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Enabled:            getEnvBool("GATEKEEPER_JANITOR_ENABLED", true),
		TokenPurgeSchedule: getEnv("GATEKEEPER_TOKEN_PURGE_SCHEDULE", "@hourly"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Tracking.URL == "" {
		return fmt.Errorf("tracking server URL is required")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for postgres driver")
		}
	case "sqlite3":
		// Empty URL means in-memory; allowed for dev.
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}

	if err := c.Authz.Validate(); err != nil {
		return err
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Validate checks the dynamic authorization knobs
func (a AuthzConfig) Validate() error {
	if !permissions.IsValid(a.DefaultPermission) {
		return fmt.Errorf("invalid default permission: %s", a.DefaultPermission)
	}

	if len(a.SourceOrder) == 0 {
		return fmt.Errorf("permission source order must not be empty")
	}
	for _, s := range a.SourceOrder {
		switch permissions.Source(s) {
		case permissions.SourceUser, permissions.SourceGroup,
			permissions.SourceRegex, permissions.SourceGroupRegex:
		default:
			return fmt.Errorf("invalid permission source: %s", s)
		}
	}

	if a.FilterMaxIterations < 1 {
		return fmt.Errorf("filter max iterations must be at least 1")
	}
	if a.FilterMaxPageSize < 1 {
		return fmt.Errorf("filter max page size must be at least 1")
	}

	return nil
}

// Sources converts the configured source order to typed sources.
func (a AuthzConfig) Sources() []permissions.Source {
	out := make([]permissions.Source, 0, len(a.SourceOrder))
	for _, s := range a.SourceOrder {
		out = append(out, permissions.Source(s))
	}
	return out
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
