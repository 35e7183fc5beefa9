// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage. With neither set, repositories are in memory.
	DatabaseURL string `koanf:"database_url"`
	SQLitePath  string `koanf:"sqlite_path"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"`

	// Redis enables shared rate limits, idempotency keys and cross-instance
	// notification fan-out.
	RedisURL     string `koanf:"redis_url"`
	RedisChannel string `koanf:"redis_channel"`

	// MQTT mirrors emergency notifications to responders.
	MQTTBrokerURL   string `koanf:"mqtt_broker_url"`
	MQTTTopicPrefix string `koanf:"mqtt_topic_prefix"`
	MQTTClientID    string `koanf:"mqtt_client_id"`

	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Audit archive: daily CSV exports to an S3-compatible bucket. Disabled
	// when the bucket is empty.
	ArchiveBucket          string `koanf:"archive_bucket"`
	ArchiveEndpoint        string `koanf:"archive_endpoint"`
	ArchiveRegion          string `koanf:"archive_region"`
	ArchiveAccessKeyID     string `koanf:"archive_access_key_id"`
	ArchiveSecretAccessKey string `koanf:"archive_secret_access_key"`
	ArchivePrefix          string `koanf:"archive_prefix"`

	// Notification stream
	NotifyQueueSize        int `koanf:"notify_queue_size"`
	NotifyHeartbeatSeconds int `koanf:"notify_heartbeat_seconds"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	OtelExporterType    string  `koanf:"otel_exporter_type"`
	OtelEndpoint        string  `koanf:"otel_endpoint"`
	TracingSamplingRate float64 `koanf:"tracing_sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingJWTSecret     = errors.New("JWT_SECRET is required")
	ErrShortJWTSecret       = errors.New("JWT_SECRET must be at least 32 characters")
	ErrInvalidPort          = errors.New("PORT must be a valid integer")
	ErrPortOutOfRange       = errors.New("PORT must be between 1 and 65535")
	ErrConflictingStorage   = errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	ErrInvalidRedisURL      = errors.New("REDIS_URL must be a redis:// or rediss:// URL")
	ErrInvalidMQTTBrokerURL = errors.New("MQTT_BROKER_URL must be a tcp://, ssl://, ws:// or wss:// URL")
	ErrInvalidQueueSize     = errors.New("NOTIFY_QUEUE_SIZE must be positive")
	ErrInvalidHeartbeat     = errors.New("NOTIFY_HEARTBEAT_SECONDS must not be negative")
	ErrInvalidSamplingRate  = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidOtelExporter  = errors.New("OTEL_EXPORTER_TYPE must be otlp-http or otlp-grpc")
	ErrInvalidNumber        = errors.New("must be a valid number")
	ErrInvalidBool          = errors.New("must be a boolean")
	ErrWildcardCORSOrigin   = errors.New("CORS_ALLOWED_ORIGINS must not contain a wildcard")
	ErrIncompleteArchive    = errors.New("ARCHIVE_BUCKET requires ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY")
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultRedisChannel           = "toursync:notifications"
	DefaultMQTTTopicPrefix        = "toursync"
	DefaultMQTTClientID           = "toursync-api"
	DefaultNotifyQueueSize        = 64
	DefaultNotifyHeartbeatSeconds = 25
	DefaultOtelExporterType       = "otlp-http"
	DefaultTracingSamplingRate    = 0.1
	DefaultArchiveRegion          = "auto"
	DefaultArchivePrefix          = "audit"

	minJWTSecretLength = 32
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	port, err := getEnvIntOrDefaultMulti([]string{"TOURSYNC_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	queueSize, err := getEnvIntOrDefault("NOTIFY_QUEUE_SIZE", k, "notify_queue_size", DefaultNotifyQueueSize)
	collect(err)
	heartbeat, err := getEnvIntOrDefault("NOTIFY_HEARTBEAT_SECONDS", k, "notify_heartbeat_seconds", DefaultNotifyHeartbeatSeconds)
	collect(err)
	samplingRate, err := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k, "tracing_sampling_rate", DefaultTracingSamplingRate)
	collect(err)
	tracingEnabled, err := getEnvBoolOrDefault("TRACING_ENABLED", k, "tracing_enabled", false)
	collect(err)
	tracingInsecure, err := getEnvBoolOrDefault("TRACING_INSECURE", k, "tracing_insecure", false)
	collect(err)

	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"TOURSYNC_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		SQLitePath:             getEnvOrKoanf("SQLITE_PATH", k, "sqlite_path"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RedisChannel:           getEnvOrDefault("REDIS_CHANNEL", k.String("redis_channel"), DefaultRedisChannel),
		MQTTBrokerURL:          getEnvOrKoanf("MQTT_BROKER_URL", k, "mqtt_broker_url"),
		MQTTTopicPrefix:        getEnvOrDefault("MQTT_TOPIC_PREFIX", k.String("mqtt_topic_prefix"), DefaultMQTTTopicPrefix),
		MQTTClientID:           getEnvOrDefault("MQTT_CLIENT_ID", k.String("mqtt_client_id"), DefaultMQTTClientID),
		CORSAllowedOrigins:     getEnvListOrKoanf("CORS_ALLOWED_ORIGINS", k, "cors_allowed_origins"),
		ArchiveBucket:          getEnvOrKoanf("ARCHIVE_BUCKET", k, "archive_bucket"),
		ArchiveEndpoint:        getEnvOrKoanf("ARCHIVE_ENDPOINT", k, "archive_endpoint"),
		ArchiveRegion:          getEnvOrDefault("ARCHIVE_REGION", k.String("archive_region"), DefaultArchiveRegion),
		ArchiveAccessKeyID:     getEnvOrKoanf("ARCHIVE_ACCESS_KEY_ID", k, "archive_access_key_id"),
		ArchiveSecretAccessKey: getEnvOrKoanf("ARCHIVE_SECRET_ACCESS_KEY", k, "archive_secret_access_key"),
		ArchivePrefix:          getEnvOrDefault("ARCHIVE_PREFIX", k.String("archive_prefix"), DefaultArchivePrefix),
		NotifyQueueSize:        queueSize,
		NotifyHeartbeatSeconds: heartbeat,
		TracingEnabled:         tracingEnabled,
		OtelExporterType:       getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("otel_exporter_type"), DefaultOtelExporterType),
		OtelEndpoint:           getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_endpoint"),
		TracingSamplingRate:    samplingRate,
		TracingInsecure:        tracingInsecure,
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	return getEnvOrDefaultMulti([]string{envKey}, koanfVal, defaultVal)
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvListOrKoanf reads a comma-separated env var, falling back to a YAML list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	raw := k.Strings(koanfKey)
	if val := os.Getenv(envKey); val != "" {
		raw = strings.Split(val, ",")
	}
	var out []string
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise
// the koanf value when the key exists, or default.
func getEnvIntOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if k.Exists(koanfKey) {
		return k.Int(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Note: A port value of 0 from a YAML file falls back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set,
// otherwise the koanf value when the key exists, or default.
func getEnvFloatOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if k.Exists(koanfKey) {
		return k.Float64(koanfKey), nil
	}
	return defaultVal, nil
}

// getEnvBoolOrDefault accepts true/false, 1/0, yes/no and on/off.
func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) (bool, error) {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true, nil
		case "false", "0", "no", "off":
			return false, nil
		}
		return defaultVal, fmt.Errorf("%s %w", envKey, ErrInvalidBool)
	}
	if k.Exists(koanfKey) {
		return k.Bool(koanfKey), nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present and consistent.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrPortOutOfRange)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	} else if len(c.JWTSecret) < minJWTSecretLength {
		errs = append(errs, ErrShortJWTSecret)
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, ErrConflictingStorage)
	}
	if c.RedisURL != "" && !hasScheme(c.RedisURL, "redis", "rediss") {
		errs = append(errs, ErrInvalidRedisURL)
	}
	if c.MQTTBrokerURL != "" && !hasScheme(c.MQTTBrokerURL, "tcp", "ssl", "tls", "mqtt", "mqtts", "ws", "wss") {
		errs = append(errs, ErrInvalidMQTTBrokerURL)
	}
	for _, origin := range c.CORSAllowedOrigins {
		if strings.Contains(origin, "*") {
			errs = append(errs, ErrWildcardCORSOrigin)
			break
		}
	}
	if c.ArchiveBucket != "" && (c.ArchiveAccessKeyID == "" || c.ArchiveSecretAccessKey == "") {
		errs = append(errs, ErrIncompleteArchive)
	}
	if c.NotifyQueueSize <= 0 {
		errs = append(errs, ErrInvalidQueueSize)
	}
	if c.NotifyHeartbeatSeconds < 0 {
		errs = append(errs, ErrInvalidHeartbeat)
	}
	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidSamplingRate)
	}
	if c.TracingEnabled && c.OtelExporterType != "otlp-http" && c.OtelExporterType != "otlp-grpc" {
		errs = append(errs, ErrInvalidOtelExporter)
	}

	return errs
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return true
		}
	}
	return false
}

// NotifyHeartbeat returns the SSE heartbeat interval; zero disables it.
func (c *Config) NotifyHeartbeat() time.Duration {
	return time.Duration(c.NotifyHeartbeatSeconds) * time.Second
}

// IsProduction reports whether Env is "production".
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StorageBackend names the configured attendance store: postgres, sqlite or memory.
func (c *Config) StorageBackend() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                     strconv.Itoa(c.Port),
		"env":                      c.Env,
		"storage":                  c.StorageBackend(),
		"database_url":             maskDatabaseURL(c.DatabaseURL),
		"sqlite_path":              c.SQLitePath,
		"jwt_secret":               maskSecret(c.JWTSecret),
		"jwt_previous_secret":      maskSecret(c.JWTPreviousSecret),
		"redis_url":                maskDatabaseURL(c.RedisURL),
		"mqtt_broker_url":          maskDatabaseURL(c.MQTTBrokerURL),
		"mqtt_topic_prefix":        c.MQTTTopicPrefix,
		"cors_allowed_origins":     strings.Join(c.CORSAllowedOrigins, ","),
		"archive_bucket":           c.ArchiveBucket,
		"archive_endpoint":         c.ArchiveEndpoint,
		"archive_access_key_id":    maskSecret(c.ArchiveAccessKeyID),
		"archive_secret":           maskSecret(c.ArchiveSecretAccessKey),
		"notify_queue_size":        strconv.Itoa(c.NotifyQueueSize),
		"notify_heartbeat_seconds": strconv.Itoa(c.NotifyHeartbeatSeconds),
		"tracing_enabled":          strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_type":       c.OtelExporterType,
		"otel_endpoint":            c.OtelEndpoint,
		"tracing_sampling_rate":    strconv.FormatFloat(c.TracingSamplingRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL (postgres, redis, mqtt).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.LastIndex(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
