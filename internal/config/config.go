// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Provider ProviderConfig `yaml:"provider"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingConfig  `yaml:"logging"`

	Notification NotificationConfig `yaml:"notification"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig holds database connection settings. With Enabled false
// accounts, credentials and cache entries live in memory only.
type DatabaseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Name         string        `yaml:"name"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	MaxLifetime  time.Duration `yaml:"max_lifetime"`
}

// CacheConfig holds cost cache and refresh settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Tolerance bounds the drift accepted between a total and its services.
	Tolerance float64 `yaml:"tolerance"`
	// RefreshSchedule is a cron expression with a seconds field for the stale scan.
	RefreshSchedule string `yaml:"refresh_schedule"`
	WarmSchedule    string `yaml:"warm_schedule"`
	AutoRefresh     bool   `yaml:"auto_refresh"`
	// RollupConcurrency bounds concurrent account fetches in a rollup.
	RollupConcurrency int `yaml:"rollup_concurrency"`
}

// ProviderConfig holds outbound provider call settings.
type ProviderConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	Breaker          BreakerConfig `yaml:"breaker"`
	AWS              AWSConfig     `yaml:"aws"`
	Aliyun           AliyunConfig  `yaml:"aliyun"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	MaxFailures   int           `yaml:"max_failures"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	HalfOpenLimit int           `yaml:"half_open_limit"`
}

// AWSConfig overrides AWS endpoints, mostly for testing against fakes.
type AWSConfig struct {
	CostExplorerEndpoint string `yaml:"cost_explorer_endpoint"`
	STSEndpoint          string `yaml:"sts_endpoint"`
	MaxPages             int    `yaml:"max_pages"`
}

// AliyunConfig overrides Alibaba Cloud BSS settings.
type AliyunConfig struct {
	Endpoint string `yaml:"endpoint"`
	PageSize int    `yaml:"page_size"`
	MaxPages int    `yaml:"max_pages"`
}

// SecurityConfig holds secret material settings.
type SecurityConfig struct {
	// EncryptionKey is the master key credential sealing keys derive from.
	EncryptionKey string `yaml:"encryption_key"`
}

// NotificationConfig holds where refresh events are delivered. Both are
// optional.
type NotificationConfig struct {
	SlackWebhookURL string   `yaml:"slack_webhook_url"`
	WebhookURLs     []string `yaml:"webhook_urls"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			User:         "cloudbridge",
			Name:         "cloudbridge",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:               6 * time.Hour,
			Tolerance:         1e-6,
			RefreshSchedule:   "0 */10 * * * *",
			WarmSchedule:      "0 0 */6 * * *",
			AutoRefresh:       true,
			RollupConcurrency: 8,
		},
		Provider: ProviderConfig{
			Timeout:          30 * time.Second,
			RetryMaxAttempts: 3,
			RetryBaseDelay:   1 * time.Second,
			RetryMaxDelay:    30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:   5,
				ResetTimeout:  60 * time.Second,
				HalfOpenLimit: 1,
			},
			Aliyun: AliyunConfig{PageSize: 300},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from the defaults, the YAML file named by
// CLOUDBRIDGE_CONFIG if set, and then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CLOUDBRIDGE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile overlays a YAML file. ${VAR} references are expanded first so
// secrets can stay in the environment.
func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.Server.AllowedOrigins)

	c.Database.Enabled = getEnvBool("DB_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSL_MODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.MaxLifetime = getEnvDuration("DB_MAX_LIFETIME", c.Database.MaxLifetime)

	c.Cache.TTL = getEnvDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.Tolerance = getEnvFloat("CACHE_TOLERANCE", c.Cache.Tolerance)
	c.Cache.RefreshSchedule = getEnv("CACHE_REFRESH_SCHEDULE", c.Cache.RefreshSchedule)
	c.Cache.WarmSchedule = getEnv("CACHE_WARM_SCHEDULE", c.Cache.WarmSchedule)
	c.Cache.AutoRefresh = getEnvBool("CACHE_AUTO_REFRESH", c.Cache.AutoRefresh)
	c.Cache.RollupConcurrency = getEnvInt("ROLLUP_CONCURRENCY", c.Cache.RollupConcurrency)

	c.Provider.Timeout = getEnvDuration("PROVIDER_TIMEOUT", c.Provider.Timeout)
	c.Provider.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", c.Provider.RetryMaxAttempts)
	c.Provider.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", c.Provider.RetryBaseDelay)
	c.Provider.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", c.Provider.RetryMaxDelay)
	c.Provider.Breaker.MaxFailures = getEnvInt("CB_MAX_FAILURES", c.Provider.Breaker.MaxFailures)
	c.Provider.Breaker.ResetTimeout = getEnvDuration("CB_RESET_TIMEOUT", c.Provider.Breaker.ResetTimeout)
	c.Provider.Breaker.HalfOpenLimit = getEnvInt("CB_HALF_OPEN_LIMIT", c.Provider.Breaker.HalfOpenLimit)
	c.Provider.AWS.CostExplorerEndpoint = getEnv("AWS_CE_ENDPOINT", c.Provider.AWS.CostExplorerEndpoint)
	c.Provider.AWS.STSEndpoint = getEnv("AWS_STS_ENDPOINT", c.Provider.AWS.STSEndpoint)
	c.Provider.Aliyun.Endpoint = getEnv("ALIYUN_BSS_ENDPOINT", c.Provider.Aliyun.Endpoint)
	c.Provider.Aliyun.PageSize = getEnvInt("ALIYUN_PAGE_SIZE", c.Provider.Aliyun.PageSize)

	c.Security.EncryptionKey = getEnv("ENCRYPTION_KEY", c.Security.EncryptionKey)

	c.Notification.SlackWebhookURL = getEnv("SLACK_WEBHOOK_URL", c.Notification.SlackWebhookURL)
	c.Notification.WebhookURLs = getEnvList("NOTIFY_WEBHOOK_URLS", c.Notification.WebhookURLs)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required when the database is enabled")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.Cache.Tolerance < 0 {
		return fmt.Errorf("CACHE_TOLERANCE must not be negative")
	}
	if c.Provider.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Provider.RetryMaxDelay < c.Provider.RetryBaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY must not be below RETRY_BASE_DELAY")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port)
	}
	return nil
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// SlogLevel maps Level onto slog, defaulting to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Helper functions
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
