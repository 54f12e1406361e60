package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Env       string          `json:"env" yaml:"env"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Dispatch  DispatchConfig  `json:"dispatch" yaml:"dispatch"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Features  FeaturesConfig  `json:"features" yaml:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port string `json:"port" yaml:"port"`
	Host string `json:"host" yaml:"host"`
	// Max request body size in bytes (default: 64KB)
	MaxRequestBodySize int64 `json:"max_request_body_size" yaml:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins" yaml:"allowed_origins"`
	// Per-IP request throttle on the HTTP surface
	ThrottleEnabled bool    `json:"throttle_enabled" yaml:"throttle_enabled"`
	ThrottleRPS     float64 `json:"throttle_rps" yaml:"throttle_rps"`
	ThrottleBurst   int     `json:"throttle_burst" yaml:"throttle_burst"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"`
}

// AuthConfig describes how bearer tokens are verified.
type AuthConfig struct {
	// PEM encoded RSA or ECDSA public key of the identity provider.
	PublicKeyPath string `json:"public_key_path" yaml:"public_key_path"`
	// HMAC secret, development only.
	HMACSecret string `json:"-" yaml:"-"`
	Issuer     string `json:"issuer" yaml:"issuer"`
	Audience   string `json:"audience" yaml:"audience"`
}

// GatewayConfig holds push gateway settings.
type GatewayConfig struct {
	URL         string  `json:"url" yaml:"url"`
	APIKey      string  `json:"-" yaml:"-"`
	BatchSize   int     `json:"batch_size" yaml:"batch_size"`
	TimeoutMS   int     `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries  int     `json:"max_retries" yaml:"max_retries"`
	BackoffMS   int     `json:"backoff_ms" yaml:"backoff_ms"`
	Concurrency int     `json:"concurrency" yaml:"concurrency"`
	QPS         float64 `json:"qps" yaml:"qps"`
}

// DispatchConfig bounds a single invocation.
type DispatchConfig struct {
	TimeoutSeconds      int `json:"timeout_seconds" yaml:"timeout_seconds"`
	ReconcileSeconds    int `json:"reconcile_seconds" yaml:"reconcile_seconds"`
	PreferenceFanout    int `json:"preference_fanout" yaml:"preference_fanout"`
	VenueCacheTTLSecond int `json:"venue_cache_ttl_seconds" yaml:"venue_cache_ttl_seconds"`
}

// RateLimitConfig holds the business rate limits.
type RateLimitConfig struct {
	// Backend is "sql" (default) or "redis".
	Backend string `json:"backend" yaml:"backend"`
	// VenueTiers maps subscription tier to daily sends. Zero or negative is unbounded.
	VenueTiers     map[string]int `json:"venue_tiers" yaml:"venue_tiers"`
	UserDailyLimit int            `json:"user_daily_limit" yaml:"user_daily_limit"`
	WindowHours    int            `json:"window_hours" yaml:"window_hours"`
}

// RedisConfig is shared by the redis counter backend and the venue cache.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"-" yaml:"-"`
	DB       int    `json:"db" yaml:"db"`
}

// TracingConfig mirrors tracing.Config.
type TracingConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// EventsConfig configures dispatch event forwarding.
type EventsConfig struct {
	SNSTopicARN string `json:"sns_topic_arn" yaml:"sns_topic_arn"`
}

// FeaturesConfig holds initial feature flag values.
type FeaturesConfig struct {
	VenueCache     bool `json:"venue_cache" yaml:"venue_cache"`
	DispatchEvents bool `json:"dispatch_events" yaml:"dispatch_events"`
	GatewayPacing  bool `json:"gateway_pacing" yaml:"gateway_pacing"`
}

// DefaultVenueTiers is the tier table used when none is configured.
func DefaultVenueTiers() map[string]int {
	return map[string]int{
		"free":    3,
		"core":    5,
		"pro":     10,
		"revenue": 0,
	}
}

// LoadConfig loads configuration from environment variables and/or config file.
// Environment variables take precedence over config file values.
func LoadConfig(configFile string) (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := defaults()

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables (they take precedence)
	overrideFromEnv(cfg)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Port:               "8080",
			MaxRequestBodySize: 64 << 10,
			AllowedOrigins:     "*",
			ThrottleEnabled:    true,
			ThrottleRPS:        5,
			ThrottleBurst:      10,
		},
		Database: DatabaseConfig{
			Path: "./flash_offers.db",
		},
		Gateway: GatewayConfig{
			BatchSize:   500,
			TimeoutMS:   5000,
			MaxRetries:  2,
			BackoffMS:   200,
			Concurrency: 4,
			QPS:         20,
		},
		Dispatch: DispatchConfig{
			TimeoutSeconds:      25,
			ReconcileSeconds:    30,
			PreferenceFanout:    4,
			VenueCacheTTLSecond: 60,
		},
		RateLimit: RateLimitConfig{
			Backend:        "sql",
			VenueTiers:     DefaultVenueTiers(),
			UserDailyLimit: 10,
			WindowHours:    24,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
	}
}

// loadFromFile loads configuration from a JSON or YAML file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	cfg.Env = getEnv("APP_ENV", cfg.Env)

	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.MaxRequestBodySize = getEnvInt64("MAX_REQUEST_BODY_SIZE", cfg.Server.MaxRequestBodySize)
	cfg.Server.AllowedOrigins = getEnv("ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
	cfg.Server.ThrottleEnabled = getEnvBool("THROTTLE_ENABLED", cfg.Server.ThrottleEnabled)
	cfg.Server.ThrottleRPS = getEnvFloat("THROTTLE_RPS", cfg.Server.ThrottleRPS)
	cfg.Server.ThrottleBurst = getEnvInt("THROTTLE_BURST", cfg.Server.ThrottleBurst)

	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)

	cfg.Auth.PublicKeyPath = getEnv("AUTH_PUBLIC_KEY_PATH", cfg.Auth.PublicKeyPath)
	cfg.Auth.HMACSecret = getEnv("AUTH_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = getEnv("AUTH_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.Audience = getEnv("AUTH_AUDIENCE", cfg.Auth.Audience)

	cfg.Gateway.URL = getEnv("GATEWAY_URL", cfg.Gateway.URL)
	cfg.Gateway.APIKey = getEnv("GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Gateway.BatchSize = getEnvInt("GATEWAY_BATCH_SIZE", cfg.Gateway.BatchSize)
	cfg.Gateway.TimeoutMS = getEnvInt("GATEWAY_TIMEOUT_MS", cfg.Gateway.TimeoutMS)
	cfg.Gateway.MaxRetries = getEnvInt("GATEWAY_MAX_RETRIES", cfg.Gateway.MaxRetries)
	cfg.Gateway.BackoffMS = getEnvInt("GATEWAY_BACKOFF_MS", cfg.Gateway.BackoffMS)
	cfg.Gateway.Concurrency = getEnvInt("DISPATCH_CONCURRENCY", cfg.Gateway.Concurrency)
	cfg.Gateway.QPS = getEnvFloat("GATEWAY_QPS", cfg.Gateway.QPS)

	cfg.Dispatch.TimeoutSeconds = getEnvInt("DISPATCH_TIMEOUT", cfg.Dispatch.TimeoutSeconds)
	cfg.Dispatch.ReconcileSeconds = getEnvInt("RECONCILE_INTERVAL", cfg.Dispatch.ReconcileSeconds)
	cfg.Dispatch.PreferenceFanout = getEnvInt("PREFERENCE_FANOUT", cfg.Dispatch.PreferenceFanout)
	cfg.Dispatch.VenueCacheTTLSecond = getEnvInt("VENUE_CACHE_TTL", cfg.Dispatch.VenueCacheTTLSecond)

	cfg.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend)
	cfg.RateLimit.UserDailyLimit = getEnvInt("USER_DAILY_LIMIT", cfg.RateLimit.UserDailyLimit)
	cfg.RateLimit.WindowHours = getEnvInt("RATE_LIMIT_WINDOW_HOURS", cfg.RateLimit.WindowHours)
	// VENUE_TIER_LIMITS="free=3,core=5,pro=10,revenue=0"
	if tiers := os.Getenv("VENUE_TIER_LIMITS"); tiers != "" {
		if parsed, err := parseTiers(tiers); err == nil {
			cfg.RateLimit.VenueTiers = parsed
		}
	}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)

	cfg.Events.SNSTopicARN = getEnv("EVENTS_SNS_TOPIC_ARN", cfg.Events.SNSTopicARN)

	cfg.Features.VenueCache = getEnvBool("FEATURE_VENUE_CACHE", cfg.Features.VenueCache)
	cfg.Features.DispatchEvents = getEnvBool("FEATURE_DISPATCH_EVENTS", cfg.Features.DispatchEvents)
	cfg.Features.GatewayPacing = getEnvBool("FEATURE_GATEWAY_PACING", cfg.Features.GatewayPacing)
}

func parseTiers(s string) (map[string]int, error) {
	tiers := make(map[string]int)
	for _, pair := range strings.Split(s, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid tier entry %q", pair)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid limit for tier %q: %w", name, err)
		}
		tiers[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	return tiers, nil
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// DispatchTimeout is the hard bound on one invocation.
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutSeconds) * time.Second
}

// RateWindow is the length of a rate limit window.
func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowHours) * time.Hour
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Gateway.BatchSize <= 0 || c.Gateway.BatchSize > 500 {
		return fmt.Errorf("gateway batch size must be between 1 and 500")
	}
	if c.Gateway.MaxRetries < 0 || c.Gateway.MaxRetries > 5 {
		return fmt.Errorf("gateway max retries must be between 0 and 5")
	}
	if c.Gateway.Concurrency <= 0 {
		return fmt.Errorf("dispatch concurrency must be positive")
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		return fmt.Errorf("dispatch timeout must be positive")
	}
	if c.RateLimit.UserDailyLimit <= 0 {
		return fmt.Errorf("user daily limit must be positive")
	}
	if c.RateLimit.WindowHours <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if _, ok := c.RateLimit.VenueTiers["free"]; !ok {
		return fmt.Errorf("venue tier table must define the free tier")
	}
	switch c.RateLimit.Backend {
	case "sql", "redis":
	default:
		return fmt.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.Server.ThrottleEnabled && (c.Server.ThrottleRPS <= 0 || c.Server.ThrottleBurst <= 0) {
		return fmt.Errorf("throttle rate and burst must be positive")
	}
	return nil
}
