package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	Mongo     MongoConfig     `yaml:"mongo"`
	NATS      NATSConfig      `yaml:"nats"`
	Cache     CacheConfig     `yaml:"cache"`
	Matcher   MatcherConfig   `yaml:"matcher"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServiceConfig holds service-level configuration
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Port    int    `yaml:"port"`
}

// StoreConfig selects the presence backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // "mongo" or "nats"
}

// MongoConfig holds MongoDB configuration
type MongoConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Collection     string `yaml:"collection"`
	ConnectTimeout string `yaml:"connect_timeout"`
	StrictExpiry   bool   `yaml:"strict_expiry"` // Hide expired records before the sweep removes them
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	Embedded     bool   `yaml:"embedded"`
	ServerURL    string `yaml:"server_url"`
	DataDir      string `yaml:"data_dir"`
	KVBucket     string `yaml:"kv_bucket"`
	StartTimeout string `yaml:"start_timeout"`
}

// CacheConfig holds nearby result cache configuration
type CacheConfig struct {
	TTL         string `yaml:"ttl"`          // "0s" disables the cache
	MaxCost     int64  `yaml:"max_cost"`     // Ristretto: Maximum memory cost in bytes
	NumCounters int64  `yaml:"num_counters"` // Ristretto: Number of counters for TinyLFU
	BufferItems int64  `yaml:"buffer_items"` // Ristretto: Buffer size for async operations
	Metrics     bool   `yaml:"metrics"`      // Ristretto: Enable cache metrics
}

// MatcherConfig holds nearby query limits
type MatcherConfig struct {
	DefaultRadiusMeters float64 `yaml:"default_radius_meters"`
	MaxRadiusMeters     float64 `yaml:"max_radius_meters"`
}

// SweeperConfig holds expiry sweep scheduling
type SweeperConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Interval   string `yaml:"interval"`
	Cron       string `yaml:"cron"` // Overrides Interval when set
	RunOnStart bool   `yaml:"run_on_start"`
}

// RateLimitConfig holds per-client request limits
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"` // 0 disables limiting
	Burst int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:    "nearby-service",
			Version: "v1",
			Port:    8080,
		},
		Store: StoreConfig{Backend: "mongo"},
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017/",
			Database:       "nearby",
			Collection:     "available",
			ConnectTimeout: "10s",
		},
		NATS: NATSConfig{
			Embedded:     true,
			DataDir:      "./nats-data",
			KVBucket:     "presence",
			StartTimeout: "30s",
		},
		Cache: CacheConfig{
			TTL:         "5s",
			MaxCost:     1 << 20, // 1MB
			NumCounters: 100000,
			BufferItems: 64,
			Metrics:     true,
		},
		Matcher: MatcherConfig{
			DefaultRadiusMeters: 10000,
			MaxRadiusMeters:     50000,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: "300s",
		},
		RateLimit: RateLimitConfig{RPS: 5, Burst: 10},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables, in that order of precedence.
// A .env file in the working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	config := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Name = getEnvOrDefault("SERVICE_NAME", c.Service.Name)
	c.Service.Version = getEnvOrDefault("SERVICE_VERSION", c.Service.Version)
	c.Service.Port = getEnvIntOrDefault("SERVICE_PORT", c.Service.Port)

	c.Store.Backend = getEnvOrDefault("STORE_BACKEND", c.Store.Backend)

	c.Mongo.URI = getEnvOrDefault("MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = getEnvOrDefault("MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.Collection = getEnvOrDefault("MONGO_COLLECTION", c.Mongo.Collection)
	c.Mongo.ConnectTimeout = getEnvOrDefault("MONGO_CONNECT_TIMEOUT", c.Mongo.ConnectTimeout)
	c.Mongo.StrictExpiry = getEnvBoolOrDefault("MONGO_STRICT_EXPIRY", c.Mongo.StrictExpiry)

	c.NATS.Embedded = getEnvBoolOrDefault("NATS_EMBEDDED", c.NATS.Embedded)
	c.NATS.ServerURL = getEnvOrDefault("NATS_SERVER_URL", c.NATS.ServerURL)
	c.NATS.DataDir = getEnvOrDefault("NATS_DATA_DIR", c.NATS.DataDir)
	c.NATS.KVBucket = getEnvOrDefault("NATS_KV_BUCKET", c.NATS.KVBucket)
	c.NATS.StartTimeout = getEnvOrDefault("NATS_START_TIMEOUT", c.NATS.StartTimeout)

	c.Cache.TTL = getEnvOrDefault("CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxCost = getEnvInt64OrDefault("CACHE_MAX_COST", c.Cache.MaxCost)
	c.Cache.NumCounters = getEnvInt64OrDefault("CACHE_NUM_COUNTERS", c.Cache.NumCounters)
	c.Cache.BufferItems = getEnvInt64OrDefault("CACHE_BUFFER_ITEMS", c.Cache.BufferItems)
	c.Cache.Metrics = getEnvBoolOrDefault("CACHE_METRICS", c.Cache.Metrics)

	c.Matcher.DefaultRadiusMeters = getEnvFloatOrDefault("MATCHER_DEFAULT_RADIUS_METERS", c.Matcher.DefaultRadiusMeters)
	c.Matcher.MaxRadiusMeters = getEnvFloatOrDefault("MATCHER_MAX_RADIUS_METERS", c.Matcher.MaxRadiusMeters)

	c.Sweeper.Enabled = getEnvBoolOrDefault("SWEEPER_ENABLED", c.Sweeper.Enabled)
	c.Sweeper.Interval = getEnvOrDefault("SWEEPER_INTERVAL", c.Sweeper.Interval)
	c.Sweeper.Cron = getEnvOrDefault("SWEEPER_CRON", c.Sweeper.Cron)
	c.Sweeper.RunOnStart = getEnvBoolOrDefault("SWEEPER_RUN_ON_START", c.Sweeper.RunOnStart)

	c.RateLimit.RPS = getEnvFloatOrDefault("RATE_LIMIT_RPS", c.RateLimit.RPS)
	c.RateLimit.Burst = getEnvIntOrDefault("RATE_LIMIT_BURST", c.RateLimit.Burst)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

// Validate checks cross-field constraints and parses every duration once
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case "mongo":
		if c.Mongo.URI == "" {
			errs = append(errs, errors.New("MONGO_URI is required for the mongo backend"))
		}
		if _, err := c.Mongo.GetConnectTimeout(); err != nil {
			errs = append(errs, fmt.Errorf("invalid mongo connect timeout: %w", err))
		}
	case "nats":
		if !c.NATS.Embedded && c.NATS.ServerURL == "" {
			errs = append(errs, errors.New("NATS_SERVER_URL is required when NATS is not embedded"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if ttl, err := c.Cache.GetTTL(); err != nil || ttl < 0 {
		errs = append(errs, fmt.Errorf("invalid cache TTL %q", c.Cache.TTL))
	}

	if !positive(c.Matcher.DefaultRadiusMeters) || !positive(c.Matcher.MaxRadiusMeters) {
		errs = append(errs, errors.New("matcher radii must be positive"))
	} else if c.Matcher.DefaultRadiusMeters > c.Matcher.MaxRadiusMeters {
		errs = append(errs, errors.New("default radius exceeds max radius"))
	}

	if c.Sweeper.Cron != "" {
		if !gronx.IsValid(c.Sweeper.Cron) {
			errs = append(errs, fmt.Errorf("invalid sweeper cron expression %q", c.Sweeper.Cron))
		}
	} else if d, err := c.Sweeper.GetInterval(); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("invalid sweeper interval %q", c.Sweeper.Interval))
	}

	return errors.Join(errs...)
}

// GetConnectTimeout returns the mongo connect timeout as duration
func (c *MongoConfig) GetConnectTimeout() (time.Duration, error) {
	return time.ParseDuration(c.ConnectTimeout)
}

// GetTTL returns cache TTL as duration
func (c *CacheConfig) GetTTL() (time.Duration, error) {
	return time.ParseDuration(c.TTL)
}

// GetInterval returns the sweep interval as duration
func (c *SweeperConfig) GetInterval() (time.Duration, error) {
	return time.ParseDuration(c.Interval)
}

func positive(f float64) bool {
	return f > 0 && !math.IsInf(f, 0) && !math.IsNaN(f)
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
