package configtypes

import (
	"fmt"
	"net/url"
	"time"

	"github.com/edgecomet/eventshipper/pkg/types"
)

// ScheduleMode selects how the periodic scheduler triggers delivery.
type ScheduleMode string

const (
	ScheduleDisabled  ScheduleMode = "disabled"  // producer threshold is the only automatic trigger
	ScheduleAlways    ScheduleMode = "always"    // every tick requests a flush
	ScheduleThreshold ScheduleMode = "threshold" // a tick requests a flush only when queue >= bulk_size
)

// Store backend constants
const (
	StoreBackendFile  = "file"
	StoreBackendRedis = "redis"
	StoreBackendNone  = "none"
)

const (
	MaxBulkSize           = 50
	DefaultRequestTimeout = 30 * time.Second
	DefaultPollTimeout    = 200 * time.Millisecond
	MinScheduleInterval   = 1 * time.Second
	DefaultRedisKey       = "eventshipper:queue"
	DefaultRedisLockTTL   = 30 * time.Second
)

// ShipperConfig is the root configuration for the event shipper.
type ShipperConfig struct {
	ShipperID string         `yaml:"shipper_id"` // Optional; a random UUID is used when empty
	Delivery  DeliveryConfig `yaml:"delivery"`
	Schedule  ScheduleConfig `yaml:"schedule"`
	Store     StoreConfig    `yaml:"store"`
	Logging   LogConfig      `yaml:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// DeliveryConfig controls batching and the HTTP hand-off to the collector.
type DeliveryConfig struct {
	Endpoint       string         `yaml:"endpoint"`        // Collector URL (http or https)
	BulkSize       int            `yaml:"bulk_size"`       // Records per batch, clamped to 50 (0 = 50)
	RequestTimeout types.Duration `yaml:"request_timeout"` // Per-POST timeout (0 = 30s)
	PollTimeout    types.Duration `yaml:"poll_timeout"`    // Dequeue wait while forming a batch (0 = 200ms)
	RetryGap       types.Duration `yaml:"retry_gap"`       // Minimum gap after a failed run before a new run starts (0 = none)
	UserAgent      string         `yaml:"user_agent,omitempty"`
}

// ScheduleConfig configures the optional periodic flush.
type ScheduleConfig struct {
	Mode     ScheduleMode   `yaml:"mode"`     // disabled | always | threshold
	Interval types.Duration `yaml:"interval"` // Tick interval, floor 1s
}

// StoreConfig configures crash-recovery persistence.
type StoreConfig struct {
	Backend         string           `yaml:"backend"`           // file | redis | none (default: file when path is set, none otherwise)
	Path            string           `yaml:"path"`              // Backing file for the file backend
	CreateIfMissing bool             `yaml:"create_if_missing"` // Create the backing file instead of reporting file-load
	Redis           RedisStoreConfig `yaml:"redis"`
}

// RedisStoreConfig configures the redis backend.
type RedisStoreConfig struct {
	RedisConfig `yaml:",inline"`
	Key         string         `yaml:"key"`      // List key (default eventshipper:queue)
	LockTTL     types.Duration `yaml:"lock_ttl"` // Lock expiry guarding Load/Save (default 30s)
}

// ApplyDefaults fills zero values and clamps bulk_size and interval to their limits.
func (c *ShipperConfig) ApplyDefaults() {
	if c.Delivery.BulkSize <= 0 || c.Delivery.BulkSize > MaxBulkSize {
		c.Delivery.BulkSize = MaxBulkSize
	}
	if c.Delivery.RequestTimeout <= 0 {
		c.Delivery.RequestTimeout = types.Duration(DefaultRequestTimeout)
	}
	if c.Delivery.PollTimeout <= 0 {
		c.Delivery.PollTimeout = types.Duration(DefaultPollTimeout)
	}
	if c.Delivery.RetryGap < 0 {
		c.Delivery.RetryGap = 0
	}

	if c.Schedule.Mode == "" {
		c.Schedule.Mode = ScheduleDisabled
	}
	if c.Schedule.Interval.ToDuration() < MinScheduleInterval {
		c.Schedule.Interval = types.Duration(MinScheduleInterval)
	}

	if c.Store.Backend == "" {
		if c.Store.Path != "" {
			c.Store.Backend = StoreBackendFile
		} else {
			c.Store.Backend = StoreBackendNone
		}
	}
	if c.Store.Redis.Key == "" {
		c.Store.Redis.Key = DefaultRedisKey
	}
	if c.Store.Redis.LockTTL <= 0 {
		c.Store.Redis.LockTTL = types.Duration(DefaultRedisLockTTL)
	}

	if !c.Logging.Console.Enabled && !c.Logging.File.Enabled {
		c.Logging.Console.Enabled = true
	}
	if c.Logging.Console.Format == "" {
		c.Logging.Console.Format = LogFormatConsole
	}
	if c.Logging.File.Format == "" {
		c.Logging.File.Format = LogFormatText
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate rejects configurations the shipper cannot run with.
// Values that can be clamped (bulk_size above 50, sub-second interval) are not errors.
func (c *ShipperConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("shipper config is required")
	}

	if c.Delivery.Endpoint == "" {
		return fmt.Errorf("delivery.endpoint must be specified")
	}
	u, err := url.Parse(c.Delivery.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid delivery.endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("delivery.endpoint must be an http or https URL, got '%s'", c.Delivery.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("delivery.endpoint must include a host, got '%s'", c.Delivery.Endpoint)
	}

	if c.Delivery.BulkSize < 0 {
		return fmt.Errorf("delivery.bulk_size must be >= 0, got %d", c.Delivery.BulkSize)
	}

	switch c.Schedule.Mode {
	case "", ScheduleDisabled, ScheduleAlways, ScheduleThreshold:
	default:
		return fmt.Errorf("schedule.mode must be one of: disabled, always, threshold, got '%s'", c.Schedule.Mode)
	}

	switch c.Store.Backend {
	case "", StoreBackendNone:
	case StoreBackendFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be specified for the file backend")
		}
	case StoreBackendRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr must be specified for the redis backend")
		}
		if c.Store.Redis.DB < 0 {
			return fmt.Errorf("store.redis.db must be >= 0, got %d", c.Store.Redis.DB)
		}
	default:
		return fmt.Errorf("store.backend must be one of: file, redis, none, got '%s'", c.Store.Backend)
	}

	if c.Metrics.Enabled {
		if err := ValidateListenAddress(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}

	return c.Logging.Validate()
}

// Validate checks log levels, formats and rotation parameters.
func (l *LogConfig) Validate() error {
	validLevels := map[string]bool{
		LogLevelDebug: true,
		LogLevelInfo:  true,
		LogLevelWarn:  true,
		LogLevelError: true,
	}
	if l.Level != "" && !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got '%s'", l.Level)
	}
	if l.Console.Level != "" && !validLevels[l.Console.Level] {
		return fmt.Errorf("logging.console.level must be one of: debug, info, warn, error, got '%s'", l.Console.Level)
	}
	if l.File.Level != "" && !validLevels[l.File.Level] {
		return fmt.Errorf("logging.file.level must be one of: debug, info, warn, error, got '%s'", l.File.Level)
	}

	if l.Console.Enabled && l.Console.Format != "" &&
		l.Console.Format != LogFormatJSON && l.Console.Format != LogFormatConsole {
		return fmt.Errorf("logging.console.format must be 'json' or 'console', got '%s'", l.Console.Format)
	}

	if l.File.Enabled {
		if l.File.Path == "" {
			return fmt.Errorf("logging.file.path must be specified when file logging is enabled")
		}
		if l.File.Format != "" && l.File.Format != LogFormatJSON && l.File.Format != LogFormatText {
			return fmt.Errorf("logging.file.format must be 'json' or 'text', got '%s'", l.File.Format)
		}
		if l.File.Rotation.MaxSize < 0 || l.File.Rotation.MaxAge < 0 || l.File.Rotation.MaxBackups < 0 {
			return fmt.Errorf("logging.file.rotation values must be >= 0")
		}
	}
	return nil
}
