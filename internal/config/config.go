// Package config loads the touchbridge configuration once at process start.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// PlaceholderAPIKey is the shipped default; it must be overridden in deployments.
const PlaceholderAPIKey = "CHANGE_ME"

// Dedup modes.
const (
	DedupNone     = "none"
	DedupPrevious = "previous"
	DedupWindow   = "window"
)

type Config struct {
	API      APIConfig      `mapstructure:"api" yaml:"api"`
	Delivery DeliveryConfig `mapstructure:"delivery" yaml:"delivery"`
	Dedup    DedupConfig    `mapstructure:"dedup" yaml:"dedup"`
	Serial   SerialConfig   `mapstructure:"serial" yaml:"serial"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// APIConfig holds the tracking API endpoint and credentials.
type APIConfig struct {
	URL      string        `mapstructure:"url" yaml:"url"`
	Key      string        `mapstructure:"key" yaml:"key"`
	ClientID int64         `mapstructure:"client_id" yaml:"client_id"` // <= 0 disables heartbeats
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// HasClientID reports whether a client identifier is configured.
func (a APIConfig) HasClientID() bool {
	return a.ClientID > 0
}

// DeliveryConfig holds delivery loop timing.
type DeliveryConfig struct {
	IdleTimeout         time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"` // 0 waits forever, no heartbeats
	Backoff             time.Duration `mapstructure:"backoff" yaml:"backoff"`
	HeartbeatRetryDelay time.Duration `mapstructure:"heartbeat_retry_delay" yaml:"heartbeat_retry_delay"`
}

// DedupConfig selects how repeated touches of the same card are handled.
type DedupConfig struct {
	Mode   string        `mapstructure:"mode" yaml:"mode"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

// SerialConfig describes the reader connection.
type SerialConfig struct {
	Port         string `mapstructure:"port" yaml:"port"` // empty: discover, "-": stdin
	BaudRate     int    `mapstructure:"baud_rate" yaml:"baud_rate"`
	MaxLineBytes int    `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
}

// ServerConfig holds the optional status server configuration.
type ServerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// MaxQueueDepth marks /readyz unready above this many pending touches; 0 disables it.
	MaxQueueDepth int `mapstructure:"max_queue_depth" yaml:"max_queue_depth"`
}

// RedisConfig holds per-reader statistics storage.
type RedisConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	URL           string        `mapstructure:"url" yaml:"url"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// NATSConfig holds the optional touch mirror.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from configPath (or ./config.yaml,
// /etc/touchbridge/config.yaml) and TOUCH_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/touchbridge")
	}

	// Environment variables override: api.url -> TOUCH_API_URL
	v.SetEnvPrefix("TOUCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Older deployments export TOUCH_CLIENT_ID
	if err := v.BindEnv("api.client_id", "TOUCH_API_CLIENT_ID", "TOUCH_CLIENT_ID"); err != nil {
		return nil, fmt.Errorf("bind client id env: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "https://ticket.cross-party.com/tracking/internalapi")
	v.SetDefault("api.key", PlaceholderAPIKey)
	v.SetDefault("api.client_id", 0)
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("delivery.idle_timeout", "5s")
	v.SetDefault("delivery.backoff", "500ms")
	v.SetDefault("delivery.heartbeat_retry_delay", "1s")
	v.SetDefault("dedup.mode", DedupNone)
	v.SetDefault("dedup.window", "0s")
	v.SetDefault("serial.port", "")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.max_line_bytes", 65536)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9108)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.max_queue_depth", 0)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.flush_interval", "30s")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject", "tracking.touches.felica")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks values that would otherwise fail late inside the pipeline.
func (c *Config) Validate() error {
	u, err := url.Parse(c.API.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api.url %q is not an absolute URL", ErrInvalid, c.API.URL)
	}
	if c.API.Key == "" {
		return fmt.Errorf("%w: api.key is empty", ErrInvalid)
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("%w: api.timeout must be positive", ErrInvalid)
	}
	if c.Delivery.IdleTimeout < 0 || c.Delivery.Backoff < 0 || c.Delivery.HeartbeatRetryDelay < 0 {
		return fmt.Errorf("%w: delivery durations must not be negative", ErrInvalid)
	}

	switch c.Dedup.Mode {
	case DedupNone, DedupPrevious:
	case DedupWindow:
		if c.Dedup.Window <= 0 {
			return fmt.Errorf("%w: dedup.window must be positive in window mode", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: dedup.mode %q (supported: none, previous, window)", ErrInvalid, c.Dedup.Mode)
	}

	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("%w: serial.baud_rate must be positive", ErrInvalid)
	}
	if c.Serial.MaxLineBytes < 16 {
		return fmt.Errorf("%w: serial.max_line_bytes must be at least 16", ErrInvalid)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.MaxQueueDepth < 0 {
		return fmt.Errorf("%w: server.max_queue_depth must not be negative", ErrInvalid)
	}
	if c.Redis.Enabled && c.Redis.FlushInterval <= 0 {
		return fmt.Errorf("%w: redis.flush_interval must be positive", ErrInvalid)
	}
	if c.NATS.Enabled && c.NATS.Subject == "" {
		return fmt.Errorf("%w: nats.subject is empty", ErrInvalid)
	}
	return nil
}

// UsesPlaceholderKey reports whether the API key was left at its default.
func (c *Config) UsesPlaceholderKey() bool {
	return c.API.Key == PlaceholderAPIKey
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.API.Key != "" && c.API.Key != PlaceholderAPIKey {
		c.API.Key = "********"
	}
	return c
}
