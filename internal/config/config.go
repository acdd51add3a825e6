// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Fetch    FetchConfig    `mapstructure:"fetch" yaml:"fetch"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Resolver ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	Pricing  PricingConfig  `mapstructure:"pricing" yaml:"pricing"`
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NetworkConfig tunes the low-level HTTP behavior shared by all sessions.
type NetworkConfig struct {
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
}

// FetchConfig tunes the paginated inventory fetch protocol.
type FetchConfig struct {
	PageCountMin       int           `mapstructure:"page_count_min" yaml:"page_count_min"`
	PageCountMax       int           `mapstructure:"page_count_max" yaml:"page_count_max"`
	PaginationDelayMin time.Duration `mapstructure:"pagination_delay_min" yaml:"pagination_delay_min"`
	PaginationDelayMax time.Duration `mapstructure:"pagination_delay_max" yaml:"pagination_delay_max"`
	WarmupDelayMin     time.Duration `mapstructure:"warmup_delay_min" yaml:"warmup_delay_min"`
	WarmupDelayMax     time.Duration `mapstructure:"warmup_delay_max" yaml:"warmup_delay_max"`
	MaxPages           int           `mapstructure:"max_pages" yaml:"max_pages"`
}

// DispatchConfig tunes the dispatcher loop, executor pool and retry policy.
type DispatchConfig struct {
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions" yaml:"max_concurrent_sessions"`
	DispatchDelayMin      time.Duration `mapstructure:"dispatch_delay_min" yaml:"dispatch_delay_min"`
	DispatchDelayMax      time.Duration `mapstructure:"dispatch_delay_max" yaml:"dispatch_delay_max"`
	RateLimitCooldown     time.Duration `mapstructure:"rate_limit_cooldown" yaml:"rate_limit_cooldown"`
	RetryDelayFirst       time.Duration `mapstructure:"retry_delay_first" yaml:"retry_delay_first"`
	RetryDelaySecond      time.Duration `mapstructure:"retry_delay_second" yaml:"retry_delay_second"`
	TaskDeadline          time.Duration `mapstructure:"task_deadline" yaml:"task_deadline"`
	IdleSleep             time.Duration `mapstructure:"idle_sleep" yaml:"idle_sleep"`
	NoSessionSleep        time.Duration `mapstructure:"no_session_sleep" yaml:"no_session_sleep"`
	TaskCooldownMin       time.Duration `mapstructure:"task_cooldown_min" yaml:"task_cooldown_min"`
	TaskCooldownMax       time.Duration `mapstructure:"task_cooldown_max" yaml:"task_cooldown_max"`
	PingInterval          time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

// ResolverConfig tunes the nickname resolver side-pool.
type ResolverConfig struct {
	MaxThreads     int           `mapstructure:"max_threads" yaml:"max_threads"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// PricingConfig controls the price table file and its refresh cycle.
type PricingConfig struct {
	File            string        `mapstructure:"file" yaml:"file"`
	APIURL          string        `mapstructure:"api_url" yaml:"api_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	Currency        string        `mapstructure:"currency" yaml:"currency"`
}

// SessionsConfig describes the proxy/credential material the pool is built from.
type SessionsConfig struct {
	DataDir     string   `mapstructure:"data_dir" yaml:"data_dir"`
	ProxiesFile string   `mapstructure:"proxies_file" yaml:"proxies_file"`
	Tokens      []string `mapstructure:"tokens" yaml:"tokens"`
}

// NotifyConfig configures the notification sink. Redis is optional; when the
// address is empty a buffered in-process sink is used.
type NotifyConfig struct {
	Buffer       int    `mapstructure:"buffer" yaml:"buffer"`
	RedisAddr    string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel" yaml:"redis_channel"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "steamprobe")
	v.SetDefault("logger.log_file", "steamprobe.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.connect_timeout", "6s")
	v.SetDefault("network.read_timeout", "45s")
	v.SetDefault("network.ignore_tls_errors", false)

	// -- Fetch --
	v.SetDefault("fetch.page_count_min", 450)
	v.SetDefault("fetch.page_count_max", 500)
	v.SetDefault("fetch.pagination_delay_min", "2s")
	v.SetDefault("fetch.pagination_delay_max", "3500ms")
	v.SetDefault("fetch.warmup_delay_min", "2s")
	v.SetDefault("fetch.warmup_delay_max", "3s")
	v.SetDefault("fetch.max_pages", 50)

	// -- Dispatch --
	v.SetDefault("dispatch.max_concurrent_sessions", 1)
	v.SetDefault("dispatch.dispatch_delay_min", "4500ms")
	v.SetDefault("dispatch.dispatch_delay_max", "5s")
	v.SetDefault("dispatch.rate_limit_cooldown", "60s")
	v.SetDefault("dispatch.retry_delay_first", "3s")
	v.SetDefault("dispatch.retry_delay_second", "10s")
	v.SetDefault("dispatch.task_deadline", "60s")
	v.SetDefault("dispatch.idle_sleep", "1s")
	v.SetDefault("dispatch.no_session_sleep", "2s")
	v.SetDefault("dispatch.task_cooldown_min", "2s")
	v.SetDefault("dispatch.task_cooldown_max", "3s")
	v.SetDefault("dispatch.ping_interval", "5s")

	// -- Resolver --
	v.SetDefault("resolver.max_threads", 2)
	v.SetDefault("resolver.request_timeout", "5s")
	v.SetDefault("resolver.rate_per_second", 1.0)

	// -- Pricing --
	v.SetDefault("pricing.file", "prices.json")
	v.SetDefault("pricing.api_url", "https://api.skinport.com/v1/items?app_id=730&currency=USD")
	v.SetDefault("pricing.refresh_interval", "24h")
	v.SetDefault("pricing.currency", "USD")

	// -- Sessions --
	v.SetDefault("sessions.data_dir", "~/.steamprobe")
	v.SetDefault("sessions.proxies_file", "")
	v.SetDefault("sessions.tokens", []string{})

	// -- Notify --
	v.SetDefault("notify.buffer", 256)
	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_channel", "steamprobe.events")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Dispatch.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("dispatch.max_concurrent_sessions must be a positive integer")
	}
	if c.Resolver.MaxThreads <= 0 {
		return fmt.Errorf("resolver.max_threads must be a positive integer")
	}
	if c.Fetch.PageCountMin <= 0 || c.Fetch.PageCountMax < c.Fetch.PageCountMin {
		return fmt.Errorf("fetch.page_count_min/max must satisfy 0 < min <= max")
	}
	if c.Fetch.MaxPages <= 0 {
		return fmt.Errorf("fetch.max_pages must be a positive integer")
	}
	if c.Fetch.PaginationDelayMax < c.Fetch.PaginationDelayMin {
		return fmt.Errorf("fetch.pagination_delay_max must be >= fetch.pagination_delay_min")
	}
	if c.Dispatch.DispatchDelayMax < c.Dispatch.DispatchDelayMin {
		return fmt.Errorf("dispatch.dispatch_delay_max must be >= dispatch.dispatch_delay_min")
	}
	if c.Dispatch.TaskDeadline <= 0 {
		return fmt.Errorf("dispatch.task_deadline must be a positive duration")
	}
	if c.Pricing.RefreshInterval <= 0 {
		return fmt.Errorf("pricing.refresh_interval must be a positive duration")
	}
	return nil
}

// DataDir returns the sessions data directory with ~ expanded, creating it and
// its cookie/dump subdirectories if necessary.
func (c *Config) DataDir() (string, error) {
	dir, err := homedir.Expand(c.Sessions.DataDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "cookies"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "dumps"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create dump dir: %w", err)
	}
	return dir, nil
}
