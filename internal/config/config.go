// Package config provides configuration management for the scanner service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by normalize when a field is unset.
const (
	defaultWorkers           = 8
	defaultMaxConcurrent     = 10
	defaultQueueSize         = 256
	defaultRequestsPerSecond = 45.0
	defaultCacheSize         = 256
	defaultMaxResults        = 50
	defaultMaxScans          = 32
	defaultWSQueueSize       = 1000
	defaultWSMaxConnections  = 256
	defaultCircuitFailures   = 5
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Cache       CacheConfig       `yaml:"cache"`
	Scan        ScanConfig        `yaml:"scan"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	IVHistory   IVHistoryConfig   `yaml:"iv_history"`
	Presets     PresetsConfig     `yaml:"presets"`
}

// EnvironmentConfig defines process-level settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ServerConfig defines the REST/WebSocket listener.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// WebSocketConfig defines the subscription stream settings.
type WebSocketConfig struct {
	PingInterval   string `yaml:"ping_interval"`
	QueueSize      int    `yaml:"queue_size"`
	MaxConnections int    `yaml:"max_connections"`
}

// CoordinatorConfig defines the upstream dispatcher settings.
type CoordinatorConfig struct {
	Workers              int             `yaml:"workers"`
	MaxConcurrent        int             `yaml:"max_concurrent"`
	QueueSize            int             `yaml:"queue_size"`
	RequestsPerSecond    float64         `yaml:"requests_per_second"`
	CoalesceWindow       string          `yaml:"coalesce_window"`
	AdaptiveBackpressure bool            `yaml:"adaptive_backpressure"`
	HealthPollInterval   string          `yaml:"health_poll_interval"`
	QueueThresholds      ThresholdConfig `yaml:"queue_thresholds"`
}

// ThresholdConfig defines the backpressure queue-depth breakpoints.
type ThresholdConfig struct {
	Low      int `yaml:"low"`
	Medium   int `yaml:"medium"`
	High     int `yaml:"high"`
	Critical int `yaml:"critical"`
}

// CircuitConfig defines the upstream circuit breaker.
type CircuitConfig struct {
	MaxFailures  int    `yaml:"max_failures"`
	ResetTimeout string `yaml:"reset_timeout"`
}

// CacheConfig defines the per-scan filter stage cache.
type CacheConfig struct {
	Size           int    `yaml:"size"`
	TTLDefault     string `yaml:"ttl_default"`
	EvictionPolicy string `yaml:"eviction_policy"` // lru
}

// ScanConfig defines engine-level scan settings.
type ScanConfig struct {
	DefaultInterval string `yaml:"default_interval"`
	TickInterval    string `yaml:"tick_interval"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	MaxResults      int    `yaml:"max_results"`
	DrainTimeout    string `yaml:"drain_timeout"`
	DisableSkips    bool   `yaml:"disable_skips"`
}

// UpstreamConfig selects the market-data gateway. BaseURL and APIKey apply
// only to the gateway provider; Seed only to the mock.
type UpstreamConfig struct {
	Provider string `yaml:"provider"` // mock | gateway
	Seed     int64  `yaml:"seed"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"`
}

// IVHistoryConfig defines the IV history service client.
type IVHistoryConfig struct {
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"`
	CacheTTL string `yaml:"cache_ttl"`
}

// PresetsConfig defines the preset store location.
type PresetsConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// normalizing defaults first.
func (c *Config) Validate() error {
	c.normalize()

	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug|info|warn|error")
	}

	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator.workers must be > 0")
	}
	if c.Coordinator.MaxConcurrent <= 0 {
		return fmt.Errorf("coordinator.max_concurrent must be > 0")
	}
	if c.Coordinator.RequestsPerSecond <= 0 {
		return fmt.Errorf("coordinator.requests_per_second must be > 0")
	}
	for name, raw := range map[string]string{
		"coordinator.coalesce_window":      c.Coordinator.CoalesceWindow,
		"coordinator.health_poll_interval": c.Coordinator.HealthPollInterval,
		"circuit.reset_timeout":            c.Circuit.ResetTimeout,
		"cache.ttl_default":                c.Cache.TTLDefault,
		"scan.default_interval":            c.Scan.DefaultInterval,
		"scan.tick_interval":               c.Scan.TickInterval,
		"scan.drain_timeout":               c.Scan.DrainTimeout,
		"websocket.ping_interval":          c.WebSocket.PingInterval,
		"iv_history.timeout":               c.IVHistory.Timeout,
		"iv_history.cache_ttl":             c.IVHistory.CacheTTL,
	} {
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}

	t := c.Coordinator.QueueThresholds
	if !(t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical) {
		return fmt.Errorf("coordinator.queue_thresholds must be strictly increasing")
	}

	if c.Circuit.MaxFailures <= 0 {
		return fmt.Errorf("circuit.max_failures must be > 0")
	}

	if c.Cache.EvictionPolicy != "lru" {
		return fmt.Errorf("cache.eviction_policy must be 'lru'")
	}
	if c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be > 0")
	}

	if d := c.ScanDefaultInterval(); d < time.Second {
		return fmt.Errorf("scan.default_interval must be >= 1s")
	}
	if c.Scan.MaxConcurrent <= 0 {
		return fmt.Errorf("scan.max_concurrent must be > 0")
	}
	if c.Scan.MaxResults <= 0 {
		return fmt.Errorf("scan.max_results must be > 0")
	}

	switch c.Upstream.Provider {
	case "mock":
	case "gateway":
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream.base_url is required for the gateway provider")
		}
	default:
		return fmt.Errorf("upstream.provider must be 'mock' or 'gateway'")
	}
	if _, err := time.ParseDuration(c.Upstream.Timeout); err != nil {
		return fmt.Errorf("upstream.timeout invalid: %w", err)
	}

	if c.WebSocket.QueueSize <= 0 {
		return fmt.Errorf("websocket.queue_size must be > 0")
	}

	return nil
}

// normalize fills unset fields with defaults.
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	if c.Coordinator.Workers == 0 {
		c.Coordinator.Workers = defaultWorkers
	}
	if c.Coordinator.MaxConcurrent == 0 {
		c.Coordinator.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Coordinator.QueueSize == 0 {
		c.Coordinator.QueueSize = defaultQueueSize
	}
	if c.Coordinator.RequestsPerSecond == 0 {
		c.Coordinator.RequestsPerSecond = defaultRequestsPerSecond
	}
	if c.Coordinator.CoalesceWindow == "" {
		c.Coordinator.CoalesceWindow = "50ms"
	}
	if c.Coordinator.HealthPollInterval == "" {
		c.Coordinator.HealthPollInterval = "5s"
	}
	if c.Coordinator.QueueThresholds == (ThresholdConfig{}) {
		c.Coordinator.QueueThresholds = ThresholdConfig{Low: 25, Medium: 50, High: 75, Critical: 100}
	}

	if c.Circuit.MaxFailures == 0 {
		c.Circuit.MaxFailures = defaultCircuitFailures
	}
	if c.Circuit.ResetTimeout == "" {
		c.Circuit.ResetTimeout = "30s"
	}

	if c.Cache.Size == 0 {
		c.Cache.Size = defaultCacheSize
	}
	if c.Cache.TTLDefault == "" {
		c.Cache.TTLDefault = "5m"
	}
	if c.Cache.EvictionPolicy == "" {
		c.Cache.EvictionPolicy = "lru"
	}

	if c.Scan.DefaultInterval == "" {
		c.Scan.DefaultInterval = "5s"
	}
	if c.Scan.TickInterval == "" {
		c.Scan.TickInterval = "1s"
	}
	if c.Scan.MaxConcurrent == 0 {
		c.Scan.MaxConcurrent = defaultMaxScans
	}
	if c.Scan.MaxResults == 0 {
		c.Scan.MaxResults = defaultMaxResults
	}
	if c.Scan.DrainTimeout == "" {
		c.Scan.DrainTimeout = "10s"
	}

	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "mock"
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "10s"
	}

	if c.WebSocket.PingInterval == "" {
		c.WebSocket.PingInterval = "30s"
	}
	if c.WebSocket.QueueSize == 0 {
		c.WebSocket.QueueSize = defaultWSQueueSize
	}
	if c.WebSocket.MaxConnections == 0 {
		c.WebSocket.MaxConnections = defaultWSMaxConnections
	}

	if c.IVHistory.Timeout == "" {
		c.IVHistory.Timeout = "10s"
	}
	if c.IVHistory.CacheTTL == "" {
		c.IVHistory.CacheTTL = "1h"
	}

	if c.Presets.Path == "" {
		c.Presets.Path = "presets.json"
	}
}

// Duration accessors. Validate guarantees these parse; a zero value is
// returned only for a Config that skipped validation.

func parseDuration(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

// CoalesceWindow returns the coordinator coalesce window.
func (c *Config) CoalesceWindow() time.Duration {
	return parseDuration(c.Coordinator.CoalesceWindow)
}

// HealthPollInterval returns the upstream health poll cadence.
func (c *Config) HealthPollInterval() time.Duration {
	return parseDuration(c.Coordinator.HealthPollInterval)
}

// CircuitResetTimeout returns the breaker's open-state hold time.
func (c *Config) CircuitResetTimeout() time.Duration {
	return parseDuration(c.Circuit.ResetTimeout)
}

// CacheTTLDefault returns the fallback stage cache lifetime.
func (c *Config) CacheTTLDefault() time.Duration {
	return parseDuration(c.Cache.TTLDefault)
}

// ScanDefaultInterval returns the default per-scan interval.
func (c *Config) ScanDefaultInterval() time.Duration {
	return parseDuration(c.Scan.DefaultInterval)
}

// ScanTickInterval returns the engine dispatch loop cadence.
func (c *Config) ScanTickInterval() time.Duration {
	return parseDuration(c.Scan.TickInterval)
}

// ScanDrainTimeout returns the shutdown drain budget.
func (c *Config) ScanDrainTimeout() time.Duration {
	return parseDuration(c.Scan.DrainTimeout)
}

// WSPingInterval returns the websocket ping cadence.
func (c *Config) WSPingInterval() time.Duration {
	return parseDuration(c.WebSocket.PingInterval)
}

// UpstreamTimeout returns the gateway client request timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return parseDuration(c.Upstream.Timeout)
}

// IVHistoryTimeout returns the history client request timeout.
func (c *Config) IVHistoryTimeout() time.Duration {
	return parseDuration(c.IVHistory.Timeout)
}

// IVHistoryCacheTTL returns the history client cache lifetime.
func (c *Config) IVHistoryCacheTTL() time.Duration {
	return parseDuration(c.IVHistory.CacheTTL)
}
