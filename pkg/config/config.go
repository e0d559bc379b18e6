package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Receive buffer bounds. A DNS message over UDP is at least 512 bytes and can
// never exceed the 16-bit length limit.
const (
	MinReceiveBufferSize = 512
	MaxReceiveBufferSize = 65535
)

// Config holds the application configuration
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Dictionary source for the domain index
	Dictionary DictionaryConfig `yaml:"dictionary"`

	// Request handling
	Handler HandlerConfig `yaml:"handler"`

	// Per-client rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Query log
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry (OTEL)
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds server-specific settings
type ServerConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	ReceiveBufferSize int    `yaml:"receive_buffer_size"`
}

// DictionaryConfig describes where the domain list comes from
type DictionaryConfig struct {
	Path               string        `yaml:"path"`
	URL                string        `yaml:"url"`
	Format             string        `yaml:"format"` // csv, plain, hosts, adblock
	Limit              int           `yaml:"limit"`  // 0 = no limit
	Normalize          bool          `yaml:"normalize"`
	RetainReverseIndex bool          `yaml:"retain_reverse_index"`
	Watch              bool          `yaml:"watch"`
	UpdateInterval     time.Duration `yaml:"update_interval"`
	MaxDownloadBytes   int64         `yaml:"max_download_bytes"` // cap on a url download
}

// HandlerConfig selects and configures the request handler
type HandlerConfig struct {
	Mode      string             `yaml:"mode"` // static, index
	Address   string             `yaml:"address"`
	AddressV6 string             `yaml:"address_v6"`
	TTL       uint32             `yaml:"ttl"`
	Fallback  string             `yaml:"fallback"` // nxdomain, static, drop
	Rules     []PolicyRuleConfig `yaml:"rules"`

	// ReloadRules re-reads Rules from the config file when it changes.
	// Other settings still need a restart.
	ReloadRules bool `yaml:"reload_rules"`
}

// PolicyRuleConfig is one expression rule for the index handler
type PolicyRuleConfig struct {
	Name    string `yaml:"name"`
	Logic   string `yaml:"logic"`
	Action  string `yaml:"action"`
	Enabled *bool  `yaml:"enabled"` // nil = enabled
}

// IsEnabled reports whether the rule is active
func (r PolicyRuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxTrackedClients int           `yaml:"max_tracked_clients"`
	LogViolations     bool          `yaml:"log_violations"`

	Overrides []RateLimitOverride `yaml:"overrides"`
}

// RateLimitOverride gives specific clients or networks their own bucket size
type RateLimitOverride struct {
	Name              string   `yaml:"name"`
	Clients           []string `yaml:"clients"`
	CIDRs             []string `yaml:"cidrs"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Burst             *int     `yaml:"burst"`
}

// StorageConfig holds query log settings
type StorageConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Retention     time.Duration `yaml:"retention"` // 0 = keep forever
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file, discard
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	// Read the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	// Normalization is on unless the file turns it off.
	cfg := Config{Dictionary: DictionaryConfig{Normalize: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{Dictionary: DictionaryConfig{Normalize: true}}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults sets default values for unset configuration fields
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = "0.0.0.0:5300"
	}
	if c.Server.MaxConcurrency == 0 {
		c.Server.MaxConcurrency = 512
	}
	if c.Server.ReceiveBufferSize == 0 {
		c.Server.ReceiveBufferSize = 2048
	}

	// Dictionary defaults
	if c.Dictionary.Format == "" {
		c.Dictionary.Format = "csv"
	}
	if c.Dictionary.MaxDownloadBytes == 0 {
		c.Dictionary.MaxDownloadBytes = 256 << 20
	}

	// Handler defaults
	if c.Handler.Mode == "" {
		c.Handler.Mode = "static"
	}
	if c.Handler.Address == "" {
		c.Handler.Address = "127.0.0.1"
	}
	if c.Handler.TTL == 0 {
		c.Handler.TTL = 60
	}
	if c.Handler.Fallback == "" {
		c.Handler.Fallback = "nxdomain"
	}

	// Rate limit defaults
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 50
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 100
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = time.Minute
	}
	if c.RateLimit.MaxTrackedClients == 0 {
		c.RateLimit.MaxTrackedClients = 10000
	}

	// Storage defaults
	if c.Storage.Path == "" {
		c.Storage.Path = "./domainlens.db"
	}
	if c.Storage.BufferSize == 0 {
		c.Storage.BufferSize = 1000
	}
	if c.Storage.BatchSize == 0 {
		c.Storage.BatchSize = 100
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 5 * time.Second
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	// Telemetry defaults
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "domainlens"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	// Validate dictionary source
	validFormats := map[string]bool{
		"csv":     true,
		"plain":   true,
		"hosts":   true,
		"adblock": true,
	}
	if !validFormats[c.Dictionary.Format] {
		return fmt.Errorf("invalid dictionary format: %s (must be csv, plain, hosts, or adblock)", c.Dictionary.Format)
	}
	if c.Dictionary.Path != "" && c.Dictionary.URL != "" {
		return fmt.Errorf("dictionary.path and dictionary.url are mutually exclusive")
	}
	if c.Dictionary.Limit < 0 {
		return fmt.Errorf("dictionary.limit cannot be negative")
	}
	if c.Dictionary.UpdateInterval < 0 {
		return fmt.Errorf("dictionary.update_interval cannot be negative")
	}
	if c.Dictionary.MaxDownloadBytes < 0 {
		return fmt.Errorf("dictionary.max_download_bytes cannot be negative")
	}

	// Validate handler
	switch c.Handler.Mode {
	case "static":
	case "index":
		if c.Dictionary.Path == "" && c.Dictionary.URL == "" {
			return fmt.Errorf("handler.mode 'index' requires dictionary.path or dictionary.url")
		}
	default:
		return fmt.Errorf("invalid handler mode: %s (must be static or index)", c.Handler.Mode)
	}
	if addr, err := netip.ParseAddr(c.Handler.Address); err != nil || !addr.Is4() {
		return fmt.Errorf("handler.address must be an IPv4 address: %q", c.Handler.Address)
	}
	if c.Handler.AddressV6 != "" {
		if addr, err := netip.ParseAddr(c.Handler.AddressV6); err != nil || !addr.Is6() || addr.Is4In6() {
			return fmt.Errorf("handler.address_v6 must be an IPv6 address: %q", c.Handler.AddressV6)
		}
	}
	validFallbacks := map[string]bool{
		"nxdomain": true,
		"static":   true,
		"drop":     true,
	}
	if !validFallbacks[c.Handler.Fallback] {
		return fmt.Errorf("invalid handler fallback: %s (must be nxdomain, static, or drop)", c.Handler.Fallback)
	}
	for i, rule := range c.Handler.Rules {
		if rule.Logic == "" {
			return fmt.Errorf("handler.rules[%d]: logic cannot be empty", i)
		}
		if rule.Action == "" {
			return fmt.Errorf("handler.rules[%d]: action cannot be empty", i)
		}
	}

	// Validate rate limiting
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive")
		}
	}

	// Validate storage
	if c.Storage.Enabled {
		if c.Storage.BufferSize <= 0 || c.Storage.BatchSize <= 0 {
			return fmt.Errorf("storage.buffer_size and storage.batch_size must be positive")
		}
		if c.Storage.FlushInterval <= 0 {
			return fmt.Errorf("storage.flush_interval must be positive")
		}
		if c.Storage.Retention < 0 {
			return fmt.Errorf("storage.retention cannot be negative")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	// Validate logging format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}

	// Validate logging output
	validOutputs := map[string]bool{
		"stdout":  true,
		"stderr":  true,
		"file":    true,
		"discard": true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, file, or discard)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	// Validate telemetry
	if c.Telemetry.PrometheusEnabled && (c.Telemetry.PrometheusPort <= 0 || c.Telemetry.PrometheusPort > 65535) {
		return fmt.Errorf("invalid telemetry.prometheus_port: %d", c.Telemetry.PrometheusPort)
	}

	return nil
}

// Validate checks the server section on its own so the DNS server can apply
// the same rules to programmatic configuration.
func (s *ServerConfig) Validate() error {
	if s.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if _, err := net.ResolveUDPAddr("udp", s.ListenAddress); err != nil {
		return fmt.Errorf("invalid server.listen_address %q: %w", s.ListenAddress, err)
	}
	if s.MaxConcurrency <= 0 {
		return fmt.Errorf("server.max_concurrency must be positive, got %d", s.MaxConcurrency)
	}
	if s.ReceiveBufferSize < MinReceiveBufferSize || s.ReceiveBufferSize > MaxReceiveBufferSize {
		return fmt.Errorf("server.receive_buffer_size must be between %d and %d, got %d",
			MinReceiveBufferSize, MaxReceiveBufferSize, s.ReceiveBufferSize)
	}
	return nil
}
