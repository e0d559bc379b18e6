package storage

import (
	"context"
	"fmt"
	"time"

	"domainlens/pkg/config"
)

// Storage defines the interface for query log backends.
// Implementations must be thread-safe and support concurrent access.
type Storage interface {
	// Query logging
	LogQuery(ctx context.Context, query *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	GetQueriesByDomain(ctx context.Context, domain string, limit int) ([]*QueryLog, error)

	// Statistics
	GetStatistics(ctx context.Context, since time.Time) (*Statistics, error)
	GetTopDomains(ctx context.Context, limit int) ([]*DomainStats, error)

	// Maintenance
	Cleanup(ctx context.Context, olderThan time.Time) error
	Close() error
	Ping(ctx context.Context) error
}

// Query outcomes as recorded in the log.
const (
	OutcomeAnswered   = "answered"
	OutcomeNoResponse = "no_response"
	OutcomeFormErr    = "formerr"
	OutcomeNXDomain   = "nxdomain"
	OutcomeRefused    = "refused"
	OutcomeDropped    = "dropped"
)

// QueryLog represents a single handled query.
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	Domain         string    `json:"domain"`
	QueryType      string    `json:"query_type"`
	Outcome        string    `json:"outcome"`
	Rule           string    `json:"rule,omitempty"`
	ID             int64     `json:"id"`
	ResponseCode   int       `json:"response_code"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Matched        bool      `json:"matched"`
}

// Statistics represents aggregated query statistics
type Statistics struct {
	Since             time.Time        `json:"since"`
	Until             time.Time        `json:"until"`
	Outcomes          map[string]int64 `json:"outcomes"`
	TotalQueries      int64            `json:"total_queries"`
	MatchedQueries    int64            `json:"matched_queries"`
	UniqueDomains     int64            `json:"unique_domains"`
	UniqueClients     int64            `json:"unique_clients"`
	AvgResponseTimeMs float64          `json:"avg_response_time_ms"`
	MatchRate         float64          `json:"match_rate"` // Percentage of queries found in the index
}

// DomainStats represents statistics for a specific domain
type DomainStats struct {
	LastQueried time.Time `json:"last_queried"`
	Domain      string    `json:"domain"`
	QueryCount  int64     `json:"query_count"`
	Matched     bool      `json:"matched"`
}

// BufferStats reports utilization of the write buffer.
type BufferStats struct {
	Size      int `json:"size"`
	Capacity  int `json:"capacity"`
	HighWater int `json:"high_water"`
}

// Config represents storage configuration
type Config struct {
	Path          string        `yaml:"path"`
	BusyTimeout   int           `yaml:"busy_timeout"` // milliseconds
	CacheSize     int           `yaml:"cache_size"`   // KB
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	WALMode       bool          `yaml:"wal_mode"`
	Enabled       bool          `yaml:"enabled"`
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          "./domainlens.db",
		BusyTimeout:   5000,
		CacheSize:     4096,
		WALMode:       true,
		BufferSize:    1000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
	}
}

// FromConfig derives a storage configuration from the application config.
func FromConfig(c config.StorageConfig) Config {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	if c.Path != "" {
		cfg.Path = c.Path
	}
	if c.BufferSize > 0 {
		cfg.BufferSize = c.BufferSize
	}
	if c.BatchSize > 0 {
		cfg.BatchSize = c.BatchSize
	}
	if c.FlushInterval > 0 {
		cfg.FlushInterval = c.FlushInterval
	}
	return cfg
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Path == "" {
		return fmt.Errorf("%w: path is required", ErrInvalidConfig)
	}
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer_size must be positive", ErrInvalidConfig)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("%w: flush_interval must be positive", ErrInvalidConfig)
	}
	return nil
}
