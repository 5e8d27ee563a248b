// Package config loads the engine configuration from YAML with ${ENV_VAR}
// substitution, applies defaults, and validates required fields. Missing
// administrative configuration is fatal at process start, never during
// request handling.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// IndexerConfig configures the upstream indexer client.
type IndexerConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	PageSize   int           `yaml:"page_size"`
	MaxPages   int           `yaml:"max_pages"`
}

// DatabaseConfig configures the relational store. An empty URL falls back
// to the in-memory store (development only).
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the optional cache snapshot backing.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// CacheConfig sets the stale-while-revalidate policy.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	StaleLimit time.Duration `yaml:"stale_limit"`
	Debounce   time.Duration `yaml:"debounce"`
}

// Default values for optional configuration fields.
const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultIndexerTimeout  = 30 * time.Second
	DefaultMaxRetries      = 3
	DefaultPageSize        = 1000
	DefaultMaxPages        = 20
	DefaultCacheTTL        = 30 * time.Second
	DefaultCacheStaleLimit = 10 * time.Minute
	DefaultCacheDebounce   = 15 * time.Second
)

// Load reads, substitutes, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	data = substituteEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} references with environment values.
// Unset variables substitute to empty, which validation then catches for
// required fields.
func substituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Indexer.Timeout == 0 {
		c.Indexer.Timeout = DefaultIndexerTimeout
	}
	if c.Indexer.MaxRetries == 0 {
		c.Indexer.MaxRetries = DefaultMaxRetries
	}
	if c.Indexer.PageSize == 0 {
		c.Indexer.PageSize = DefaultPageSize
	}
	if c.Indexer.MaxPages == 0 {
		c.Indexer.MaxPages = DefaultMaxPages
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = DefaultCacheTTL
	}
	if c.Cache.StaleLimit == 0 {
		c.Cache.StaleLimit = DefaultCacheStaleLimit
	}
	if c.Cache.Debounce == 0 {
		c.Cache.Debounce = DefaultCacheDebounce
	}
}

// Validate checks required fields and policy coherence.
func (c *Config) Validate() error {
	if c.Indexer.BaseURL == "" {
		return fmt.Errorf("config: indexer.base_url is required")
	}
	if c.Cache.StaleLimit < c.Cache.TTL {
		return fmt.Errorf("config: cache.stale_limit must be >= cache.ttl")
	}
	if c.Indexer.PageSize < 0 || c.Indexer.PageSize > 1000 {
		return fmt.Errorf("config: indexer.page_size must be in (0, 1000]")
	}
	return nil
}
