// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage drivers accepted by storage.driver.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// ShutdownTimeoutSeconds bounds the drain on shutdown; 0 waits forever.
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
}

// CrawlerConfig governs the crawl engine.
type CrawlerConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	MaxDepthDefault  int `mapstructure:"max_depth_default"`
	MaxPagesPerBatch int `mapstructure:"max_pages_per_batch"`
}

// HTTPConfig configures the page fetcher.
type HTTPConfig struct {
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	MaxRedirects int    `mapstructure:"max_redirects"`
	UserAgent    string `mapstructure:"user_agent"`
	MaxBodyBytes int    `mapstructure:"max_body_bytes"`
}

// StorageConfig selects and configures the batch store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// ProgressConfig sizes the progress hub and names the notification topic.
// Notifications go to Pub/Sub when PubSubProjectID is set and are kept in
// memory otherwise.
type ProgressConfig struct {
	BufferSize      int    `mapstructure:"buffer_size"`
	PubSubProjectID string `mapstructure:"pubsub_project_id"`
	PubSubTopic     string `mapstructure:"pubsub_topic"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from .env, disk and environment, in increasing
// precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 0)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("crawler.concurrency", 50)
	v.SetDefault("crawler.max_depth_default", 5)
	v.SetDefault("crawler.max_pages_per_batch", 1000)
	v.SetDefault("http.timeout_ms", 10000)
	v.SetDefault("http.max_redirects", 4)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; url-crawler/1.0)")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.sqlite_path", "data/url-crawler.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.max_conns", 10)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.pubsub_project_id", "")
	v.SetDefault("progress.pubsub_topic", "crawl-batches")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "url-crawler")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		return errors.New("server.shutdown_timeout_seconds must be >= 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return errors.New("crawler.concurrency must be > 0")
	}
	if c.Crawler.MaxPagesPerBatch <= 0 {
		return errors.New("crawler.max_pages_per_batch must be > 0")
	}
	if c.Crawler.MaxDepthDefault < 0 {
		return errors.New("crawler.max_depth_default must be >= 0")
	}
	if c.HTTP.TimeoutMs <= 0 {
		return errors.New("http.timeout_ms must be > 0")
	}
	if c.HTTP.MaxRedirects < 0 {
		return errors.New("http.max_redirects must be >= 0")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}
	if c.Progress.PubSubProjectID != "" && c.Progress.PubSubTopic == "" {
		return errors.New("progress.pubsub_topic must be set when a Pub/Sub project is configured")
	}
	return nil
}

// FetchTimeout converts http.timeout_ms to a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the drain bound; zero means unbounded.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout bounds each API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
