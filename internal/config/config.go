// Package config loads and validates rlunch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/oddlid/rlunch/internal/lunch"
)

// EnvPrefix prefixes every environment override, e.g. RLUNCH_DB_DSN.
const EnvPrefix = "RLUNCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Scrape  ScrapeConfig  `mapstructure:"scrape"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Cache   CacheConfig   `mapstructure:"cache"`
	DB      DBConfig      `mapstructure:"db"`
	Publish PublishConfig `mapstructure:"publish"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig controls the read API.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ScrapeConfig governs passes and the writes they produce.
type ScrapeConfig struct {
	Cron             string        `mapstructure:"cron"`
	Parallelism      int           `mapstructure:"parallelism"`
	ScraperTimeout   time.Duration `mapstructure:"scraper_timeout"`
	PassTimeout      time.Duration `mapstructure:"pass_timeout"`
	Overlap          string        `mapstructure:"overlap"`
	WriteConcurrency int           `mapstructure:"write_concurrency"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

// FetchConfig configures the upstream fetchers.
type FetchConfig struct {
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	RequestDelay        time.Duration `mapstructure:"request_delay"`
	Headless            bool          `mapstructure:"headless"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
}

// CacheConfig configures the fetch cache. SnapshotPath is a local file or a
// gs://bucket/object URL; empty disables snapshots.
type CacheConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	Capacity     int           `mapstructure:"capacity"`
	SnapshotPath string        `mapstructure:"snapshot_path"`
}

// DBConfig selects and tunes the store.
type DBConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PublishConfig selects where pass summaries go.
type PublishConfig struct {
	Backend    string `mapstructure:"backend"`
	ProjectID  string `mapstructure:"project_id"`
	Topic      string `mapstructure:"topic"`
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// LoggingConfig toggles zap development features and the encoder.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Format      string `mapstructure:"format"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Exporter    string `mapstructure:"exporter"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Publish backends.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendAMQP   = "amqp"
)

// Load builds a Config from .env, an optional config file and the
// environment, in increasing precedence. Invalid settings are reported as
// *lunch.ConfigError.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, &lunch.ConfigError{Field: "config", Err: fmt.Errorf("read %s: %w", path, err)}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, &lunch.ConfigError{Field: "config", Err: fmt.Errorf("unmarshal: %w", err)}
	}
	cfg.Server.CORSOrigins = splitList(cfg.Server.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("scrape.cron", "")
	v.SetDefault("scrape.parallelism", 4)
	v.SetDefault("scrape.scraper_timeout", "60s")
	v.SetDefault("scrape.pass_timeout", "10m")
	v.SetDefault("scrape.overlap", "queue")
	v.SetDefault("scrape.write_concurrency", 4)
	v.SetDefault("scrape.statement_timeout", "15s")
	v.SetDefault("fetch.user_agent", "rlunch/1.0 (+https://github.com/oddlid/rlunch)")
	v.SetDefault("fetch.timeout", "5s")
	v.SetDefault("fetch.request_delay", "1s")
	v.SetDefault("fetch.headless", false)
	v.SetDefault("fetch.headless_max_parallel", 1)
	v.SetDefault("cache.ttl", "20m")
	v.SetDefault("cache.capacity", 64)
	v.SetDefault("cache.snapshot_path", "")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "rlunch.db")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("publish.backend", BackendMemory)
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "rlunch-passes")
	v.SetDefault("publish.amqp_url", "")
	v.SetDefault("publish.exchange", "rlunch")
	v.SetDefault("publish.routing_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "rlunch")
	v.SetDefault("tracing.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch {
	case c.Scrape.Parallelism <= 0:
		return invalid("scrape.parallelism", "must be > 0")
	case c.Scrape.WriteConcurrency <= 0:
		return invalid("scrape.write_concurrency", "must be > 0")
	case c.Scrape.ScraperTimeout <= 0:
		return invalid("scrape.scraper_timeout", "must be > 0")
	case c.Scrape.PassTimeout < c.Scrape.ScraperTimeout:
		return invalid("scrape.pass_timeout", "must be >= scrape.scraper_timeout")
	case c.Scrape.StatementTimeout <= 0:
		return invalid("scrape.statement_timeout", "must be > 0")
	case c.Scrape.Overlap != "queue" && c.Scrape.Overlap != "skip":
		return invalid("scrape.overlap", fmt.Sprintf("unknown policy %q", c.Scrape.Overlap))
	case c.Fetch.Timeout <= 0:
		return invalid("fetch.timeout", "must be > 0")
	case c.Fetch.RequestDelay < 0:
		return invalid("fetch.request_delay", "must be >= 0")
	case c.Fetch.Headless && c.Fetch.HeadlessMaxParallel <= 0:
		return invalid("fetch.headless_max_parallel", "must be > 0 when headless is enabled")
	case c.Cache.TTL <= 0:
		return invalid("cache.ttl", "must be > 0")
	case c.Cache.Capacity <= 0:
		return invalid("cache.capacity", "must be > 0")
	}

	switch c.DB.Driver {
	case DriverPostgres, DriverSQLite:
		if strings.TrimSpace(c.DB.DSN) == "" {
			return invalid("db.dsn", fmt.Sprintf("required for driver %s", c.DB.Driver))
		}
	case DriverMemory:
	default:
		return invalid("db.driver", fmt.Sprintf("unknown driver %q", c.DB.Driver))
	}
	if c.DB.MinConns < 0 || c.DB.MaxConns < c.DB.MinConns {
		return invalid("db.max_conns", "must be >= db.min_conns >= 0")
	}

	switch c.Publish.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return invalid("publish.project_id", "project_id and topic are required for pubsub")
		}
	case BackendAMQP:
		if c.Publish.AMQPURL == "" {
			return invalid("publish.amqp_url", "required for amqp")
		}
	default:
		return invalid("publish.backend", fmt.Sprintf("unknown backend %q", c.Publish.Backend))
	}

	switch c.Logging.Format {
	case "json", "console", "pretty", "compact":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	switch c.Tracing.Exporter {
	case "none", "stdout":
	default:
		return invalid("tracing.exporter", fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter))
	}
	return nil
}

func invalid(field, msg string) error {
	return &lunch.ConfigError{Field: field, Err: errors.New(msg)}
}

// splitList accepts both YAML lists and comma separated environment values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
