// Package config loads and validates listingwatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/listingwatch/internal/crawler"
	collyfetcher "github.com/JakeFAU/listingwatch/internal/fetcher/colly"
)

// Backend names accepted by the provider switches.
const (
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendBlob     = "blob"
	BackendRedis    = "redis"
	BackendLog      = "log"
	BackendPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Parser     ParserConfig     `mapstructure:"parser"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl engine, fetcher and rate limiter.
type CrawlerConfig struct {
	SearchTemplate  string        `mapstructure:"search_template"`
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	JitterMin       time.Duration `mapstructure:"jitter_min"`
	JitterMax       time.Duration `mapstructure:"jitter_max"`
	Strict          bool          `mapstructure:"strict"`
	SponsoredLabels []string      `mapstructure:"sponsored_labels"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// ParserConfig holds the CSS selectors used to extract listings.
type ParserConfig = collyfetcher.Selectors

// ScheduleConfig controls periodic crawl cycles in serve mode.
type ScheduleConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// CheckpointConfig names the registry document.
type CheckpointConfig struct {
	Object string `mapstructure:"object"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend  string                `mapstructure:"backend"`
	Local    LocalStorageConfig    `mapstructure:"local"`
	GCS      GCSStorageConfig      `mapstructure:"gcs"`
	Postgres PostgresStorageConfig `mapstructure:"postgres"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSStorageConfig configures the Cloud Storage backend.
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PostgresStorageConfig configures the Postgres backend.
type PostgresStorageConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig controls raw page archiving.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Prefix   string `mapstructure:"prefix"`
	MaxBytes int    `mapstructure:"max_bytes"`
}

// LedgerConfig selects the delivered-link ledger backend.
type LedgerConfig struct {
	Backend string            `mapstructure:"backend"`
	Object  string            `mapstructure:"object"`
	Redis   RedisLedgerConfig `mapstructure:"redis"`
}

// RedisLedgerConfig configures the Redis ledger.
type RedisLedgerConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// NotifierConfig selects the notification publisher.
type NotifierConfig struct {
	Publisher string       `mapstructure:"publisher"`
	PubSub    PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
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
	sel := collyfetcher.DefaultSelectors()

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.search_template", crawler.DefaultSearchTemplate)
	v.SetDefault("crawler.user_agent", "listingwatch/1.0")
	v.SetDefault("crawler.request_timeout", collyfetcher.DefaultTimeout)
	v.SetDefault("crawler.min_interval", "1s")
	v.SetDefault("crawler.jitter_min", "1s")
	v.SetDefault("crawler.jitter_max", "30s")
	v.SetDefault("crawler.strict", false)
	v.SetDefault("crawler.sponsored_labels", crawler.DefaultSponsoredLabels)
	v.SetDefault("crawler.queue_size", 64)
	v.SetDefault("parser.results", sel.Results)
	v.SetDefault("parser.item", sel.Item)
	v.SetDefault("parser.link", sel.Link)
	v.SetDefault("parser.title", sel.Title)
	v.SetDefault("parser.description", sel.Description)
	v.SetDefault("parser.price", sel.Price)
	v.SetDefault("parser.added", sel.Added)
	v.SetDefault("parser.image", sel.Image)
	v.SetDefault("parser.image_attr", sel.ImageAttr)
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.interval", "30m")
	v.SetDefault("schedule.run_on_start", false)
	v.SetDefault("checkpoint.object", "results.json")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("storage.postgres.table", "listingwatch_objects")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.max_bytes", 5*1024*1024)
	v.SetDefault("ledger.backend", BackendBlob)
	v.SetDefault("ledger.object", "delivered.json")
	v.SetDefault("ledger.redis.prefix", "listingwatch:delivered:")
	v.SetDefault("notifier.publisher", BackendLog)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	check(c.Server.Port > 0, "server.port must be > 0")
	check(!c.Auth.Enabled || c.Auth.APIKey != "", "auth.api_key must be set when auth is enabled")
	check(c.Crawler.RequestTimeout > 0, "crawler.request_timeout must be > 0")
	check(c.Crawler.MinInterval >= 0, "crawler.min_interval must be >= 0")
	check(c.Crawler.JitterMin >= 0, "crawler.jitter_min must be >= 0")
	check(c.Crawler.JitterMax >= c.Crawler.JitterMin, "crawler.jitter_max must be >= crawler.jitter_min")
	check(c.Crawler.QueueSize > 0, "crawler.queue_size must be > 0")
	check(c.Parser.Item != "" && c.Parser.Link != "", "parser.item and parser.link must be set")
	check(!c.Schedule.Enabled || c.Schedule.Interval > 0, "schedule.interval must be > 0 when scheduling is enabled")
	check(c.Checkpoint.Object != "", "checkpoint.object must be set")
	check(c.Archive.MaxBytes >= 0, "archive.max_bytes must be >= 0")

	switch c.Storage.Backend {
	case BackendLocal:
		check(c.Storage.Local.BaseDir != "", "storage.local.base_dir must be set for the local backend")
	case BackendGCS:
		check(c.Storage.GCS.Bucket != "", "storage.gcs.bucket must be set for the gcs backend")
	case BackendPostgres:
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn must be set for the postgres backend")
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of %s, got %q",
			strings.Join([]string{BackendLocal, BackendGCS, BackendPostgres, BackendMemory}, ", "), c.Storage.Backend))
	}

	ledgers := []string{BackendBlob, BackendRedis, BackendMemory}
	check(slices.Contains(ledgers, c.Ledger.Backend),
		"ledger.backend must be one of %s, got %q", strings.Join(ledgers, ", "), c.Ledger.Backend)
	check(c.Ledger.Backend != BackendRedis || c.Ledger.Redis.URL != "",
		"ledger.redis.url must be set for the redis ledger")
	check(c.Ledger.Backend != BackendBlob || c.Ledger.Object != "",
		"ledger.object must be set for the blob ledger")

	publishers := []string{BackendLog, BackendPubSub, BackendMemory}
	check(slices.Contains(publishers, c.Notifier.Publisher),
		"notifier.publisher must be one of %s, got %q", strings.Join(publishers, ", "), c.Notifier.Publisher)
	check(c.Notifier.Publisher != BackendPubSub ||
		(c.Notifier.PubSub.ProjectID != "" && c.Notifier.PubSub.TopicName != ""),
		"notifier.pubsub.project_id and notifier.pubsub.topic_name must be set for the pubsub publisher")

	return errors.Join(errs...)
}

// EngineConfig converts the crawler section into engine settings.
func (c Config) EngineConfig() crawler.Config {
	return crawler.Config{
		SearchTemplate:  c.Crawler.SearchTemplate,
		UserAgent:       c.Crawler.UserAgent,
		JitterMin:       c.Crawler.JitterMin,
		JitterMax:       c.Crawler.JitterMax,
		Strict:          c.Crawler.Strict,
		SponsoredLabels: c.Crawler.SponsoredLabels,
	}
}
