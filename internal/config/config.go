// Package config loads and validates service configuration via Viper.
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

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Index        IndexConfig        `mapstructure:"index"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Enrichment   EnrichmentConfig   `mapstructure:"enrichment"`
	Search       SearchConfig       `mapstructure:"search"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Reports      ReportsConfig      `mapstructure:"reports"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Runner       RunnerConfig       `mapstructure:"runner"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// SourcesConfig points at the YAML source catalog.
type SourcesConfig struct {
	Path string `mapstructure:"path"`
}

// IndexConfig names the logical indices and the generation naming prefix.
type IndexConfig struct {
	Prefix  string   `mapstructure:"prefix"`
	Targets []string `mapstructure:"targets"`
	// Aliases lists the logical indices whose aliases the coordinator swaps.
	// It defaults to Targets. Names no pipeline writes to are skipped.
	Aliases           []string `mapstructure:"aliases"`
	BulkSize          int      `mapstructure:"bulk_size"`
	DefaultSearchSize int      `mapstructure:"default_search_size"`
	MaxSearchSize     int      `mapstructure:"max_search_size"`
}

// FetchConfig governs page transport and extraction concurrency.
type FetchConfig struct {
	UserAgent      string  `mapstructure:"user_agent"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RespectRobots  bool    `mapstructure:"respect_robots"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	Workers        int     `mapstructure:"workers"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
	SettleMillis  int  `mapstructure:"settle_ms"`
}

// EnrichmentConfig selects and tunes the enrichment tasks.
type EnrichmentConfig struct {
	Tasks []string  `mapstructure:"tasks"`
	OCR   OCRConfig `mapstructure:"ocr"`
}

// OCRConfig configures the external OCR invocation.
type OCRConfig struct {
	Binary         string `mapstructure:"binary"`
	Language       string `mapstructure:"language"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	TempDir        string `mapstructure:"temp_dir"`
}

// SearchConfig selects the search backend.
type SearchConfig struct {
	Backend       string              `mapstructure:"backend"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

// ElasticsearchConfig holds cluster connection settings.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	APIKey    string   `mapstructure:"api_key"`
}

// CoordinationConfig selects the shared KV store used for run tracking.
type CoordinationConfig struct {
	Backend          string      `mapstructure:"backend"`
	KeyPrefix        string      `mapstructure:"key_prefix"`
	IntervalSeconds  int         `mapstructure:"interval_seconds"`
	EvaluateAfterRun bool        `mapstructure:"evaluate_after_run"`
	Redis            RedisConfig `mapstructure:"redis"`
	NATS             NATSConfig  `mapstructure:"nats"`
}

// RedisConfig holds Redis connection settings. Status and cache live in
// separate logical databases.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	CacheDB  int    `mapstructure:"cache_db"`
}

// NATSConfig holds JetStream KV settings.
type NATSConfig struct {
	URL            string `mapstructure:"url"`
	Bucket         string `mapstructure:"bucket"`
	CacheBucket    string `mapstructure:"cache_bucket"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ArchiveConfig selects where raw payloads are archived.
type ArchiveConfig struct {
	Backend string      `mapstructure:"backend"`
	Prefix  string      `mapstructure:"prefix"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
}

// LocalConfig holds the filesystem archive root.
type LocalConfig struct {
	Path string `mapstructure:"path"`
}

// GCSConfig holds the Cloud Storage archive bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// S3Config holds S3-compatible archive settings.
type S3Config struct {
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Region       string `mapstructure:"region"`
	Bucket       string `mapstructure:"bucket"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

// ReportsConfig tunes the item report hub and its Postgres sink.
type ReportsConfig struct {
	BufferSize     int            `mapstructure:"buffer_size"`
	MaxBatchEvents int            `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int            `mapstructure:"max_batch_wait_ms"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls access to the report database. An empty DSN
// disables the sink.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn"`
	RunsTable     string `mapstructure:"runs_table"`
	FailuresTable string `mapstructure:"failures_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// NotifyConfig selects where alias swap announcements are published.
type NotifyConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	BatchTimeoutMs int      `mapstructure:"batch_timeout_ms"`
}

// RunnerConfig sizes the run queue and worker pool.
type RunnerConfig struct {
	Workers           int `mapstructure:"workers"`
	QueueDepth        int `mapstructure:"queue_depth"`
	RunTimeoutMinutes int `mapstructure:"run_timeout_minutes"`
}

var (
	searchBackends  = []string{"memory", "elasticsearch"}
	coordBackends   = []string{"memory", "redis", "nats"}
	archiveBackends = []string{"none", "memory", "local", "gcs", "s3"}
	notifyBackends  = []string{"none", "memory", "pubsub", "kafka"}
)

// Load builds a Config from disk and environment. Variables from a .env file
// in the working directory are applied first when one exists.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("AGENDA")
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
	if len(cfg.Index.Aliases) == 0 {
		cfg.Index.Aliases = append([]string(nil), cfg.Index.Targets...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("sources.path", "sources.yaml")
	v.SetDefault("index.prefix", "oaa")
	v.SetDefault("index.targets", []string{"combined_index", "data_items"})
	v.SetDefault("index.aliases", []string{})
	v.SetDefault("index.bulk_size", 250)
	v.SetDefault("index.default_search_size", 10)
	v.SetDefault("index.max_search_size", 100)
	v.SetDefault("fetch.user_agent", "open-agenda-api/0.1")
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("enrichment.ocr.binary", "docsplit")
	v.SetDefault("enrichment.ocr.language", "nld")
	v.SetDefault("enrichment.ocr.timeout_seconds", 120)
	v.SetDefault("search.backend", "memory")
	v.SetDefault("search.elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("coordination.backend", "memory")
	v.SetDefault("coordination.key_prefix", "pipeline_")
	v.SetDefault("coordination.interval_seconds", 30)
	v.SetDefault("coordination.evaluate_after_run", true)
	v.SetDefault("coordination.redis.addr", "localhost:6379")
	v.SetDefault("coordination.redis.db", 0)
	v.SetDefault("coordination.redis.cache_db", 1)
	v.SetDefault("coordination.nats.url", "nats://localhost:4222")
	v.SetDefault("coordination.nats.bucket", "agenda_runs")
	v.SetDefault("coordination.nats.cache_bucket", "agenda_cache")
	v.SetDefault("coordination.nats.timeout_seconds", 5)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("archive.local.path", "data/archive")
	v.SetDefault("reports.buffer_size", 4096)
	v.SetDefault("reports.max_batch_events", 1000)
	v.SetDefault("reports.max_batch_wait_ms", 500)
	v.SetDefault("reports.postgres.runs_table", "source_runs")
	v.SetDefault("reports.postgres.failures_table", "item_failures")
	v.SetDefault("reports.postgres.max_conns", 4)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic", "alias_swapped")
	v.SetDefault("notify.kafka.batch_timeout_ms", 100)
	v.SetDefault("runner.workers", 1)
	v.SetDefault("runner.queue_depth", 16)
	v.SetDefault("runner.run_timeout_minutes", 0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Index.Prefix == "" {
		return fmt.Errorf("index.prefix is required")
	}
	if len(c.Index.Targets) == 0 {
		return fmt.Errorf("index.targets must name at least one logical index")
	}
	if len(c.Index.Aliases) == 0 {
		return fmt.Errorf("index.aliases must name at least one logical index")
	}
	if c.Index.BulkSize <= 0 {
		return fmt.Errorf("index.bulk_size must be > 0")
	}
	if c.Index.DefaultSearchSize <= 0 || c.Index.DefaultSearchSize > c.Index.MaxSearchSize {
		return fmt.Errorf("index.default_search_size must be within 1..index.max_search_size")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Enrichment.OCR.TimeoutSeconds <= 0 {
		return fmt.Errorf("enrichment.ocr.timeout_seconds must be > 0")
	}
	if err := oneOf("search.backend", c.Search.Backend, searchBackends); err != nil {
		return err
	}
	if c.Search.Backend == "elasticsearch" && len(c.Search.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("search.elasticsearch.addresses is required for the elasticsearch backend")
	}
	if err := c.validateCoordination(); err != nil {
		return err
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if err := oneOf("notify.backend", c.Notify.Backend, notifyBackends); err != nil {
		return err
	}
	switch c.Notify.Backend {
	case "pubsub":
		if c.Notify.PubSub.ProjectID == "" {
			return fmt.Errorf("notify.pubsub.project_id is required for the pubsub backend")
		}
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers is required for the kafka backend")
		}
	}
	if c.Runner.Workers <= 0 {
		return fmt.Errorf("runner.workers must be > 0")
	}
	if c.Runner.QueueDepth <= 0 {
		return fmt.Errorf("runner.queue_depth must be > 0")
	}
	return nil
}

func (c Config) validateCoordination() error {
	cc := c.Coordination
	if err := oneOf("coordination.backend", cc.Backend, coordBackends); err != nil {
		return err
	}
	if cc.KeyPrefix == "" {
		return fmt.Errorf("coordination.key_prefix is required")
	}
	if cc.IntervalSeconds <= 0 {
		return fmt.Errorf("coordination.interval_seconds must be > 0")
	}
	switch cc.Backend {
	case "redis":
		if cc.Redis.Addr == "" {
			return fmt.Errorf("coordination.redis.addr is required for the redis backend")
		}
		if cc.Redis.DB == cc.Redis.CacheDB {
			return fmt.Errorf("coordination.redis.cache_db must differ from coordination.redis.db")
		}
	case "nats":
		if cc.NATS.URL == "" || cc.NATS.Bucket == "" || cc.NATS.CacheBucket == "" {
			return fmt.Errorf("coordination.nats url, bucket and cache_bucket are required for the nats backend")
		}
		if cc.NATS.Bucket == cc.NATS.CacheBucket {
			return fmt.Errorf("coordination.nats.cache_bucket must differ from coordination.nats.bucket")
		}
	}
	return nil
}

func (c Config) validateArchive() error {
	ac := c.Archive
	if err := oneOf("archive.backend", ac.Backend, archiveBackends); err != nil {
		return err
	}
	switch ac.Backend {
	case "local":
		if ac.Local.Path == "" {
			return fmt.Errorf("archive.local.path is required for the local backend")
		}
	case "gcs":
		if ac.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs backend")
		}
	case "s3":
		if ac.S3.Endpoint == "" || ac.S3.Bucket == "" {
			return fmt.Errorf("archive.s3 endpoint and bucket are required for the s3 backend")
		}
	}
	return nil
}

func oneOf(key, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// FetchTimeout returns the per-request transport timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// CoordinationInterval returns the coordinator polling period.
func (c Config) CoordinationInterval() time.Duration {
	return time.Duration(c.Coordination.IntervalSeconds) * time.Second
}

// RequestTimeout returns the HTTP handler timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
