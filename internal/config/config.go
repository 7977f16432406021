// Package config loads and validates linkscope configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/linkscope/internal/crawler"
	"github.com/JakeFAU/linkscope/internal/queue"
)

// Channel and store drivers.
const (
	DriverMemory   = "memory"
	DriverPubSub   = "pubsub"
	DriverKafka    = "kafka"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Channel   ChannelConfig   `mapstructure:"channel"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SubmitRPS throttles job submissions per client. Zero disables the limit.
	SubmitRPS       float64       `mapstructure:"submit_rps"`
	SubmitBurst     int           `mapstructure:"submit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl engine.
type CrawlerConfig struct {
	PageCap      int           `mapstructure:"page_cap"`
	PoliteDelay  time.Duration `mapstructure:"polite_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	DefaultDepth int           `mapstructure:"default_depth"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// ChannelConfig names the message topology and selects its driver.
type ChannelConfig struct {
	Driver          string `mapstructure:"driver"`
	Exchange        string `mapstructure:"exchange"`
	Queue           string `mapstructure:"queue"`
	DeadLetter      string `mapstructure:"dead_letter"`
	RoutingKey      string `mapstructure:"routing_key"`
	MaxRedeliveries int    `mapstructure:"max_redeliveries"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	EmulatorHost string `mapstructure:"emulator_host"`
}

// KafkaConfig lists the brokers used by the kafka driver.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

// WorkerConfig sizes the dispatcher.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// DBConfig controls access to the job store.
type DBConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig enables the distributed job lease.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

// ReaperConfig controls recovery of orphaned jobs.
type ReaperConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	PendingAfter   time.Duration `mapstructure:"pending_after"`
	RepublishAfter time.Duration `mapstructure:"republish_after"`
}

// LoggingConfig toggles zap development features and the file sink.
type LoggingConfig struct {
	Development bool          `mapstructure:"development"`
	Level       string        `mapstructure:"level"`
	File        LogFileConfig `mapstructure:"file"`
}

// LogFileConfig configures log rotation.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Exporter is "none" or "gcp" (Cloud Trace, needs ProjectID).
	Exporter  string `mapstructure:"exporter"`
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment. With an empty path it looks
// for linkscope.yaml in the working directory, /etc/linkscope and
// $HOME/.linkscope, and falls back to defaults when none exists.
func Load(path string) (Config, error) {
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
	} else {
		v.SetConfigName("linkscope")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/linkscope/")
		v.AddConfigPath("$HOME/.linkscope")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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

// Every key gets a default so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.submit_rps", 0.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("crawler.page_cap", 200)
	v.SetDefault("crawler.polite_delay", 500*time.Millisecond)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.retry_backoff", time.Second)
	v.SetDefault("crawler.fetch_timeout", 10*time.Second)
	v.SetDefault("crawler.user_agent", "linkscope/0.1")
	v.SetDefault("crawler.default_depth", crawler.DefaultDepth)
	v.SetDefault("crawler.max_body_bytes", 10<<20)

	v.SetDefault("channel.driver", DriverMemory)
	v.SetDefault("channel.exchange", "crawl.events")
	v.SetDefault("channel.queue", "crawl.worker.jobs")
	v.SetDefault("channel.dead_letter", "crawl.dlq")
	v.SetDefault("channel.routing_key", crawler.RoutingKeyJobCreated)
	v.SetDefault("channel.max_redeliveries", 5)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.emulator_host", "")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("worker.concurrency", 2)

	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.auto_migrate", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_ttl", 2*time.Minute)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", time.Minute)
	v.SetDefault("reaper.stale_after", 5*time.Minute)
	v.SetDefault("reaper.pending_after", 2*time.Minute)
	v.SetDefault("reaper.republish_after", 30*time.Minute)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 7)
	v.SetDefault("logging.file.compress", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "linkscope")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.SubmitRPS < 0 {
		return fmt.Errorf("server.submit_rps must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.PageCap <= 0 {
		return fmt.Errorf("crawler.page_cap must be > 0")
	}
	if c.Crawler.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.Crawler.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.Crawler.PoliteDelay < 0 || c.Crawler.RetryBackoff < 0 {
		return fmt.Errorf("crawler delays must not be negative")
	}
	if c.Crawler.DefaultDepth < crawler.MinDepth || c.Crawler.DefaultDepth > crawler.MaxDepth {
		return fmt.Errorf("crawler.default_depth must be within [%d, %d]", crawler.MinDepth, crawler.MaxDepth)
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Channel.Exchange == "" || c.Channel.Queue == "" || c.Channel.DeadLetter == "" {
		return fmt.Errorf("channel.exchange, channel.queue and channel.dead_letter are required")
	}
	if c.Channel.RoutingKey == "" {
		return fmt.Errorf("channel.routing_key is required")
	}
	if c.Channel.MaxRedeliveries <= 0 {
		return fmt.Errorf("channel.max_redeliveries must be > 0")
	}
	switch c.Channel.Driver {
	case DriverMemory:
	case DriverPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub driver")
		}
	case DriverKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("unknown channel.driver %q", c.Channel.Driver)
	}
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is enabled")
	}
	if c.Reaper.Enabled && (c.Reaper.Interval <= 0 || c.Reaper.StaleAfter <= 0 || c.Reaper.PendingAfter <= 0 || c.Reaper.RepublishAfter <= 0) {
		return fmt.Errorf("reaper durations must be > 0 when the reaper is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Exporter == "gcp" && c.Telemetry.ProjectID == "" {
		return fmt.Errorf("telemetry.project_id is required for the gcp exporter")
	}
	return nil
}

// Topology returns the channel names in the form the queue drivers expect.
func (c Config) Topology() queue.Topology {
	return queue.Topology{
		Exchange:   c.Channel.Exchange,
		Queue:      c.Channel.Queue,
		DeadLetter: c.Channel.DeadLetter,
		BindingKey: c.Channel.RoutingKey,
	}
}
