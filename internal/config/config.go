// Package config loads and validates reconciler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Push transports.
const (
	TransportNone      = "none"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportPubSub    = "pubsub"
)

// Poll sources.
const (
	SourceNone     = "none"
	SourceHTTP     = "http"
	SourcePostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Push     PushConfig     `mapstructure:"push"`
	Poll     PollConfig     `mapstructure:"poll"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
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

// EngineConfig tunes the progress engine and its retention sweep.
type EngineConfig struct {
	BufferSize         int    `mapstructure:"buffer_size"`
	MaxBatchChanges    int    `mapstructure:"max_batch_changes"`
	SinkTimeoutSeconds int    `mapstructure:"sink_timeout_seconds"`
	RetentionSeconds   int    `mapstructure:"retention_seconds"`
	SweepSchedule      string `mapstructure:"sweep_schedule"`
}

// PushConfig selects and configures the push transport.
type PushConfig struct {
	Transport          string `mapstructure:"transport"`
	URL                string `mapstructure:"url"`
	Token              string `mapstructure:"token"`
	TokenInQuery       bool   `mapstructure:"token_in_query"`
	ReadTimeoutSeconds int    `mapstructure:"read_timeout_seconds"`
	BackoffInitialMs   int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
}

// PollConfig selects the snapshot source and the polling cadence.
type PollConfig struct {
	Source          string  `mapstructure:"source"`
	BaseURL         string  `mapstructure:"base_url"`
	Resource        string  `mapstructure:"resource"`
	Token           string  `mapstructure:"token"`
	Kind            string  `mapstructure:"kind"`
	BatchSize       int     `mapstructure:"batch_size"`
	Concurrency     int     `mapstructure:"concurrency"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds"`
}

// DatabaseConfig controls the Postgres snapshot source.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds the subscription the pubsub transport receives from and
// the optional topic that terminal transitions are published to.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	TerminalTopic  string `mapstructure:"terminal_topic"`
}

// Load builds a Config from an optional file, optional dotenv files and the
// PROGRESS_* environment. Dotenv values never override the real environment.
// With no envFiles, ./.env is loaded when present.
func Load(path string, envFiles ...string) (Config, error) {
	if err := loadDotEnv(envFiles); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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

func loadDotEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("engine.buffer_size", 1024)
	v.SetDefault("engine.max_batch_changes", 256)
	v.SetDefault("engine.sink_timeout_seconds", 10)
	v.SetDefault("engine.retention_seconds", 600)
	v.SetDefault("engine.sweep_schedule", "@every 1m")
	v.SetDefault("push.transport", TransportNone)
	v.SetDefault("push.url", "")
	v.SetDefault("push.token", "")
	v.SetDefault("push.token_in_query", false)
	v.SetDefault("push.read_timeout_seconds", 60)
	v.SetDefault("push.backoff_initial_ms", 500)
	v.SetDefault("push.backoff_max_ms", 30000)
	v.SetDefault("poll.source", SourceNone)
	v.SetDefault("poll.base_url", "")
	v.SetDefault("poll.resource", "jobs")
	v.SetDefault("poll.token", "")
	v.SetDefault("poll.kind", "")
	v.SetDefault("poll.batch_size", 50)
	v.SetDefault("poll.concurrency", 4)
	v.SetDefault("poll.rps", 5.0)
	v.SetDefault("poll.burst", 5)
	v.SetDefault("poll.interval_seconds", 5)
	v.SetDefault("poll.timeout_seconds", 10)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "job_progress")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription_id", "")
	v.SetDefault("pubsub.max_outstanding", 100)
	v.SetDefault("pubsub.terminal_topic", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Engine.BufferSize <= 0 {
		return fmt.Errorf("engine.buffer_size must be > 0")
	}
	if c.Engine.RetentionSeconds < 0 {
		return fmt.Errorf("engine.retention_seconds must be >= 0")
	}
	if c.Engine.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Engine.SweepSchedule); err != nil {
			return fmt.Errorf("engine.sweep_schedule: %w", err)
		}
	}
	if c.PubSub.TerminalTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.terminal_topic is set")
	}
	if err := c.validatePush(); err != nil {
		return err
	}
	return c.validatePoll()
}

func (c Config) validatePush() error {
	switch c.Push.Transport {
	case "", TransportNone:
	case TransportSSE, TransportWebSocket:
		if c.Push.URL == "" {
			return fmt.Errorf("push.url must be set for the %s transport", c.Push.Transport)
		}
	case TransportPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.SubscriptionID == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.subscription_id must be set for the pubsub transport")
		}
	default:
		return fmt.Errorf("push.transport %q is not one of none, sse, websocket, pubsub", c.Push.Transport)
	}
	if c.Push.BackoffMaxMs < c.Push.BackoffInitialMs {
		return fmt.Errorf("push.backoff_max_ms must be >= push.backoff_initial_ms")
	}
	return nil
}

func (c Config) validatePoll() error {
	switch c.Poll.Source {
	case "", SourceNone:
		return nil
	case SourceHTTP:
		if c.Poll.BaseURL == "" {
			return fmt.Errorf("poll.base_url must be set for the http source")
		}
	case SourcePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres source")
		}
	default:
		return fmt.Errorf("poll.source %q is not one of none, http, postgres", c.Poll.Source)
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}
	if c.Poll.TimeoutSeconds <= 0 {
		return fmt.Errorf("poll.timeout_seconds must be > 0")
	}
	return nil
}

// RequestTimeout bounds non-streaming HTTP handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Retention is how long terminal records stay in memory.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Engine.RetentionSeconds) * time.Second
}

// SinkTimeout bounds each sink call.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Engine.SinkTimeoutSeconds) * time.Second
}

// PollInterval is the scheduler tick.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// PollTimeout bounds one poll round.
func (c Config) PollTimeout() time.Duration {
	return time.Duration(c.Poll.TimeoutSeconds) * time.Second
}

// PushReadTimeout bounds silence on a WebSocket connection.
func (c Config) PushReadTimeout() time.Duration {
	return time.Duration(c.Push.ReadTimeoutSeconds) * time.Second
}

// PushBackoff returns the reconnect delay bounds.
func (c Config) PushBackoff() (base, maxDelay time.Duration) {
	return time.Duration(c.Push.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Push.BackoffMaxMs) * time.Millisecond
}
