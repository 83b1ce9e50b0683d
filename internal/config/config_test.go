package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, TransportNone, cfg.Push.Transport)
	require.Equal(t, SourceNone, cfg.Poll.Source)
	require.Equal(t, "jobs", cfg.Poll.Resource)
	require.Equal(t, "job_progress", cfg.Database.Table)
	require.Equal(t, 10*time.Minute, cfg.Retention())
	require.Equal(t, 5*time.Second, cfg.PollInterval())
	base, maxDelay := cfg.PushBackoff()
	require.Equal(t, 500*time.Millisecond, base)
	require.Equal(t, 30*time.Second, maxDelay)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: warn
engine:
  retention_seconds: 60
  sweep_schedule: "*/5 * * * *"
push:
  transport: sse
  url: https://push.example.com/events
  token: abc
  token_in_query: true
poll:
  source: postgres
  interval_seconds: 2
database:
  dsn: postgres://localhost/progress
  table: reporting.job_progress
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, time.Minute, cfg.Retention())
	require.Equal(t, TransportSSE, cfg.Push.Transport)
	require.True(t, cfg.Push.TokenInQuery)
	require.Equal(t, SourcePostgres, cfg.Poll.Source)
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, "reporting.job_progress", cfg.Database.Table)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PROGRESS_SERVER_PORT", "9999")
	t.Setenv("PROGRESS_POLL_SOURCE", "http")
	t.Setenv("PROGRESS_POLL_BASE_URL", "https://api.example.com/v1")
	t.Setenv("PROGRESS_POLL_RPS", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Server.Port)
	require.Equal(t, SourceHTTP, cfg.Poll.Source)
	require.Equal(t, "https://api.example.com/v1", cfg.Poll.BaseURL)
	require.InDelta(t, 2.5, cfg.Poll.RPS, 0.001)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PROGRESS_POLL_KIND=source\nPROGRESS_SERVER_PORT=7070\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("PROGRESS_POLL_KIND")
	})
	// The real environment wins over the dotenv file.
	t.Setenv("PROGRESS_SERVER_PORT", "6060")

	cfg, err := Load("", path)
	require.NoError(t, err)
	require.Equal(t, "source", cfg.Poll.Kind)
	require.Equal(t, 6060, cfg.Server.Port)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}

func TestLoadRejectsBadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "zero buffer", mutate: func(c *Config) { c.Engine.BufferSize = 0 }, want: "engine.buffer_size"},
		{name: "bad schedule", mutate: func(c *Config) { c.Engine.SweepSchedule = "every minute" }, want: "engine.sweep_schedule"},
		{name: "unknown transport", mutate: func(c *Config) { c.Push.Transport = "carrier-pigeon" }, want: "push.transport"},
		{name: "sse without url", mutate: func(c *Config) { c.Push.Transport = TransportSSE }, want: "push.url"},
		{
			name:   "pubsub without subscription",
			mutate: func(c *Config) { c.Push.Transport = TransportPubSub; c.PubSub.ProjectID = "p" },
			want:   "pubsub.subscription_id",
		},
		{name: "topic without project", mutate: func(c *Config) { c.PubSub.TerminalTopic = "done" }, want: "pubsub.project_id"},
		{name: "inverted backoff", mutate: func(c *Config) { c.Push.BackoffMaxMs = 1 }, want: "push.backoff_max_ms"},
		{name: "unknown source", mutate: func(c *Config) { c.Poll.Source = "ftp" }, want: "poll.source"},
		{name: "http without base url", mutate: func(c *Config) { c.Poll.Source = SourceHTTP }, want: "poll.base_url"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Poll.Source = SourcePostgres }, want: "database.dsn"},
		{
			name: "zero poll interval",
			mutate: func(c *Config) {
				c.Poll.Source = SourceHTTP
				c.Poll.BaseURL = "https://api.example.com"
				c.Poll.IntervalSeconds = 0
			},
			want: "poll.interval_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
