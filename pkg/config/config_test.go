package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAgentConfig(t *testing.T) {
	path := writeFile(t, "agent.yaml", `server:
  url: https://watch.example.com
agent:
  name: front-desk
  bootstrap_identifier: 0f8e1d0c
storage:
  path: /srv/backups
reporting:
  interval_s: 120
`)
	t.Setenv("BACKUPWATCH_AGENT_SERVER_REQUEST_TIMEOUT", "25")
	t.Setenv("BACKUPWATCH_AGENT_STORAGE_PATH", "/data/backups")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "front-desk", cfg.Agent.Name)
	require.Equal(t, "0f8e1d0c", cfg.Agent.BootstrapIdentifier)
	require.Equal(t, "/data/backups", cfg.Storage.Path)
	require.Equal(t, 120, cfg.Reporting.Interval)
	require.Equal(t, 25, cfg.Server.RequestTimeout)
	require.Equal(t, 500, cfg.Server.RetryInitialMs)
}

func TestAgentConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AgentConfig)
		wantErr string
	}{
		{"valid", func(c *AgentConfig) {}, ""},
		{"missing url", func(c *AgentConfig) { c.Server.URL = "" }, "server URL is required"},
		{"short interval", func(c *AgentConfig) { c.Reporting.Interval = 5 }, "reporting interval"},
		{"plain http", func(c *AgentConfig) { c.Server.URL = "http://watch.example.com" }, "must be https"},
		{"loopback http", func(c *AgentConfig) { c.Server.URL = "http://localhost:8080" }, ""},
		{"missing name", func(c *AgentConfig) { c.Agent.Name = "" }, "Name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Agent.Name = "a1"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadServerConfig(t *testing.T) {
	path := writeFile(t, "server.yaml", `http:
  listen: ":9090"
identity:
  hash_salt: 0123456789abcdef0123
admin:
  token: admin-token-0123456789
evaluation:
  interval_s: 60
notify:
  webhook_url: https://relay.example.com/alerts
`)
	t.Setenv("BACKUPWATCH_NOTIFY_SLACK_TOKEN", "xoxb-1")
	t.Setenv("BACKUPWATCH_NOTIFY_SLACK_CHANNEL", "C42")

	cfg, err := LoadServer(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, ":9090", cfg.HTTP.Listen)
	require.Equal(t, "xoxb-1", cfg.Notify.SlackToken)
	require.Equal(t, "C42", cfg.Notify.SlackChannel)
	require.Equal(t, 2, cfg.Evaluation.FleetMinAgents)
	require.EqualValues(t, 60, cfg.EvaluationInterval().Seconds())
}

func TestServerConfigRequiresSecrets(t *testing.T) {
	cfg := DefaultServerConfig()
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "HashSalt")

	cfg.Identity.HashSalt = strings.Repeat("s", 16)
	cfg.Admin.Token = strings.Repeat("t", 16)
	require.NoError(t, cfg.Validate())

	cfg.Notify.KafkaBrokers = "localhost:9092"
	require.Error(t, cfg.Validate())
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggingConfig{Level: "warn", JSON: true}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")

	require.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	require.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger := NewLogger(LoggingConfig{Level: "info", JSON: true, File: path, MaxSizeMB: 1}, &bytes.Buffer{})
	logger.Info().Msg("rotated output")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "rotated output")
}
