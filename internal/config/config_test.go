package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monostream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.Broker.MaxMessages)
	assert.Equal(t, 100*time.Millisecond, cfg.Broker.PollInterval)
	assert.Equal(t, []TopicConfig{
		{Name: "user_events", Partitions: 3},
		{Name: "sensor_data", Partitions: 2},
		{Name: "processed_events", Partitions: 2},
	}, cfg.Topics)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  http_addr: ":7000"
storage:
  backend: badger
broker:
  max_messages: 25
  poll_interval: 250ms
topics:
  - name: orders
    partitions: 6
processors:
  event_aggregator:
    enabled: false
logging:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.Server.HTTPAddr)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 25, cfg.Broker.MaxMessages)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.PollInterval)
	assert.Equal(t, []TopicConfig{{Name: "orders", Partitions: 6}}, cfg.Topics)
	assert.False(t, cfg.Processors.EventAggregator.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)

	// untouched sections keep defaults
	assert.Equal(t, 1.0, cfg.Generators.DelayScale)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeFile(t, "broker: [not, a, map"))
	assert.ErrorContains(t, err, "parse config")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MONOSTREAM_HTTP_ADDR", ":9999")
	t.Setenv("MONOSTREAM_STORAGE_BACKEND", "sqlite")
	t.Setenv("MONOSTREAM_MAX_MESSAGES", "3")
	t.Setenv("MONOSTREAM_POLL_INTERVAL", "1s")
	t.Setenv("MONOSTREAM_AUTH_TOKEN", "tok")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Broker.MaxMessages)
	assert.Equal(t, time.Second, cfg.Broker.PollInterval)
	assert.True(t, cfg.Security.Enabled)
	assert.Equal(t, "tok", cfg.Security.Token)
}

func TestEnvBadNumber(t *testing.T) {
	t.Setenv("MONOSTREAM_MAX_MESSAGES", "lots")
	_, err := Load("")
	assert.ErrorContains(t, err, "MONOSTREAM_MAX_MESSAGES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "rocksdb" }, "unknown storage backend"},
		{"max messages", func(c *Config) { c.Broker.MaxMessages = 0 }, "max_messages"},
		{"poll interval", func(c *Config) { c.Broker.PollInterval = 0 }, "poll_interval"},
		{"topic name", func(c *Config) { c.Topics = []TopicConfig{{Partitions: 1}} }, "name is required"},
		{"topic partitions", func(c *Config) { c.Topics = []TopicConfig{{Name: "t"}} }, "partitions"},
		{"duplicate topic", func(c *Config) {
			c.Topics = []TopicConfig{{Name: "t", Partitions: 1}, {Name: "t", Partitions: 2}}
		}, "declared twice"},
		{"aggregator", func(c *Config) { c.Processors.EventAggregator.Output = "" }, "event_aggregator"},
		{"delay scale", func(c *Config) { c.Generators.DelayScale = 0 }, "delay_scale"},
		{"sample interval", func(c *Config) { c.Metrics.SampleInterval = 0 }, "sample_interval"},
		{"token", func(c *Config) { c.Security.Enabled = true }, "security.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
