package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Broker     BrokerConfig     `yaml:"broker"`
	Topics     []TopicConfig    `yaml:"topics"`
	Processors ProcessorsConfig `yaml:"processors"`
	Generators GeneratorsConfig `yaml:"generators"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory", "badger" or "sqlite"; all in-memory
}

type BrokerConfig struct {
	MaxMessages  int           `yaml:"max_messages"`  // per partition, per consume call
	PollInterval time.Duration `yaml:"poll_interval"` // consumer idle sleep between sweeps
}

// TopicConfig describes a topic created at startup
type TopicConfig struct {
	Name       string `yaml:"name"`
	Partitions int    `yaml:"partitions"`
}

type ProcessorsConfig struct {
	EventAggregator EventAggregatorConfig `yaml:"event_aggregator"`
}

type EventAggregatorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Input   string `yaml:"input"`
	Output  string `yaml:"output"`
}

type GeneratorsConfig struct {
	DelayScale float64 `yaml:"delay_scale"` // multiplies the random delay between events
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type SecurityConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":5000",
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Broker: BrokerConfig{
			MaxMessages:  10,
			PollInterval: 100 * time.Millisecond,
		},
		Topics: []TopicConfig{
			{Name: "user_events", Partitions: 3},
			{Name: "sensor_data", Partitions: 2},
			{Name: "processed_events", Partitions: 2},
		},
		Processors: ProcessorsConfig{
			EventAggregator: EventAggregatorConfig{
				Enabled: true,
				Input:   "user_events",
				Output:  "processed_events",
			},
		},
		Generators: GeneratorsConfig{
			DelayScale: 1.0,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			SampleInterval: 5 * time.Second,
		},
		Security: SecurityConfig{
			Enabled: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads config from file, environment, with defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// Override from environment
	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	if v := os.Getenv("MONOSTREAM_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("MONOSTREAM_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("MONOSTREAM_MAX_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "MONOSTREAM_MAX_MESSAGES")
		}
		c.Broker.MaxMessages = n
	}
	if v := os.Getenv("MONOSTREAM_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "MONOSTREAM_POLL_INTERVAL")
		}
		c.Broker.PollInterval = d
	}
	if v := os.Getenv("MONOSTREAM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MONOSTREAM_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MONOSTREAM_AUTH_TOKEN"); v != "" {
		c.Security.Token = v
		c.Security.Enabled = true
	}
	return nil
}

// Validate rejects settings the broker cannot run with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "badger", "sqlite":
	default:
		return errors.Errorf("unknown storage backend %q (use memory, badger or sqlite)", c.Storage.Backend)
	}
	if c.Broker.MaxMessages < 1 {
		return errors.Errorf("broker.max_messages must be positive, got %d", c.Broker.MaxMessages)
	}
	if c.Broker.PollInterval <= 0 {
		return errors.Errorf("broker.poll_interval must be positive, got %s", c.Broker.PollInterval)
	}
	seen := make(map[string]bool, len(c.Topics))
	for _, t := range c.Topics {
		if t.Name == "" {
			return errors.New("topics: name is required")
		}
		if t.Partitions < 1 {
			return errors.Errorf("topic %s: partitions must be at least 1", t.Name)
		}
		if seen[t.Name] {
			return errors.Errorf("topic %s declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	if agg := c.Processors.EventAggregator; agg.Enabled && (agg.Input == "" || agg.Output == "") {
		return errors.New("processors.event_aggregator: input and output are required")
	}
	if c.Generators.DelayScale <= 0 {
		return errors.Errorf("generators.delay_scale must be positive, got %v", c.Generators.DelayScale)
	}
	if c.Metrics.Enabled && c.Metrics.SampleInterval <= 0 {
		return errors.Errorf("metrics.sample_interval must be positive, got %s", c.Metrics.SampleInterval)
	}
	if c.Security.Enabled && c.Security.Token == "" {
		return errors.New("security.token is required when security is enabled")
	}
	return nil
}
