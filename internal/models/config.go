package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr string         `yaml:"server_addr" env:"TRANSCODEQ_SERVER_ADDR, overwrite"`
	Database   DatabaseConfig `yaml:"database"`
	Kafka      KafkaConfig    `yaml:"kafka"`
	Worker     WorkerConfig   `yaml:"worker"`
	Log        LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver   string `yaml:"driver" env:"TRANSCODEQ_DB_DRIVER, overwrite"`
	URL      string `yaml:"url" env:"DATABASE_URL, overwrite"`
	MaxConns int    `yaml:"max_conns" env:"TRANSCODEQ_DB_MAX_CONNS, overwrite"`
}

// KafkaConfig enables job events when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"TRANSCODEQ_KAFKA_BROKERS, overwrite"`
	Topic   string   `yaml:"topic" env:"TRANSCODEQ_KAFKA_TOPIC, overwrite"`
	GroupID string   `yaml:"group_id" env:"TRANSCODEQ_KAFKA_GROUP, overwrite"`
}

type WorkerConfig struct {
	ID                string        `yaml:"id" env:"TRANSCODEQ_WORKER_ID, overwrite"`
	Concurrency       int           `yaml:"concurrency" env:"TRANSCODEQ_WORKER_CONCURRENCY, overwrite"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"TRANSCODEQ_POLL_INTERVAL, overwrite"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"TRANSCODEQ_HEARTBEAT_INTERVAL, overwrite"`
	StaleAfter        time.Duration `yaml:"stale_after" env:"TRANSCODEQ_STALE_AFTER, overwrite"`
	ReapInterval      time.Duration `yaml:"reap_interval" env:"TRANSCODEQ_REAP_INTERVAL, overwrite"`
	// Commands maps an asset kind to the shell command that produces it.
	Commands map[string]string `yaml:"commands"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"TRANSCODEQ_LOG_LEVEL, overwrite"`
	Format string `yaml:"format" env:"TRANSCODEQ_LOG_FORMAT, overwrite"`
}

// LoadConfig reads the YAML file at path (a missing file yields defaults),
// then applies .env and environment overrides.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: load .env: %w", op, err)
	}
	if err := envconfig.Process(context.Background(), &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "transcode-jobs"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "transcode-workers"
	}
	if c.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 2
	}
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 15 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}
	if c.Worker.ReapInterval <= 0 {
		c.Worker.ReapInterval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("database url is required")
	}
	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("stale_after (%s) must exceed heartbeat_interval (%s)", c.Worker.StaleAfter, c.Worker.HeartbeatInterval)
	}
	for kind := range c.Worker.Commands {
		if _, err := ParseAssetKind(kind); err != nil {
			return fmt.Errorf("worker commands: %w", err)
		}
	}
	return nil
}
