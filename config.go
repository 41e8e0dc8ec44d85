package eventsourced

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// EnvPrefix prefixes every environment variable LoadConfig reads
const EnvPrefix = "EVENTSOURCED_"

// Config represents the recognized configuration options
type Config struct {
	// BrokerAddress selects the broker: memory:, sqlite:<path> or postgres://...
	BrokerAddress string `yaml:"broker_address" env:"BROKER_ADDRESS"`

	// StreamPrefix namespaces tables and buckets
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`

	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`

	// SnapshotEvery takes a snapshot every n events, 0 disables snapshots
	SnapshotEvery uint64 `yaml:"snapshot_every" env:"SNAPSHOT_EVERY"`

	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	CallTimeout   time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
	VerifyAppends bool          `yaml:"verify_appends" env:"VERIFY_APPENDS"`
}

// DefaultConfig returns a configuration suitable for local testing
func DefaultConfig() Config {
	return Config{
		BrokerAddress: "memory:",
		BatchSize:     defaultBatchSize,
		PollInterval:  2 * time.Second,
		CallTimeout:   10 * time.Second,
	}
}

// LoadConfig reads configuration from the yaml file at path (if not empty)
// on top of DefaultConfig and then applies EVENTSOURCED_* environment overrides
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse config env: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks option ranges
func (c Config) Validate() error {
	if c.BrokerAddress == "" {
		return fmt.Errorf("%w: broker address must be set", ErrInvalidArgument)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidArgument, c.BatchSize)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive, got %s", ErrInvalidArgument, c.PollInterval)
	}

	if c.CallTimeout < 0 {
		return fmt.Errorf("%w: call timeout must not be negative, got %s", ErrInvalidArgument, c.CallTimeout)
	}

	return nil
}

// Options converts the configuration to component options
func (c Config) Options() []Option {
	return []Option{
		WithBatchSize(c.BatchSize),
		WithCallTimeout(c.CallTimeout),
		WithVerifyAppends(c.VerifyAppends),
		WithStreamPrefix(c.StreamPrefix),
	}
}
