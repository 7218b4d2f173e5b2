package fleetsync

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veldra/fleetsync/logging"
)

// Config is the file-backed engine configuration.
type Config struct {
	// Database is the SQLite data source for the local store.
	Database DatabaseConfig `yaml:"database"`

	// Remote configures the connection to the remote system.
	Remote RemoteConfig `yaml:"remote"`

	// Sync tunes the orchestrator.
	Sync SyncConfig `yaml:"sync"`

	// Connectivity tunes the liveness monitor.
	Connectivity ConnectivityConfig `yaml:"connectivity"`

	// Tables lists the tables to sync with their resolution policies.
	Tables map[string]Policy `yaml:"tables"`

	// DefaultPolicy applies to tables without an explicit policy entry.
	DefaultPolicy Policy `yaml:"default_policy"`

	// Logging configures structured log output.
	Logging logging.Config `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RemoteConfig struct {
	// BaseURL is the record API root, e.g. https://fleet.example.com/api.
	BaseURL string `yaml:"base_url"`

	// PushURL is the realtime wake-up websocket endpoint. Optional;
	// without it the engine relies on the periodic timer.
	PushURL string `yaml:"push_url"`

	// AuthToken is sent as a bearer token on every request.
	AuthToken string `yaml:"auth_token"`
}

type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	PushLimit      int           `yaml:"push_limit"`
	PullLimit      int           `yaml:"pull_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	Backoff BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	FailureLimit  int           `yaml:"failure_limit"`
}

// DefaultEngineConfig returns a Config with production defaults.
func DefaultEngineConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "fleetsync.db"},
		Sync: SyncConfig{
			Interval:       5 * time.Minute,
			PushLimit:      100,
			PullLimit:      500,
			RequestTimeout: 15 * time.Second,
			Backoff: BackoffConfig{
				InitialDelay: time.Second,
				MaxDelay:     5 * time.Minute,
				Multiplier:   2.0,
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			FailureLimit:  3,
		},
		DefaultPolicy: DefaultPolicy(),
		Logging:       logging.DefaultConfig,
	}
}

// LoadConfig reads a YAML config file, filling unset values with
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultEngineConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.base_url is required")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("config: sync.interval cannot be negative")
	}
	if c.Sync.Backoff.Multiplier != 0 && c.Sync.Backoff.Multiplier < 1 {
		return fmt.Errorf("config: sync.backoff.multiplier must be at least 1")
	}
	for name, policy := range c.Tables {
		if err := validateStrategy(policy.Default); err != nil {
			return fmt.Errorf("config: table %s: %w", name, err)
		}
		if err := validateStrategy(policy.OnDelete); err != nil {
			return fmt.Errorf("config: table %s: %w", name, err)
		}
	}
	return nil
}

func validateStrategy(s Strategy) error {
	switch s {
	case "", StrategyRemoteWins, StrategyLocalWins, StrategyPreserveDelete, StrategyManual:
		return nil
	default:
		return fmt.Errorf("unknown strategy %q", s)
	}
}

// TableNames returns the configured table list in stable order for the
// pull phase.
func (c *Config) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PolicySet builds the resolver policy set from the configuration.
func (c *Config) PolicySet() *PolicySet {
	return NewPolicySet(c.DefaultPolicy, c.Tables)
}

// EngineOptions translates the configuration into engine options.
func (c *Config) EngineOptions() Options {
	return Options{
		Tables:         c.TableNames(),
		Policies:       c.PolicySet(),
		PushLimit:      c.Sync.PushLimit,
		PullLimit:      c.Sync.PullLimit,
		RequestTimeout: c.Sync.RequestTimeout,
		Backoff: &ExponentialBackoff{
			InitialDelay: c.Sync.Backoff.InitialDelay,
			MaxDelay:     c.Sync.Backoff.MaxDelay,
			Multiplier:   c.Sync.Backoff.Multiplier,
		},
	}
}
