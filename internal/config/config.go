// Package config loads and validates the syftrun YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s",
// "5m", "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete syftrun configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Queue   QueueConfig   `yaml:"queue"`
	Runner  RunnerConfig  `yaml:"runner"`
	Guard   GuardConfig   `yaml:"guard"`
	API     APIConfig     `yaml:"api"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string   `yaml:"name"`
	OwnerEmail   string   `yaml:"owner_email"`
	TickInterval Duration `yaml:"tick_interval"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"`
}

// QueueConfig defines where and how jobs are persisted.
type QueueConfig struct {
	// Root is the queue directory tree (fs backend) and the home of the
	// runner lock file.
	Root string `yaml:"root"`
	// Backend selects the store implementation: "fs" (default) or
	// "sqlite".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file; only used by the sqlite backend.
	Path string `yaml:"path"`
}

// RunnerConfig defines execution limits.
type RunnerConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"`
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxOutputBytes int      `yaml:"max_output_bytes"`
	GracePeriod    Duration `yaml:"grace_period"`
	// CleanupAfter is how long terminal jobs are retained; 0 disables
	// cleanup.
	CleanupAfter Duration `yaml:"cleanup_after"`
}

// GuardConfig overrides the script validator's lists. An empty Blocked list
// keeps the built-in blocklist; a non-empty Allowed list enables allowlist
// mode.
type GuardConfig struct {
	Blocked []string `yaml:"blocked,omitempty"`
	Allowed []string `yaml:"allowed,omitempty"`
}

// APIConfig defines the read-only status/history HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with working defaults for a local queue.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "syftrun",
			TickInterval: Duration(1 * time.Second),
			LogLevel:     "info",
			LogFormat:    "json",
		},
		Queue: QueueConfig{
			Root:    "./data/queue",
			Backend: "fs",
			Path:    "./data/queue.db",
		},
		Runner: RunnerConfig{
			MaxConcurrent:  3,
			DefaultTimeout: Duration(24 * time.Hour),
			MaxOutputBytes: 10 * 1024 * 1024,
			GracePeriod:    Duration(5 * time.Second),
			CleanupAfter:   Duration(7 * 24 * time.Hour),
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8642",
		},
	}
}

// Load reads the YAML file at configPath over the defaults and validates the
// result.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: check the path or pass --config", absPath)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}
	if cfg.Queue.Root == "" {
		return fmt.Errorf("queue.root is required")
	}
	switch cfg.Queue.Backend {
	case "", "fs":
	case "sqlite":
		if cfg.Queue.Path == "" {
			return fmt.Errorf("queue.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("queue.backend must be \"fs\" or \"sqlite\", got %q", cfg.Queue.Backend)
	}
	if cfg.Runner.MaxConcurrent < 1 {
		return fmt.Errorf("runner.max_concurrent must be at least 1")
	}
	if cfg.Runner.DefaultTimeout <= 0 {
		return fmt.Errorf("runner.default_timeout must be positive")
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}
	return nil
}
