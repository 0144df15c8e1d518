package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for conduit.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ProvidersConfig struct {
	// Path locates the persisted provider registry.
	Path string `yaml:"path"`
	// Watch enables reloading on external edits to the registry file.
	Watch bool `yaml:"watch"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleTimeout      time.Duration `yaml:"stale_timeout"`
}

type ResilienceConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction"`

	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. An empty path yields the
// built-in defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables
		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Providers.Path == "" {
		cfg.Providers.Path = "providers.yaml"
	}
	if cfg.Session.HeartbeatInterval == 0 {
		cfg.Session.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Session.StaleTimeout == 0 {
		cfg.Session.StaleTimeout = 90 * time.Second
	}
	if cfg.Resilience.MaxAttempts == 0 {
		cfg.Resilience.MaxAttempts = 3
	}
	if cfg.Resilience.InitialDelay == 0 {
		cfg.Resilience.InitialDelay = 100 * time.Millisecond
	}
	if cfg.Resilience.MaxDelay == 0 {
		cfg.Resilience.MaxDelay = 10 * time.Second
	}
	if cfg.Resilience.Multiplier == 0 {
		cfg.Resilience.Multiplier = 2.0
	}
	if cfg.Resilience.JitterFraction == 0 {
		cfg.Resilience.JitterFraction = 0.2
	}
	if cfg.Resilience.BreakerThreshold == 0 {
		cfg.Resilience.BreakerThreshold = 5
	}
	if cfg.Resilience.BreakerResetTimeout == 0 {
		cfg.Resilience.BreakerResetTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}
