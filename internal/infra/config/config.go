// Package config loads and validates the relaykit YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Relay     RelayConfig    `yaml:"relay"`
	Agent     AgentConfig    `yaml:"agent"`
	Emulator  EmulatorConfig `yaml:"emulator"`
	Processes ProcessConfig  `yaml:"processes"`
	Logger    LoggerConfig   `yaml:"logger"`
	Tracer    TracerConfig   `yaml:"tracer"`
}

// RelayConfig holds Coordinator settings.
type RelayConfig struct {
	Addr          string        `yaml:"addr"`           // public listener (tunnel + connect)
	InternalAddr  string        `yaml:"internal_addr"`  // loopback listener serving the rpc endpoint
	Secret        string        `yaml:"secret"`         // pre-shared session secret; "enc:" prefix = encrypted at rest
	TunnelTimeout time.Duration `yaml:"tunnel_timeout"` // max wait for a tunneled response
	RateLimit     float64       `yaml:"rate_limit"`     // tunnel requests/sec, 0 = unlimited
	RateBurst     int           `yaml:"rate_burst"`
}

// AgentConfig holds local agent settings.
type AgentConfig struct {
	CoordinatorURL   string        `yaml:"coordinator_url"` // ws:// or wss:// base URL of the Coordinator
	Secret           string        `yaml:"secret"`          // session secret presented on connect
	Origin           string        `yaml:"origin"`          // local origin tunneled requests are replayed against
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	OriginTimeout    time.Duration `yaml:"origin_timeout"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for the agent's local origin.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// EmulatorConfig holds worker-emulator subprocess settings.
type EmulatorConfig struct {
	Command []string           `yaml:"command"`  // argv of the emulator subprocess
	WorkDir string             `yaml:"work_dir"` // working directory for the subprocess
	Workers []WorkerFileConfig `yaml:"workers"`
}

// WorkerFileConfig points at one worker's declarative spec file, which is
// watched for changes while the agent runs.
type WorkerFileConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// ProcessConfig holds detached-process manager settings.
type ProcessConfig struct {
	StateDir        string `yaml:"state_dir"`        // where PID files live
	JanitorSchedule string `yaml:"janitor_schedule"` // cron expression for the stale-PID sweep; empty = disabled
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.relaykit"
	}
	return filepath.Join(home, ".relaykit")
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Relay: RelayConfig{
			Addr:          ":8787",
			InternalAddr:  "127.0.0.1:8788",
			TunnelTimeout: 2 * time.Minute,
			RateLimit:     0,
			RateBurst:     32,
		},
		Agent: AgentConfig{
			CoordinatorURL:   "ws://127.0.0.1:8787",
			Origin:           "http://127.0.0.1:8989",
			MaxRetryInterval: 30 * time.Second,
			OriginTimeout:    30 * time.Second,
			Breaker: BreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     15 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Emulator: EmulatorConfig{
			Command: nil,
			WorkDir: ".",
		},
		Processes: ProcessConfig{
			StateDir:        filepath.Join(stateDir, "run"),
			JanitorSchedule: "@every 5m",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts the
// session secret. A missing file is not an error: defaults plus env overrides
// are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("RELAYKIT_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RELAYKIT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYKIT_RELAY_ADDR"); v != "" {
		cfg.Relay.Addr = v
	}
	if v := os.Getenv("RELAYKIT_RELAY_INTERNAL_ADDR"); v != "" {
		cfg.Relay.InternalAddr = v
	}
	if v := os.Getenv("RELAYKIT_RELAY_SECRET"); v != "" {
		cfg.Relay.Secret = v
	}
	if v := os.Getenv("RELAYKIT_RELAY_TUNNEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Relay.TunnelTimeout = d
		}
	}
	if v := os.Getenv("RELAYKIT_RELAY_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Relay.RateLimit = f
		}
	}
	if v := os.Getenv("RELAYKIT_RELAY_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.RateBurst = n
		}
	}

	if v := os.Getenv("RELAYKIT_AGENT_COORDINATOR_URL"); v != "" {
		cfg.Agent.CoordinatorURL = v
	}
	if v := os.Getenv("RELAYKIT_AGENT_SECRET"); v != "" {
		cfg.Agent.Secret = v
	}
	if v := os.Getenv("RELAYKIT_AGENT_ORIGIN"); v != "" {
		cfg.Agent.Origin = v
	}
	if v := os.Getenv("RELAYKIT_AGENT_MAX_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.MaxRetryInterval = d
		}
	}
	if v := os.Getenv("RELAYKIT_AGENT_ORIGIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.OriginTimeout = d
		}
	}

	if v := os.Getenv("RELAYKIT_EMULATOR_COMMAND"); v != "" {
		cfg.Emulator.Command = splitAndTrim(v, " ")
	}
	if v := os.Getenv("RELAYKIT_EMULATOR_WORK_DIR"); v != "" {
		cfg.Emulator.WorkDir = v
	}

	if v := os.Getenv("RELAYKIT_PROCESSES_STATE_DIR"); v != "" {
		cfg.Processes.StateDir = v
	}
	if v := os.Getenv("RELAYKIT_PROCESSES_JANITOR_SCHEDULE"); v != "" {
		cfg.Processes.JanitorSchedule = v
	}

	if v := os.Getenv("RELAYKIT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYKIT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYKIT_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	if v := os.Getenv("RELAYKIT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYKIT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// splitAndTrim splits s by sep, trims whitespace, and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable).
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
