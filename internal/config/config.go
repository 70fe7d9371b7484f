// Package config loads the agent's YAML configuration, resolving secrets
// from environment variables or files and applying the env var override
// rule described for connection settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionPath selects how the Vote Executor submits a decision.
type ExecutionPath string

const (
	PathEOA    ExecutionPath = "eoa"
	PathSafe   ExecutionPath = "safe"
	PathDryRun ExecutionPath = "dry_run"
)

// Duration wraps time.Duration to accept human readable YAML values.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings such as "30s" or "5m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string")
	}
	if value.Value == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// SpaceConfig configures one DAO space the agent votes in.
type SpaceConfig struct {
	SpaceID         string        `yaml:"space_id"`
	Network         string        `yaml:"network"`
	ExecutionPath   ExecutionPath `yaml:"execution_path"`
	GovernorAddress string        `yaml:"governor_address"`
	SafeAddress     string        `yaml:"safe_address"`
}

// Timeouts bounds each external call the agent makes.
type Timeouts struct {
	Snapshot Duration `yaml:"snapshot"`
	AI       Duration `yaml:"ai"`
	Vote     Duration `yaml:"vote"`
	RPC      Duration `yaml:"rpc"`
}

// Retention bounds how much persisted history the agent keeps.
// CheckpointsPerRun is defaulted but not read by any component; checkpoint
// documents are not pruned.
type Retention struct {
	CheckpointsPerRun int `yaml:"checkpoints_per_run"`
	DecisionLogRuns   int `yaml:"decision_log_runs"`
	StateBackups      int `yaml:"state_backups"`
}

// AIProviderConfig configures the external decision provider.
type AIProviderConfig struct {
	Endpoint     string `yaml:"endpoint"`
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	APIKeyFile   string `yaml:"api_key_file"`
	MaxAttempts  int    `yaml:"max_attempts"`
}

// SnapshotConfig configures the proposal data source.
type SnapshotConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	APIKeyEnv   string `yaml:"api_key_env"`
	APIKeyFile  string `yaml:"api_key_file"`
}

// WalletConfig resolves the agent's controlling identity key.
type WalletConfig struct {
	SignerKey     string `yaml:"signer_key"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
	SignerKeyFile string `yaml:"signer_key_file"`
}

// SafeConfig configures the Safe transaction service transport.
type SafeConfig struct {
	TransactionServiceURL string `yaml:"transaction_service_url"`
}

// HTTPConfig configures the health/metrics/manual-trigger surface.
type HTTPConfig struct {
	ListenAddress string `yaml:"listen"`
	TriggerToken  string `yaml:"trigger_token"`
}

// TelemetryConfig holds the telemetry section of the YAML file. The daemon
// configures OpenTelemetry export from the OTEL_EXPORTER_OTLP_* environment
// variables and does not read these fields.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Traces   bool              `yaml:"traces"`
	Metrics  bool              `yaml:"metrics"`
}

// Config is the agent's full runtime configuration.
type Config struct {
	ServiceName      string           `yaml:"service_name"`
	Environment      string           `yaml:"environment"`
	StoreRoot        string           `yaml:"store_root"`
	PollInterval     Duration         `yaml:"poll_interval"`
	ShutdownGrace    Duration         `yaml:"shutdown_grace"`
	UnhealthyAfter   Duration         `yaml:"unhealthy_after"`
	Spaces           []SpaceConfig    `yaml:"spaces"`
	Timeouts         Timeouts         `yaml:"timeouts"`
	Retention        Retention        `yaml:"retention"`
	AIProvider       AIProviderConfig `yaml:"ai_provider"`
	Snapshot         SnapshotConfig   `yaml:"snapshot"`
	Wallet           WalletConfig     `yaml:"wallet"`
	Safe             SafeConfig       `yaml:"safe"`
	HTTP             HTTPConfig       `yaml:"http"`
	Telemetry        TelemetryConfig  `yaml:"telemetry"`
}

// envPrefix is prepended to a config env var name to form the override the
// connection configuration subsystem checks first.
const envPrefix = "CONNECTION_CONFIGS_CONFIG_"

// lookupEnv resolves an environment variable honoring the prefixed override:
// the prefixed form, when set, always wins over the bare name.
func lookupEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv(envPrefix + name); ok {
		return v, true
	}
	return os.LookupEnv(name)
}

// Load reads, defaults, resolves secrets, and validates the configuration
// found at path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := cfg.Wallet.resolve(); err != nil {
		return cfg, fmt.Errorf("config: wallet signer: %w", err)
	}
	if err := cfg.AIProvider.resolve(); err != nil {
		return cfg, fmt.Errorf("config: ai provider: %w", err)
	}
	if err := cfg.Snapshot.resolve(); err != nil {
		return cfg, fmt.Errorf("config: snapshot: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "quorumagentd"
	}
	if cfg.StoreRoot == "" {
		cfg.StoreRoot = "./data"
	}
	if cfg.PollInterval.Duration == 0 {
		cfg.PollInterval.Duration = 300 * time.Second
	}
	if cfg.ShutdownGrace.Duration == 0 {
		cfg.ShutdownGrace.Duration = 30 * time.Second
	}
	if cfg.UnhealthyAfter.Duration == 0 {
		cfg.UnhealthyAfter.Duration = 15 * time.Minute
	}
	if cfg.Timeouts.Snapshot.Duration == 0 {
		cfg.Timeouts.Snapshot.Duration = 30 * time.Second
	}
	if cfg.Timeouts.AI.Duration == 0 {
		cfg.Timeouts.AI.Duration = 60 * time.Second
	}
	if cfg.Timeouts.Vote.Duration == 0 {
		cfg.Timeouts.Vote.Duration = 30 * time.Second
	}
	if cfg.Timeouts.RPC.Duration == 0 {
		cfg.Timeouts.RPC.Duration = 20 * time.Second
	}
	if cfg.Retention.CheckpointsPerRun <= 0 {
		cfg.Retention.CheckpointsPerRun = 50
	}
	if cfg.Retention.DecisionLogRuns <= 0 {
		cfg.Retention.DecisionLogRuns = 100
	}
	if cfg.Retention.StateBackups <= 0 {
		cfg.Retention.StateBackups = 5
	}
	if cfg.AIProvider.MaxAttempts <= 0 {
		cfg.AIProvider.MaxAttempts = 3
	}
	if cfg.HTTP.ListenAddress == "" {
		cfg.HTTP.ListenAddress = ":8090"
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.StoreRoot) == "" {
		return fmt.Errorf("config: store_root must be configured")
	}
	if len(c.Spaces) == 0 {
		return fmt.Errorf("config: at least one space must be configured")
	}
	seen := map[string]bool{}
	for i, space := range c.Spaces {
		if strings.TrimSpace(space.SpaceID) == "" {
			return fmt.Errorf("config: spaces[%d].space_id must be configured", i)
		}
		if seen[space.SpaceID] {
			return fmt.Errorf("config: duplicate space_id %q", space.SpaceID)
		}
		seen[space.SpaceID] = true
		switch space.ExecutionPath {
		case PathEOA, PathSafe, PathDryRun:
		default:
			return fmt.Errorf("config: spaces[%d].execution_path %q must be eoa, safe, or dry_run", i, space.ExecutionPath)
		}
		if space.ExecutionPath == PathSafe && strings.TrimSpace(space.SafeAddress) == "" {
			return fmt.Errorf("config: spaces[%d] uses safe path but safe_address is empty", i)
		}
		if strings.TrimSpace(space.GovernorAddress) == "" {
			return fmt.Errorf("config: spaces[%d].governor_address must be configured", i)
		}
	}
	if strings.TrimSpace(c.Wallet.SignerKey) == "" {
		return fmt.Errorf("config: wallet signer key must be configured")
	}
	if strings.TrimSpace(c.Snapshot.Endpoint) == "" {
		return fmt.Errorf("config: snapshot.endpoint must be configured")
	}
	if strings.TrimSpace(c.AIProvider.Endpoint) == "" {
		return fmt.Errorf("config: ai_provider.endpoint must be configured")
	}
	if strings.TrimSpace(c.Safe.TransactionServiceURL) == "" {
		for _, s := range c.Spaces {
			if s.ExecutionPath == PathSafe {
				return fmt.Errorf("config: safe.transaction_service_url must be configured when a space uses the safe path")
			}
		}
	}
	return nil
}

func (w *WalletConfig) resolve() error {
	w.SignerKey = strings.TrimSpace(w.SignerKey)
	w.SignerKeyEnv = strings.TrimSpace(w.SignerKeyEnv)
	w.SignerKeyFile = strings.TrimSpace(w.SignerKeyFile)
	if w.SignerKey != "" {
		return nil
	}
	switch {
	case w.SignerKeyEnv != "":
		value, ok := lookupEnv(w.SignerKeyEnv)
		if !ok || strings.TrimSpace(value) == "" {
			return fmt.Errorf("signer_key_env %s is not set", w.SignerKeyEnv)
		}
		w.SignerKey = strings.TrimSpace(value)
	case w.SignerKeyFile != "":
		contents, err := os.ReadFile(w.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		w.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key, signer_key_env, or signer_key_file is required")
	}
	return nil
}

func (a *AIProviderConfig) resolve() error {
	return resolveSecret(&a.APIKey, a.APIKeyEnv, a.APIKeyFile)
}

func (s *SnapshotConfig) resolve() error {
	return resolveSecret(&s.APIKey, s.APIKeyEnv, s.APIKeyFile)
}

// resolveSecret fills target from the env or file fallback when it is empty.
// An API key is optional, so an unset env/file pair is not an error.
func resolveSecret(target *string, envName, filePath string) error {
	*target = strings.TrimSpace(*target)
	if *target != "" {
		return nil
	}
	envName = strings.TrimSpace(envName)
	filePath = strings.TrimSpace(filePath)
	switch {
	case envName != "":
		value, ok := lookupEnv(envName)
		if !ok {
			return fmt.Errorf("%s is not set", envName)
		}
		*target = strings.TrimSpace(value)
	case filePath != "":
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("read %s: %w", filePath, err)
		}
		*target = strings.TrimSpace(string(contents))
	}
	return nil
}

// SpaceByID returns the configured space with the given id, if any.
func (c Config) SpaceByID(id string) (SpaceConfig, bool) {
	for _, s := range c.Spaces {
		if s.SpaceID == id {
			return s, true
		}
	}
	return SpaceConfig{}, false
}
