// Package config handles configuration loading, validation, and management
// for vigild.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"vigild/internal/anomaly"
	"vigild/internal/baseline"
	"vigild/internal/fusion"
	"vigild/internal/policy"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version"`

	// Engine configuration for the decision pipeline.
	Engine EngineConfig `toml:"engine" json:"engine"`

	// Baseline configuration for the Tier-0 statistics engine.
	Baseline baseline.Config `toml:"baseline" json:"baseline"`

	// Anomaly configuration for the Tier-1 scorers.
	Anomaly AnomalyConfig `toml:"anomaly" json:"anomaly"`

	// Fusion configuration for risk fusion and gating.
	Fusion fusion.Config `toml:"fusion" json:"fusion"`

	// Policy configuration for the escalation state machine.
	Policy policy.Config `toml:"policy" json:"policy"`

	// Storage configuration for profile persistence.
	Storage StorageConfig `toml:"storage" json:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging"`
}

// EngineConfig holds pipeline orchestration settings.
type EngineConfig struct {
	// EvalIntervalMs is the periodic re-evaluation interval in milliseconds.
	// Risk, calibration progress and trust-credit regeneration stay live at
	// this cadence even without new feature vectors.
	EvalIntervalMs int `toml:"eval_interval_ms" json:"eval_interval_ms"`

	// HealthAddr is the listen address of the HTTP health endpoint; empty
	// disables it.
	HealthAddr string `toml:"health_addr" json:"health_addr"`
}

// AnomalyConfig holds Tier-1 scorer settings.
type AnomalyConfig struct {
	// Strategy selects the scorer implementation: "density" or
	// "reconstruction".
	Strategy string `toml:"strategy" json:"strategy"`

	// MinTrainSamples is the per-modality raw sample count required before
	// training is triggered.
	MinTrainSamples int `toml:"min_train_samples" json:"min_train_samples"`

	// GMM bounds the EM iteration for the density strategy.
	GMM anomaly.GMMConfig `toml:"gmm" json:"gmm"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database file for profile snapshots; empty
	// disables persistence.
	Path string `toml:"path" json:"path"`

	// SaveIntervalSec is the snapshot autosave interval in seconds.
	// 0 disables autosave.
	SaveIntervalSec int `toml:"save_interval_sec" json:"save_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format"`

	// FilePath, when set, also writes logs to this file with rotation.
	FilePath string `toml:"file_path" json:"file_path"`
}

// DefaultConfig returns the complete default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Engine: EngineConfig{
			EvalIntervalMs: 1000,
		},
		Baseline: baseline.DefaultConfig(),
		Anomaly: AnomalyConfig{
			Strategy:        string(anomaly.StrategyDensity),
			MinTrainSamples: 100,
			GMM:             anomaly.DefaultGMMConfig(),
		},
		Fusion: fusion.DefaultConfig(),
		Policy: policy.DefaultConfig(),
		Storage: StorageConfig{
			Path:            defaultDBPath(),
			SaveIntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// defaultDBPath returns the default profile database location.
func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vigild.db"
	}
	return filepath.Join(home, ".local", "share", "vigild", "profiles.db")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "vigild.toml"
	}
	return filepath.Join(home, ".config", "vigild", "config.toml")
}

// Load reads and validates a TOML config file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as TOML, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration and collects all problems into one error.
func (c *Config) Validate() error {
	var problems []string

	if c.Engine.EvalIntervalMs <= 0 {
		problems = append(problems, "engine.eval_interval_ms must be positive")
	}
	if c.Baseline.BufferWindow <= 0 {
		problems = append(problems, "baseline.buffer_window must be positive")
	}
	if c.Baseline.RecentWindow <= 0 || c.Baseline.RecentWindow > 2*c.Baseline.BufferWindow {
		problems = append(problems, "baseline.recent_window must be in (0, 2*buffer_window]")
	}
	if c.Baseline.MinRecentSamples <= 0 {
		problems = append(problems, "baseline.min_recent_samples must be positive")
	}
	if c.Baseline.CovarianceEpsilon <= 0 {
		problems = append(problems, "baseline.covariance_epsilon must be positive")
	}
	switch anomaly.Strategy(c.Anomaly.Strategy) {
	case anomaly.StrategyDensity, anomaly.StrategyReconstruction:
	default:
		problems = append(problems, fmt.Sprintf("anomaly.strategy %q unknown", c.Anomaly.Strategy))
	}
	if c.Anomaly.MinTrainSamples < anomaly.Components {
		problems = append(problems, "anomaly.min_train_samples too small")
	}
	if c.Anomaly.GMM.MaxIterations <= 0 {
		problems = append(problems, "anomaly.gmm.max_iterations must be positive")
	}
	if c.Fusion.Tier1Threshold < 0 || c.Fusion.Tier1Threshold > 1 {
		problems = append(problems, "fusion.tier1_threshold must be in [0,1]")
	}
	if c.Fusion.W0Early < 0 || c.Fusion.W0Early > 1 || c.Fusion.W0Steady < 0 || c.Fusion.W0Steady > 1 {
		problems = append(problems, "fusion.w0_early and fusion.w0_steady must be in [0,1]")
	}
	if c.Fusion.SmoothingAlpha <= 0 || c.Fusion.SmoothingAlpha > 1 {
		problems = append(problems, "fusion.smoothing_alpha must be in (0,1]")
	}
	if !(c.Policy.MediumThreshold < c.Policy.HighThreshold &&
		c.Policy.HighThreshold < c.Policy.CriticalThreshold) {
		problems = append(problems, "policy thresholds must be ordered medium < high < critical")
	}
	if c.Policy.EscalateAfter <= 0 || c.Policy.DeescalateAfter <= 0 {
		problems = append(problems, "policy hysteresis windows must be positive")
	}
	if c.Policy.MaxTrustCredits < 0 {
		problems = append(problems, "policy.max_trust_credits must be non-negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level %q unknown", c.Logging.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// EvalInterval returns the periodic evaluation interval as a duration.
func (c *Config) EvalInterval() time.Duration {
	return time.Duration(c.Engine.EvalIntervalMs) * time.Millisecond
}
