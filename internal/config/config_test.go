package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, Version, cfg.Version)
	assert.Equal(t, time.Second, cfg.EvalInterval())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Engine.EvalIntervalMs = 250
	cfg.Policy.MaxTrustCredits = 5
	cfg.Anomaly.Strategy = "reconstruction"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, loaded.Engine.EvalIntervalMs)
	assert.Equal(t, 5, loaded.Policy.MaxTrustCredits)
	assert.Equal(t, "reconstruction", loaded.Anomaly.Strategy)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\neval_interval_ms = 500\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Engine.EvalIntervalMs)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultConfig().Policy, cfg.Policy)
	assert.Equal(t, DefaultConfig().Fusion, cfg.Fusion)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\neval_interval_ms = -1\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eval_interval_ms")
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.EvalIntervalMs = 0
	cfg.Anomaly.Strategy = "wavelet"
	cfg.Policy.MediumThreshold = 90 // breaks the threshold ordering
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eval_interval_ms")
	assert.Contains(t, err.Error(), "strategy")
	assert.Contains(t, err.Error(), "ordered")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestValidateFusionBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Fusion.Tier1Threshold = 1.5
	cfg.Fusion.SmoothingAlpha = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tier1_threshold")
	assert.Contains(t, err.Error(), "smoothing_alpha")
}
