package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := NewDefaultConfig()
	require.NoError(t, Validate(config))
	require.Equal(t, 5, config.Pipeline.MaxIterations)
	require.Equal(t, "claude", config.LLM.DefaultProvider)
	require.Equal(t, "*/5 * * * *", config.Scheduler.StallSchedule)
}

func TestLoadFromFilesOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compono.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment = "production"

[pipeline]
max_iterations = 3
decision_timeout = "24h"

[logging]
level = "warn"
`), 0o644))

	config, err := LoadFromFiles(path)
	require.NoError(t, err)
	require.Equal(t, "production", config.Environment)
	require.Equal(t, 3, config.Pipeline.MaxIterations)
	require.Equal(t, "24h", config.Pipeline.DecisionTimeout)
	require.Equal(t, "warn", config.Logging.Level)
	// Untouched sections keep their defaults
	require.Equal(t, "./data/compono", config.Storage.Badger.Path)
}

func TestLoadFromFilesLaterFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.toml")
	second := filepath.Join(dir, "second.toml")
	require.NoError(t, os.WriteFile(first, []byte("[logging]\nlevel = \"debug\"\n"), 0o644))
	require.NoError(t, os.WriteFile(second, []byte("[logging]\nlevel = \"error\"\n"), 0o644))

	config, err := LoadFromFiles(first, second)
	require.NoError(t, err)
	require.Equal(t, "error", config.Logging.Level)
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("COMPONO_LOG_LEVEL", "debug")
	t.Setenv("COMPONO_LLM_PROVIDER", "gemini")
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	config, err := LoadFromFiles()
	require.NoError(t, err)
	require.Equal(t, "debug", config.Logging.Level)
	require.Equal(t, "gemini", config.LLM.DefaultProvider)
	require.Equal(t, "test-key", config.Claude.APIKey)
}

func TestValidateRejectsBadDuration(t *testing.T) {
	config := NewDefaultConfig()
	config.Pipeline.DecisionTimeout = "three days"
	require.Error(t, Validate(config))
}

func TestValidateRejectsBadProvider(t *testing.T) {
	config := NewDefaultConfig()
	config.LLM.DefaultProvider = "openai"
	require.Error(t, Validate(config))
}

func TestValidateRejectsMaxIterationsOutOfRange(t *testing.T) {
	config := NewDefaultConfig()
	config.Pipeline.MaxIterations = 0
	require.Error(t, Validate(config))

	config = NewDefaultConfig()
	config.Pipeline.MaxIterations = 50
	require.Error(t, Validate(config))
}

func TestParseDurationOr(t *testing.T) {
	require.Equal(t, 30*time.Second, ParseDurationOr("30s", time.Minute))
	require.Equal(t, time.Minute, ParseDurationOr("", time.Minute))
	require.Equal(t, time.Minute, ParseDurationOr("junk", time.Minute))
}
