package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.RateLimits.MessagesPerSecond)
	assert.Equal(t, 3, cfg.Workflow.MaxAttempts)
	assert.Equal(t, 7, cfg.State.MaxAgeDays)
	assert.Equal(t, 30*time.Second, cfg.Workflow.PausePollTimeout.Std())
}

func TestInitializeUserOverrides(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9100
  heartbeat_interval: 5s
  rate_limits:
    messages_per_second: 2
workflow:
  max_attempts: 7
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.HeartbeatInterval.Std())
	assert.Equal(t, 2, cfg.Server.RateLimits.MessagesPerSecond)
	assert.Equal(t, 7, cfg.Workflow.MaxAttempts)
	// Untouched values fall back to defaults.
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 1000, cfg.Server.MaxQueueSize)
}

func TestInitializeEnvExpansion(t *testing.T) {
	t.Setenv("TEST_STATE_DIR", "/tmp/agent-state-test")
	dir := writeConfig(t, `
state:
  base_dir: ${TEST_STATE_DIR}
`)
	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/agent-state-test", cfg.State.BaseDir)
}

func TestInitializeResolvesAuthToken(t *testing.T) {
	t.Setenv("AGENT_AUTH_TOKEN", "sekrit")
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Server.AuthToken)
}

func TestValidateAggregatesProblems(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 70000
  max_queue_size: -1
workflow:
  max_attempts: 0
`)
	_, err := Initialize(dir)
	require.Error(t, err)

	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "server.max_queue_size")
	assert.Contains(t, err.Error(), "workflow.max_attempts")
}

func TestExplicitZeroIsNotMaskedByDefaults(t *testing.T) {
	// An explicit zero must reach the validator; only absent keys fall
	// back to defaults.
	dir := writeConfig(t, `
state:
  max_age_days: 0
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.max_age_days")
}

func TestInitializeRejectsMalformedYAML(t *testing.T) {
	dir := writeConfig(t, "server: [not a mapping")
	_, err := Initialize(dir)
	require.Error(t, err)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestDurationUnmarshal(t *testing.T) {
	dir := writeConfig(t, `
server:
  heartbeat_interval: banana
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
