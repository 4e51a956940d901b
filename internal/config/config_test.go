package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	originalDir, _ := os.Getwd()
	tmpDir := t.TempDir()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Master.MaxWorkers)
	assert.Equal(t, "priority_first", cfg.Master.SchedulingStrategy)
	assert.Equal(t, 30*time.Minute, cfg.Master.TaskTimeout)
	assert.Equal(t, ".parallelctl/state.json", cfg.Master.StateSnapshotPath)

	assert.Equal(t, "main", cfg.Worker.MainBranch)
	assert.Equal(t, 5*time.Second, cfg.Worker.HeartbeatInterval)

	assert.Equal(t, 7711, cfg.RPC.SocketPort)
	assert.False(t, cfg.RPC.EnableEncryption)

	assert.Equal(t, ".parallelctl/worktrees", cfg.Worktree.Dir)
	assert.True(t, cfg.Worktree.CleanOnShutdown)

	assert.True(t, cfg.ControlAPI.Enabled)
	assert.Equal(t, 8080, cfg.ControlAPI.Port)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.False(t, cfg.Auth.Enabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_WithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := tmpDir + "/config.yaml"

	configContent := `
master:
  maxworkers: 4
  schedulingstrategy: priority_first

rpc:
  socketport: 9911
  enableencryption: true
  sharedkey: "test-key"

loglevel: "warn"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	originalDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(originalDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Master.MaxWorkers)
	assert.Equal(t, 9911, cfg.RPC.SocketPort)
	assert.True(t, cfg.RPC.EnableEncryption)
	assert.Equal(t, "test-key", cfg.RPC.SharedKey)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_RejectsUnknownKey(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := tmpDir + "/config.yaml"

	configContent := `
master:
  maxworkers: 4
  bogusfield: "nope"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o644))

	originalDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(originalDir)

	_, err := Load()
	assert.Error(t, err)
}

func TestMasterConfig_Fields(t *testing.T) {
	cfg := MasterConfig{
		MaxWorkers:         8,
		SchedulingStrategy: "priority_first",
		TaskTimeout:        10 * time.Minute,
	}
	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.Equal(t, "priority_first", cfg.SchedulingStrategy)
}

func TestRPCConfig_Fields(t *testing.T) {
	cfg := RPCConfig{
		SocketPort:       7711,
		EnableEncryption: true,
		SharedKey:        "k",
	}
	assert.Equal(t, 7711, cfg.SocketPort)
	assert.True(t, cfg.EnableEncryption)
}
