package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestNewConfigWithPathAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
aria2:
  rpc_url: "http://localhost:6800/jsonrpc"
store:
  download_dir: "/tmp/downloads"
`)
	cfg, err := NewConfigWithPath(path)
	require.NoError(t, err)

	require.Equal(t, int64(defaultMaxTaskSize), cfg.MaxTaskSize)
	require.Equal(t, int64(defaultMinFreeDisk), cfg.MinFreeDisk)
	require.Equal(t, defaultPollInterval, cfg.PollInterval)
	require.Equal(t, defaultWSMaxDelay, cfg.WSReconnect.MaxDelay)
	require.Equal(t, defaultWSFactor, cfg.WSReconnect.Factor)
	require.Equal(t, defaultWSJitter, cfg.WSReconnect.Jitter)
	require.Equal(t, defaultDownloadTokenExp, cfg.DownloadTokenExp)
	require.Equal(t, defaultFanoutPingInterval, cfg.FanoutPingInterval)
	require.Equal(t, defaultFanoutThrottle, cfg.FanoutThrottle)
	require.Equal(t, int64(defaultQuota), cfg.DefaultQuota)
	require.Equal(t, "http://localhost:6800/jsonrpc", cfg.Aria2.RPCURL)
}

func TestNewConfigWithPathPreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
aria2:
  rpc_url: "http://localhost:6800/jsonrpc"
max_task_size: 123456
poll_interval: 5s
default_quota: 999
`)
	cfg, err := NewConfigWithPath(path)
	require.NoError(t, err)

	require.Equal(t, int64(123456), cfg.MaxTaskSize)
	require.Equal(t, 5*time.Second, cfg.PollInterval)
	require.Equal(t, int64(999), cfg.DefaultQuota)
}

func TestNewConfigWithPathMissingFile(t *testing.T) {
	_, err := NewConfigWithPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNewConfigWithPathRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
not_a_real_field: true
`)
	_, err := NewConfigWithPath(path)
	require.Error(t, err)
}
