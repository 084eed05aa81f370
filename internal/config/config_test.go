package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/piwi3910/rdmalink/internal/bench"
	"github.com/piwi3910/rdmalink/internal/control"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/transport"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdmalink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, transport.NameRDMA, cfg.Transport)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, control.DefaultConfig(), cfg.Control)
	assert.Equal(t, *rdma.DefaultConfig(), cfg.RDMA)
	assert.Equal(t, bench.DefaultConfig(), cfg.Bench)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, metrics.DefaultAddress, cfg.Metrics.Address)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
transport: tcp
log_level: debug
control:
  address: 10.0.0.7
  port: 7500
  dial_timeout: 2s
rdma:
  device_name: rxe0
  gid_index: 1
  path_mtu: 4096
  poll_timeout: 250ms
bench:
  buffer_size: 1048576
  iterations: 3
metrics:
  enabled: true
  address: 127.0.0.1:9999
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, transport.NameTCP, cfg.Transport)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "10.0.0.7", cfg.Control.Address)
	assert.Equal(t, 7500, cfg.Control.Port)
	assert.Equal(t, 2*time.Second, cfg.Control.DialTimeout)
	assert.Equal(t, "rxe0", cfg.RDMA.DeviceName)
	assert.Equal(t, 1, cfg.RDMA.GIDIndex)
	assert.Equal(t, 4096, cfg.RDMA.PathMTU)
	assert.Equal(t, 250*time.Millisecond, cfg.RDMA.PollTimeout)
	assert.Equal(t, 1048576, cfg.Bench.BufferSize)
	assert.Equal(t, 3, cfg.Bench.Iterations)
	assert.Equal(t, bench.DefaultWarmup, cfg.Bench.Warmup)
	assert.True(t, cfg.Metrics.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, uint8(rdma.DefaultRNRRetry), cfg.RDMA.RNRRetry)
	assert.Equal(t, rdma.DefaultCQDepth, cfg.RDMA.CQDepth)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("RDMALINK_RDMA_DEVICE_NAME", "mlx5_1")
	t.Setenv("RDMALINK_CONTROL_PORT", "7600")
	t.Setenv("RDMALINK_RDMA_POLL_INTERVAL", "1ms")

	path := writeConfig(t, "rdma:\n  device_name: rxe0\n")

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "mlx5_1", cfg.RDMA.DeviceName)
	assert.Equal(t, 7600, cfg.Control.Port)
	assert.Equal(t, time.Millisecond, cfg.RDMA.PollInterval)
}

func TestLoadOptionsWin(t *testing.T) {
	t.Setenv("RDMALINK_RDMA_DEVICE_NAME", "mlx5_1")

	simulated := true
	gidIndex := 1

	cfg, err := Load("", Options{
		Transport: transport.NameTCP,
		Device:    "rxe0",
		Address:   "192.168.0.3",
		Port:      7700,
		GIDIndex:  &gidIndex,
		LogLevel:  "warn",
		Simulated: &simulated,
	})
	require.NoError(t, err)

	assert.Equal(t, transport.NameTCP, cfg.Transport)
	assert.Equal(t, "rxe0", cfg.RDMA.DeviceName)
	assert.Equal(t, "192.168.0.3", cfg.Control.Address)
	assert.Equal(t, 7700, cfg.Control.Port)
	assert.Equal(t, 1, cfg.RDMA.GIDIndex)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.RDMA.Simulated)
}

func TestLoadZeroGIDIndexOverridesFile(t *testing.T) {
	path := writeConfig(t, "rdma:\n  gid_index: 3\n")

	cfg, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RDMA.GIDIndex)

	zero := 0

	cfg, err = Load(path, Options{GIDIndex: &zero})
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RDMA.GIDIndex)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"transport", "transport: udp\n"},
		{"log level", "log_level: loud\n"},
		{"port", "control:\n  port: 70000\n"},
		{"dial retries", "control:\n  dial_retries: -1\n"},
		{"path mtu", "rdma:\n  path_mtu: 1500\n"},
		{"retry count", "rdma:\n  retry_count: 8\n"},
		{"timeout", "rdma:\n  timeout: 32\n"},
		{"bench iterations", "bench:\n  iterations: 0\n"},
		{"metrics address", "metrics:\n  enabled: true\n  address: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), Options{})
			require.Error(t, err)
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg, err := Load("", Options{Device: "rxe0"})
	require.NoError(t, err)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "device_name: rxe0")
	assert.NotContains(t, string(out), "file:")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	back.File = cfg.File
	assert.Equal(t, *cfg, back)

	// The rendered file loads back to the same configuration.
	reloaded, err := Load(writeConfig(t, string(out)), Options{})
	require.NoError(t, err)
	reloaded.File = cfg.File
	assert.Equal(t, *cfg, *reloaded)
}
