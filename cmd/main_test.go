package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentcore/coreengine/testutil"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(flags{})
	require.NoError(t, err)

	assert.Equal(t, ":50051", cfg.Server.GRPCAddress)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddress)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: WARN\nserver:\n  grpc_address: \":7000\"\n"), 0o600))

	cfg, err := loadConfig(flags{configPath: path, metricsAddr: ":9999", logLevel: "DEBUG"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.GRPCAddress)
	assert.Equal(t, ":9999", cfg.Server.MetricsAddress)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(flags{configPath: filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestHostCapacity(t *testing.T) {
	logger := testutil.NewMockLogger()

	cpu, memMB := hostCapacity(context.Background(), 2, 512, logger)
	assert.Equal(t, 2.0, cpu)
	assert.Equal(t, 512, memMB)

	cpu, memMB = hostCapacity(context.Background(), 0, 0, logger)
	assert.Greater(t, cpu, 0.0)
	assert.Greater(t, memMB, 0)
	assert.True(t, logger.HasLog("info", "worker_capacity"))
}
