// ABOUTME: Tests for YAML configuration loading.
// ABOUTME: Covers env expansion, duration parsing, validation, and failure modes.

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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCompleteConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8420"
  server_id: "relay-1"
database:
  path: "/tmp/audit.db"
coordination:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  cleanup_interval: "60s"
  pending_grace_period: "5m"
  request_timeout: "30s"
  queue_size: 50
  max_connections: 200
  topology: "star"
bridge:
  enabled: true
  source: "orchestrator"
  status_interval: "45s"
  stats_interval: "2m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8420", cfg.Server.HTTPAddr)
	assert.Equal(t, "relay-1", cfg.Server.ServerID)
	assert.Equal(t, "/tmp/audit.db", cfg.Database.Path)
	assert.Equal(t, 30*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Coordination.HeartbeatTimeout)
	assert.Equal(t, time.Minute, cfg.Coordination.CleanupInterval)
	assert.Equal(t, 5*time.Minute, cfg.Coordination.PendingGracePeriod)
	assert.Equal(t, 30*time.Second, cfg.Coordination.RequestTimeout)
	assert.Equal(t, 50, cfg.Coordination.QueueSize)
	assert.Equal(t, 200, cfg.Coordination.MaxConnections)
	assert.Equal(t, "star", cfg.Coordination.Topology)
	assert.True(t, cfg.Bridge.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Bridge.StatusInterval)
	assert.Equal(t, 2*time.Minute, cfg.Bridge.StatsInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8420"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.Path, "persistence optional")
	assert.Zero(t, cfg.Coordination.HeartbeatInterval)
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_DB", "/data/relay.db")
	path := writeConfig(t, `
server:
  http_addr: ":8420"
database:
  path: "${TEST_RELAY_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/relay.db", cfg.Database.Path)
}

func TestUnsetEnvVarExpandsToEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8420"
database:
  path: "${DEFINITELY_NOT_SET_RELAY_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Database.Path)
}

func TestMissingHTTPAddrRejected(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "/tmp/audit.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_addr")
}

func TestInvalidDurationRejected(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8420"
coordination:
  heartbeat_interval: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestUnknownTopologyRejected(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8420"
coordination:
  topology: "pentagram"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "topology")
}

func TestHeartbeatTimeoutMustExceedInterval(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8420"
coordination:
  heartbeat_interval: "30s"
  heartbeat_timeout: "10s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_timeout")
}

func TestNegativeQueueSizeRejected(t *testing.T) {
	_, err := Parse([]byte(`
server:
  http_addr: ":8420"
coordination:
  queue_size: -1
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue_size")
}

func TestMissingFileReported(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestMalformedYAMLReported(t *testing.T) {
	path := writeConfig(t, "server: [not: valid")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}
