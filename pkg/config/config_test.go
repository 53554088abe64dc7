package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, "bend", cfg.Name)
	assert.Equal(t, "@every 5m", cfg.CatalogueScanCron)
	assert.Equal(t, 5*time.Second, cfg.Deadlines.Start)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bend.yaml")
	yaml := `
name: custom
client_addr: "0.0.0.0:9090"
worker_socket: /tmp/custom.sock
run_prefix: /opt/workers
deadlines:
  start: 10s
  work: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Name)
	assert.Equal(t, "0.0.0.0:9090", cfg.ClientAddr)
	assert.Equal(t, 10*time.Second, cfg.Deadlines.Start)
	assert.Equal(t, time.Minute, cfg.Deadlines.Work)
	// Fields not overridden keep their zero-config defaults.
	assert.Equal(t, 2*time.Second, cfg.Deadlines.FinishKill)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadRejectsBadDeadlineDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deadlines:\n  start: not-a-duration\n"), 0o644))

	_, err := Load(path, "")
	assert.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/bend.yaml", "")
	assert.Error(t, err)
}
