package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Source.GroupPeriod)
	assert.Equal(t, 4, cfg.Source.MaxFiles)
	assert.Equal(t, "127.0.0.1", cfg.Transport.Host)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
source:
  log_dir: /tmp/vrchat-logs
  max_files: 2
transport:
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/vrchat-logs", cfg.Source.LogDir)
	assert.Equal(t, 2, cfg.Source.MaxFiles)
	assert.Equal(t, 9999, cfg.Transport.Port)
	assert.Equal(t, 30*time.Second, cfg.Source.GroupPeriod, "unspecified fields keep their default")
}

func TestDiff_ReportsChangedFields(t *testing.T) {
	old := defaultConfig()
	updated := defaultConfig()
	updated.Source.MaxFiles = 8
	updated.Transport.Port = 1234

	changes := Diff(old, updated)
	assert.Len(t, changes, 2)
}

func TestDiff_NoChanges(t *testing.T) {
	old := defaultConfig()
	updated := defaultConfig()
	assert.Empty(t, Diff(old, updated))
}
