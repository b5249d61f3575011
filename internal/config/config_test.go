package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesOnlyWhatsSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  data_dir: /var/lib/ablauf\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ablauf", cfg.Engine.DataDir)
	assert.Equal(t, 16, cfg.Engine.ShardCount, "unset fields must keep their default")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: verbose\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsNonPositiveShardCount(t *testing.T) {
	cfg := Default()
	cfg.Engine.ShardCount = 0
	require.Error(t, cfg.Validate())
}
