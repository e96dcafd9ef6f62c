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
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout)
	assert.False(t, cfg.NoTimeout)
	assert.Empty(t, cfg.Devices)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage_dir = "/tmp/prints"
idle_timeout = "2m"
debug = true

[[devices]]
driver = "virtdrv"
name = "Demo Reader"
scan_type = "swipe"
enroll_stages = 3
identify = true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/prints", cfg.StorageDir)
	assert.Equal(t, 2*time.Minute, cfg.IdleTimeout)
	assert.True(t, cfg.Debug)

	require.Len(t, cfg.Devices, 1)
	dev := cfg.Devices[0]
	assert.Equal(t, "virtdrv", dev.Driver)
	assert.Equal(t, "swipe", dev.ScanType)
	assert.Equal(t, 3, dev.EnrollStages)
	assert.True(t, dev.Identify)
	assert.False(t, dev.Storage)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}
