package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(10), cfg.Pricing.BaseUnit)
	m, ok := cfg.Multiplier("4K")
	require.True(t, ok)
	assert.Equal(t, int64(4), m)
	assert.Equal(t, time.Minute, cfg.Pool.Cooldown)
	assert.Equal(t, 3*time.Minute, cfg.Renderer.Timeout)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("render:\n  concurrency: 8\nqueue:\n  driver: inline\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Render.Concurrency)
	assert.Equal(t, "inline", cfg.Queue.Driver)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	_, err := FromYAML([]byte("storage:\n  driver: s3\n"))
	assert.ErrorContains(t, err, "storage.driver")

	_, err = FromYAML([]byte("planner:\n  max_attempts: 0\n"))
	assert.ErrorContains(t, err, "planner.max_attempts")

	_, err = FromYAML([]byte("pricing: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sweep:\n  threshold: 30m\npool:\n  cooldown: 2m\n"), 0o600))
	t.Setenv("STUDIO_POOL_COOLDOWN", "90s")
	t.Setenv("STUDIO_RENDER_CONCURRENCY", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.Threshold)
	assert.Equal(t, 90*time.Second, cfg.Pool.Cooldown)
	assert.Equal(t, 2, cfg.Render.Concurrency)
	m, ok := cfg.Multiplier("2K")
	require.True(t, ok)
	assert.Equal(t, int64(2), m)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Storage.Driver)
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join(".", ".studio", "studio.yaml"), Path(""))
}
