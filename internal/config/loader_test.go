package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizier.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8420, cfg.Gateway.Port)
	assert.Equal(t, 8, cfg.Bridge.QueueSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizier.json")
	content := `{
		"gateway": {"port": 9000, "shared_secret": "s3cret"},
		"bridge": {"queue_size": 16},
		"turn": {"model": "gpt-4o"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, "s3cret", cfg.Gateway.SharedSecret)
	assert.Equal(t, 16, cfg.Bridge.QueueSize)
	assert.Equal(t, "gpt-4o", cfg.Turn.Model)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vizier.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadAppliesPathDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vizier.json")
	content := `{"data_dir": "` + dir + `"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "vizier.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(dir, "sessions"), cfg.Session.Dir)
	assert.Equal(t, filepath.Join(dir, "history.db"), cfg.History.Path)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vizier.json")
	loader := NewLoader(path)

	cfg := validConfig()
	cfg.Gateway.Port = 9999
	cfg.DataDir = t.TempDir()
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, reloaded.Gateway.Port)
	assert.Equal(t, "secret", reloaded.Gateway.SharedSecret)
	require.Len(t, reloaded.AI.Profiles, 1)
	assert.Equal(t, "primary", reloaded.AI.Profiles[0].ID)
}

func TestGetConfigPath(t *testing.T) {
	t.Run("explicit path", func(t *testing.T) {
		loader := NewLoader("/tmp/custom.json")
		assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())
	})

	t.Run("default path under home", func(t *testing.T) {
		loader := NewLoader("")
		path := loader.GetConfigPath()
		assert.Contains(t, path, ".vizier")
		assert.Contains(t, path, "vizier.json")
	})
}
