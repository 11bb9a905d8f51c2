package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path string, cfg *Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vizier.json")

	cfg := validConfig()
	cfg.DataDir = dir
	cfg.Gateway.Port = 9000
	writeConfigFile(t, path, cfg)

	changes := make(chan *Config, 4)
	watcher, err := NewWatcher(path, func(c *Config) { changes <- c }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	cfg.Gateway.Port = 9001
	writeConfigFile(t, path, cfg)

	select {
	case updated := <-changes:
		assert.Equal(t, 9001, updated.Gateway.Port)
	case <-time.After(3 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestWatcherIgnoresInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vizier.json")

	cfg := validConfig()
	cfg.DataDir = dir
	writeConfigFile(t, path, cfg)

	changes := make(chan *Config, 4)
	watcher, err := NewWatcher(path, func(c *Config) { changes <- c }, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	// Break the config, then fix it. Only the valid version may arrive.
	broken := validConfig()
	broken.DataDir = dir
	broken.Gateway.SharedSecret = ""
	writeConfigFile(t, path, broken)

	time.Sleep(500 * time.Millisecond)

	fixed := validConfig()
	fixed.DataDir = dir
	fixed.Gateway.Port = 9500
	writeConfigFile(t, path, fixed)

	select {
	case updated := <-changes:
		assert.Equal(t, 9500, updated.Gateway.Port)
		assert.NotEmpty(t, updated.Gateway.SharedSecret)
	case <-time.After(3 * time.Second):
		t.Fatal("valid config change never observed")
	}
}

func TestWatcherRequiresCallback(t *testing.T) {
	_, err := NewWatcher("/tmp/x.json", nil, zerolog.Nop())
	require.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vizier.json")
	writeConfigFile(t, path, validConfig())

	watcher, err := NewWatcher(path, func(*Config) {}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, watcher.Start())

	watcher.Stop()
	assert.NotPanics(t, func() { watcher.Stop() })
}
