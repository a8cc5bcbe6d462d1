package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.API.BaseURL)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.WS.URL)
	assert.Equal(t, 15*time.Second, cfg.HTTP.Timeout)
	assert.Equal(t, 10*time.Second, cfg.History.FetchTimeout)
	assert.Equal(t, 30*time.Second, cfg.Send.ConfirmTimeout)
	assert.Equal(t, int64(25<<20), cfg.Upload.MaxSize)
	assert.True(t, cfg.Reconnect.Enabled)
	assert.Equal(t, -1, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 3, cfg.Refresh.Burst)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "chatsync.toml")
	content := `
[api]
base_url = "https://api.example.com"

[ws]
url = "wss://api.example.com/ws"

[reconnect]
base_delay = "2s"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("CHATSYNC_AUTH__TOKEN", "tok")
	t.Setenv("CHATSYNC_WS__URL", "wss://override.example.com/ws")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "wss://override.example.com/ws", cfg.WS.URL)
	assert.Equal(t, "tok", cfg.Auth.Token)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.API.BaseURL = ""
	assert.Error(t, cfg.Validate())
}
