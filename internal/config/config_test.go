package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", cfg.ServerURL)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 15*time.Second, cfg.ReconnectCap)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Grace)
	assert.Equal(t, 25*time.Second, cfg.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.TypingWindow)
	assert.Equal(t, 4*time.Minute, cfg.MessageTTL)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
}

func TestLoadClient_Overrides(t *testing.T) {
	t.Setenv("CHAT_SERVER_URL", "wss://chat.example/ws")
	t.Setenv("CHAT_MAX_ATTEMPTS", "-1")
	t.Setenv("CHAT_RECONNECT_GRACE", "2s")
	t.Setenv("CHAT_TOKEN", "abc")

	cfg, err := LoadClient()
	require.NoError(t, err)
	opts := cfg.SessionOptions(nil)
	assert.Equal(t, "wss://chat.example/ws", opts.URL)
	assert.Equal(t, -1, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.Grace)
	assert.Equal(t, "abc", cfg.Token)
}

func TestLoadClient_BadDuration(t *testing.T) {
	t.Setenv("CHAT_PING_INTERVAL", "often")
	_, err := LoadClient()
	assert.ErrorContains(t, err, "parse env")
}

func TestLoadBroker(t *testing.T) {
	cfg, err := LoadBroker()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, DirectoryMemory, cfg.Directory)
	assert.Equal(t, 100, cfg.BrokerConfig(nil).HistoryLimit)

	t.Setenv("BROKER_DIRECTORY", " Redis ")
	cfg, err = LoadBroker()
	require.NoError(t, err)
	assert.Equal(t, DirectoryRedis, cfg.Directory)

	t.Setenv("BROKER_DIRECTORY", "postgres")
	_, err = LoadBroker()
	assert.ErrorContains(t, err, "BROKER_DB_DSN")

	t.Setenv("BROKER_DB_DSN", "postgres://localhost/chat")
	_, err = LoadBroker()
	assert.NoError(t, err)

	t.Setenv("BROKER_DIRECTORY", "etcd")
	_, err = LoadBroker()
	assert.ErrorContains(t, err, "etcd")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BROKER_ADDR=:9999\nBROKER_HISTORY_LIMIT=7\n"), 0o600))
	t.Setenv("BROKER_HISTORY_LIMIT", "12")
	t.Cleanup(func() { os.Unsetenv("BROKER_ADDR") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	cfg, err := LoadBroker()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 12, cfg.HistoryLimit, "the environment wins")
}

func TestNewLogger(t *testing.T) {
	assert.True(t, NewLogger("debug").Enabled(t.Context(), -4))
	assert.False(t, NewLogger("nonsense").Enabled(t.Context(), -4))
}
