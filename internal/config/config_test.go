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
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, "local", cfg.Chat.Bus)
	assert.True(t, cfg.Chat.AutoDataProducer)
	assert.Equal(t, 20, cfg.Chat.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Chat.RateInterval)
	assert.Equal(t, 64, cfg.Signal.SendBuffer)
	assert.Equal(t, 10*time.Second, cfg.Engine.RequestTimeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: 9000
engine:
  udp_port_min: 40000
  udp_port_max: 40100
  ice_servers: ["stun:stun.l.google.com:19302"]
chat:
  bus: redis
  redis:
    channel: test:chat
`), 0o600))
	t.Setenv("STREAM_LOG_LEVEL", "debug")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, uint16(40000), cfg.Engine.UDPPortMin)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.Engine.ICEServers)
	assert.Equal(t, "redis", cfg.Chat.Bus)
	assert.Equal(t, "test:chat", cfg.Chat.Redis.Channel)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chat:\n  bus: kafka\n"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}
