package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "none")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 10*time.Second, cfg.Relay.PresenceGrace)
	assert.Equal(t, 5, cfg.Relay.JoinLimit)
	assert.Equal(t, "127.0.0.1:7070", cfg.Agent.ControlAddr)
	assert.Equal(t, 9, cfg.Mesh.MaxPeers)
	assert.Equal(t, 800*time.Millisecond, cfg.Mesh.BackoffBase)
	assert.Equal(t, 3, cfg.Mesh.MaxReconnectAttempts)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := []byte("port: 9000\nlog_level: debug\nagent:\n  room: band\nmesh:\n  max_peers: 4\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), yaml, 0o644))

	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("JAM_MESH_MAX_RECONNECT_ATTEMPTS", "5")

	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	fs.String("agent.peer_id", "", "")
	require.NoError(t, fs.Parse([]string{"--agent.peer_id=drummer"}))

	cfg, err := Load(fs)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "band", cfg.Agent.Room)
	assert.Equal(t, 4, cfg.Mesh.MaxPeers)
	assert.Equal(t, 5, cfg.Mesh.MaxReconnectAttempts)
	assert.Equal(t, "drummer", cfg.Agent.PeerID)
}
