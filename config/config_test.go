package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
listen: 127.0.0.1:51820
peer: 127.0.0.1:51821
connect_string: profile=42
engine:
  timer_hz: 50
  max_wait: 20ms
  multiplayer: true
nub:
  retry_interval: 100ms
  max_setup_retries: 3
tun:
  name: crynet0
  address: 10.9.0.1/24
`))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:51820", cfg.Listen)
	assert.Equal(t, "profile=42", cfg.ConnectString)
	assert.Equal(t, 50, cfg.Engine.TimerHz)
	assert.Equal(t, 20*time.Millisecond, cfg.Engine.MaxWait)
	assert.True(t, cfg.Engine.Multiplayer)
	assert.Equal(t, 100*time.Millisecond, cfg.Nub.RetryInterval)
	assert.Equal(t, 3, cfg.Nub.MaxSetupRetries)
	assert.Equal(t, "crynet0", cfg.Tun.Name)

	def := Default()
	assert.Equal(t, def.Engine.WheelSlots, cfg.Engine.WheelSlots)
	assert.Equal(t, def.Nub.DisconnectBacklog, cfg.Nub.DisconnectBacklog)
}

func TestParseMissingValues(t *testing.T) {
	_, err := Parse([]byte("engine:\n  timer_hz: 10\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")

	_, err = Parse([]byte("listen: :0\ntun:\n  name: tun0\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tun.address")
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero hz", func(c *Config) { c.Engine.TimerHz = 0 }, "timer_hz"},
		{"min over max", func(c *Config) { c.Engine.MinWait = time.Second }, "min_wait"},
		{"small queue", func(c *Config) { c.Engine.QueueSize = 1 }, "queue_size"},
		{"multiplayer budget", func(c *Config) {
			c.Engine.Multiplayer = true
			c.Engine.PollBudget = 0
		}, "poll_budget"},
		{"no handshakes", func(c *Config) { c.Nub.MaxHandshakes = 0 }, "max_handshakes"},
		{"no backlog", func(c *Config) { c.Nub.DisconnectBacklog = 0 }, "disconnect_backlog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Listen = ":0"
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := Default()
	cfg.Listen = ":0"
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crynet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1:0\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)

	_, err = Load("../etc/crynet.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory traversal")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
