package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 24000, cfg.SampleRate)
	assert.Equal(t, 1920, cfg.FrameSize)
	assert.Equal(t, 0.9, cfg.PauseThreshold)
	assert.Equal(t, 0.8, cfg.VADThreshold)
	assert.Equal(t, 0.01, cfg.AttackTime)
	assert.Equal(t, 0.01, cfg.ReleaseTime)
	assert.Equal(t, 10, cfg.WarmupSteps)
	assert.Equal(t, 12, cfg.FlushLength)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
host: asr.example.com
api_key: secret
pause_threshold: 0.95
flush_length: 6
connect_timeout: 3s
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "asr.example.com", cfg.Host)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 0.95, cfg.PauseThreshold)
	assert.Equal(t, 6, cfg.FlushLength)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset options keep their defaults.
	assert.Equal(t, 24000, cfg.SampleRate)
	assert.Equal(t, 1920, cfg.FrameSize)
	assert.Equal(t, 10, cfg.WarmupSteps)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Host = "asr.example.com"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.Host = "" }},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"negative frame size", func(c *Config) { c.FrameSize = -1 }},
		{"pause threshold above one", func(c *Config) { c.PauseThreshold = 1.5 }},
		{"vad threshold at pause threshold", func(c *Config) { c.VADThreshold = c.PauseThreshold }},
		{"zero attack time", func(c *Config) { c.AttackTime = 0 }},
		{"negative warmup", func(c *Config) { c.WarmupSteps = -1 }},
		{"zero flush length", func(c *Config) { c.FlushLength = 0 }},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
