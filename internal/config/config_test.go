package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xupit3r/clrun/internal/csr"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "hw", cfg.CSR.Backend)
	assert.Equal(t, []string{"rcs"}, cfg.CSR.Engines)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Memory.DeferredDeletion)
	assert.Equal(t, filepath.Join(home, ".clrun", "clrun.log"), cfg.Logging.File)
}

func TestLoadFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
csr:
  backend: hw_with_aub
  hardware_generation: gen9
  engines: [render, copy]
  tag_poll_interval: 1ms
aub:
  file: ~/dumps/run-%s.aub
memory:
  device_memory: 1048576
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "hw_with_aub", cfg.CSR.Backend)
	assert.Equal(t, "gen9", cfg.CSR.HardwareGeneration)
	assert.Equal(t, time.Millisecond, cfg.CSR.TagPollInterval)
	assert.Equal(t, filepath.Join(home, "dumps", "run-%s.aub"), cfg.AUB.File)
	assert.Equal(t, "debug", cfg.Logging.Level)

	dc, err := cfg.DeviceConfig()
	require.NoError(t, err)
	assert.Equal(t, []csr.EngineType{csr.EngineRender, csr.EngineCopy}, dc.Engines)
	assert.Equal(t, csr.EngineRender, dc.CSR.Engine)
	assert.Equal(t, int64(1048576), dc.DeviceMemory)
	assert.Equal(t, cfg.AUB.File, dc.CSR.AUBFile)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLRUN_CSR_BACKEND", "tbx")

	_, err := Load("")
	require.Error(t, err, "tbx without an address")

	t.Setenv("CLRUN_TBX_ADDRESS", "127.0.0.1:4321")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "tbx", cfg.CSR.Backend)
	assert.Equal(t, "127.0.0.1:4321", cfg.TBX.Address)
}

func TestSettingsReadEnvironment(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLRUN_FTR_FTR64KBPAGES", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	s := cfg.Settings()
	assert.False(t, s.GetBool("FTR_FTR64KBPAGES", true))
	assert.True(t, s.GetBool("FTR_FTRSVM", true), "unset names fall back")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.CSR.Backend = "vulkan" }},
		{"unknown generation", func(c *Config) { c.CSR.HardwareGeneration = "gen42" }},
		{"no engines", func(c *Config) { c.CSR.Engines = nil }},
		{"unknown engine", func(c *Config) { c.CSR.Engines = []string{"warp"} }},
		{"duplicate engine", func(c *Config) { c.CSR.Engines = []string{"rcs", "render"} }},
		{"tiny stream", func(c *Config) { c.CSR.LinearStreamSize = 128 }},
		{"zero poll interval", func(c *Config) { c.CSR.TagPollInterval = 0 }},
		{"negative pool", func(c *Config) { c.Memory.PoolMaxBytes = -1 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
