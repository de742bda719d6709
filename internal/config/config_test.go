package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
station:
  print_offset: 2
  scan_offset: 1
  tick: 50ms
  missing_label_mode: false
policy:
  desired_tested: 1000
  min_yield: 55
  rules:
    - "tested > 500 && passed * 100 / tested < 60"
printer:
  enabled: true
  address: "127.0.0.1:9100"
  prefix: "REEL01"
  digits: 5
scanner:
  enabled: true
  address: "127.0.0.1:23"
engine:
  simulate: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Station.PrintOffset)
	assert.Equal(t, 1, cfg.Station.ScanOffset)
	assert.Equal(t, 50*time.Millisecond, cfg.Station.Tick)
	assert.False(t, cfg.Station.MissingLabelMode)
	assert.Equal(t, int64(1000), cfg.Policy.DesiredTested)
	assert.Equal(t, 55.0, cfg.Policy.MinYield)
	assert.Len(t, cfg.Policy.Rules, 1)
	assert.Equal(t, 5, cfg.Printer.Digits)

	// 未配置的字段取默认值
	assert.Equal(t, 3, cfg.Printer.CommandAttempts)
	assert.Equal(t, "BARCODE", cfg.Printer.JobFormat)
	assert.Equal(t, 5, cfg.Scanner.MaxReadAttempts)
	assert.Equal(t, 10, cfg.Scanner.MaxBadReads)
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.PulseWidth)
	assert.Equal(t, 2500*time.Millisecond, cfg.Station.ReadyTimeout)

	off := cfg.Offsets()
	assert.Equal(t, 2, off.Print)
	assert.Equal(t, 1, off.Scan)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("R2R_STATION_PRINT_OFFSET", "4")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Station.PrintOffset)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with sim engine", func(c *Config) {}, ""},
		{"negative offset", func(c *Config) { c.Station.PrintOffset = -1 }, "print_offset"},
		{"yield out of range", func(c *Config) { c.Policy.MinYield = 120 }, "min_yield"},
		{"printer without address", func(c *Config) { c.Printer.Enabled = true }, "printer.address"},
		{"sgtin short prefix", func(c *Config) {
			c.Printer.Enabled = true
			c.Printer.Address = "x:1"
			c.Printer.JobFormat = "SGTIN"
			c.Printer.Prefix = "short"
		}, "SGTIN"},
		{"scanner zero attempts", func(c *Config) {
			c.Scanner.Enabled = true
			c.Scanner.Address = "x:1"
			c.Scanner.MaxReadAttempts = 0
		}, "max_read_attempts"},
		{"real engine without endpoint", func(c *Config) { c.Engine.Simulate = false }, "engine.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Engine.Simulate = true
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
