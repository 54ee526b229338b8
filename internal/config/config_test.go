package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("DEVICEGATE_STATE_DIR", "")
	t.Setenv("DEVICEGATE_CONFIG_PATH", "")
	return dir
}

func TestConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7700", cfg.Gateway.Listen)
	assert.Equal(t, 1<<20, cfg.Protocol.MaxFrameBytes)
	assert.Equal(t, 10*time.Minute, cfg.Instance.TTL)
	assert.Equal(t, 90*time.Second, cfg.Connection.TTL)
	assert.Equal(t, "http", cfg.Browser.Driver)
	assert.True(t, cfg.Instance.KeepWarmOnError)
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, cfg, Default())
}

func TestConfigPath(t *testing.T) {
	home := isolate(t)

	assert.Equal(t, filepath.Join(home, ".devicegate"), StateDir())
	assert.Equal(t, filepath.Join(home, ".devicegate", "devicegate.yaml"), ConfigPath())

	t.Setenv("DEVICEGATE_CONFIG_PATH", "/etc/devicegate/gw.yaml")
	assert.Equal(t, "/etc/devicegate/gw.yaml", ConfigPath())
}

func TestLoadConfigFromFile(t *testing.T) {
	home := isolate(t)
	dir := filepath.Join(home, ".devicegate")
	require.NoError(t, os.MkdirAll(dir, 0755))

	content := `
gateway:
  listen: ":9000"
  api:
    token: "${TEST_API_TOKEN}"
connection:
  ttl: 5s
browser:
  driver: cdp
  controlUrl: "ws://chrome:9222"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devicegate.yaml"), []byte(content), 0644))
	t.Setenv("TEST_API_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Gateway.Listen)
	assert.Equal(t, "secret", cfg.Gateway.API.Token)
	assert.Equal(t, 5*time.Second, cfg.Connection.TTL)
	assert.Equal(t, "cdp", cfg.Browser.Driver)
	assert.Equal(t, "ws://chrome:9222", cfg.Browser.ControlURL)
	// untouched keys keep their defaults
	assert.Equal(t, 15*time.Second, cfg.Connection.SweepInterval)
}

func TestEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("DEVICEGATE_GATEWAY_LISTEN", ":1234")
	t.Setenv("DEVICEGATE_INSTANCE_CAPACITY", "7")
	t.Setenv("DEVICEGATE_GATEWAY_API_TOKEN", "tok")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":1234", cfg.Gateway.Listen)
	assert.Equal(t, 7, cfg.Instance.Capacity)
	assert.Equal(t, "tok", cfg.Gateway.API.Token)
}

func TestInvalidConfigFile(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [unterminated"), 0644))
	t.Setenv("DEVICEGATE_CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestEnsureConfigFile(t *testing.T) {
	isolate(t)

	path, created, err := EnsureConfigFile()
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = EnsureConfigFile()
	require.NoError(t, err)
	assert.False(t, created)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Instance, cfg.Instance)
	assert.FileExists(t, path)
}

func TestEffective(t *testing.T) {
	isolate(t)
	t.Setenv("DEVICEGATE_GATEWAY_LISTEN", ":4321")

	out, err := Effective()
	require.NoError(t, err)

	var settings map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out, &settings))
	gw := settings["gateway"].(map[string]interface{})
	assert.Equal(t, ":4321", gw["listen"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no listen", func(c *Config) { c.Gateway.Listen = "" }},
		{"tls without cert", func(c *Config) { c.Gateway.TLS.Enabled = true }},
		{"zero frame cap", func(c *Config) { c.Protocol.MaxFrameBytes = 0 }},
		{"sweep without ttl", func(c *Config) { c.Connection.TTL = 0 }},
		{"unknown driver", func(c *Config) { c.Browser.Driver = "selenium" }},
		{"cdp without url", func(c *Config) { c.Browser.Driver = "cdp"; c.Browser.ControlURL = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
