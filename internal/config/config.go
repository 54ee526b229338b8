// Package config provides configuration management for devicegate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound indicates no usable config file was found.
var ErrConfigNotFound = errors.New("config not found")

// Config matches the structure of devicegate.yaml.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway" mapstructure:"gateway"`
	Protocol   ProtocolConfig   `json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	Instance   InstanceConfig   `json:"instance" yaml:"instance" mapstructure:"instance"`
	Connection ConnectionConfig `json:"connection" yaml:"connection" mapstructure:"connection"`
	Health     HealthConfig     `json:"health" yaml:"health" mapstructure:"health"`
	Capacity   CapacityConfig   `json:"capacity" yaml:"capacity" mapstructure:"capacity"`
	Bind       BindConfig       `json:"bind" yaml:"bind" mapstructure:"bind"`
	Browser    BrowserConfig    `json:"browser" yaml:"browser" mapstructure:"browser"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
	Sweeper    SweeperConfig    `json:"sweeper" yaml:"sweeper" mapstructure:"sweeper"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" mapstructure:"logging"`
}

type GatewayConfig struct {
	Listen string    `json:"listen" yaml:"listen" mapstructure:"listen"`
	TLS    TLSConfig `json:"tls" yaml:"tls" mapstructure:"tls"`
	API    APIConfig `json:"api" yaml:"api" mapstructure:"api"`
}

type TLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Listen   string `json:"listen" yaml:"listen" mapstructure:"listen"`
	CertFile string `json:"certFile" yaml:"certFile" mapstructure:"certFile"`
	KeyFile  string `json:"keyFile" yaml:"keyFile" mapstructure:"keyFile"`
	CAFile   string `json:"caFile" yaml:"caFile" mapstructure:"caFile"`
}

type APIConfig struct {
	Listen    string          `json:"listen" yaml:"listen" mapstructure:"listen"`
	Token     string          `json:"token" yaml:"token" mapstructure:"token"`
	RateLimit RateLimitConfig `json:"rateLimit" yaml:"rateLimit" mapstructure:"rateLimit"`
}

type RateLimitConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" mapstructure:"rps"`
	Burst   int     `json:"burst" yaml:"burst" mapstructure:"burst"`
}

type ProtocolConfig struct {
	MaxFrameBytes int `json:"maxFrameBytes" yaml:"maxFrameBytes" mapstructure:"maxFrameBytes"`
	// Checksum makes server-initiated frames carry a CRC32 trailer before the
	// device has sent anything.
	Checksum bool `json:"checksum" yaml:"checksum" mapstructure:"checksum"`
}

type InstanceConfig struct {
	TTL             time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	SweepInterval   time.Duration `json:"sweepInterval" yaml:"sweepInterval" mapstructure:"sweepInterval"`
	Capacity        int           `json:"capacity" yaml:"capacity" mapstructure:"capacity"`
	KeepWarmOnError bool          `json:"keepWarmOnError" yaml:"keepWarmOnError" mapstructure:"keepWarmOnError"`
	CreateTimeout   time.Duration `json:"createTimeout" yaml:"createTimeout" mapstructure:"createTimeout"`
}

type ConnectionConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval" mapstructure:"sweepInterval"`
}

type HealthConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
}

type CapacityConfig struct {
	ReportInterval time.Duration `json:"reportInterval" yaml:"reportInterval" mapstructure:"reportInterval"`
}

type BindConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" mapstructure:"ttl"`
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval" mapstructure:"sweepInterval"`
	RotateToken   bool          `json:"rotateToken" yaml:"rotateToken" mapstructure:"rotateToken"`
	ExpireGrace   time.Duration `json:"expireGrace" yaml:"expireGrace" mapstructure:"expireGrace"`
}

type BrowserConfig struct {
	Driver     string        `json:"driver" yaml:"driver" mapstructure:"driver"` // "http" | "cdp"
	BaseURL    string        `json:"baseUrl" yaml:"baseUrl" mapstructure:"baseUrl"`
	ControlURL string        `json:"controlUrl" yaml:"controlUrl" mapstructure:"controlUrl"`
	StartURL   string        `json:"startUrl" yaml:"startUrl" mapstructure:"startUrl"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

type TelemetryConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	QueueSize int    `json:"queueSize" yaml:"queueSize" mapstructure:"queueSize"`
	Service   string `json:"service" yaml:"service" mapstructure:"service"`
}

type SweeperConfig struct {
	ShutdownGrace time.Duration `json:"shutdownGrace" yaml:"shutdownGrace" mapstructure:"shutdownGrace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"` // "json" | "console" | "auto"
}

// StateDir returns the devicegate state directory path.
// Can be overridden via DEVICEGATE_STATE_DIR environment variable.
// Default: ~/.devicegate
func StateDir() string {
	if override := strings.TrimSpace(os.Getenv("DEVICEGATE_STATE_DIR")); override != "" {
		return expandPath(override)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".devicegate"
	}
	return filepath.Join(home, ".devicegate")
}

// ConfigPath returns the default config file path.
// Can be overridden via DEVICEGATE_CONFIG_PATH environment variable.
// Default: ~/.devicegate/devicegate.yaml
func ConfigPath() string {
	if override := strings.TrimSpace(os.Getenv("DEVICEGATE_CONFIG_PATH")); override != "" {
		return expandPath(override)
	}
	return filepath.Join(StateDir(), "devicegate.yaml")
}

// expandPath expands ~ to home directory and resolves the path.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return absPath
}

// LoadViper loads the configuration into a Viper instance. When no config
// file exists the instance still carries defaults and environment overrides,
// and ErrConfigNotFound is returned alongside it.
func LoadViper() (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configPath := strings.TrimSpace(os.Getenv("DEVICEGATE_CONFIG_PATH")); configPath != "" {
		expandedPath := expandPath(configPath)
		fileInfo, err := os.Stat(expandedPath)
		if err == nil && fileInfo.IsDir() {
			v.SetConfigName("devicegate")
			v.AddConfigPath(expandedPath)
		} else {
			v.SetConfigFile(expandedPath)
		}
	} else {
		// devicegate.yaml or devicegate.json
		v.SetConfigName("devicegate")
		v.AddConfigPath(StateDir())
	}

	v.SetEnvPrefix("DEVICEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return v, ErrConfigNotFound
		}
		return nil, err
	}
	return v, nil
}

// Load reads the configuration from file and environment variables. A missing
// config file is not an error; defaults apply.
func Load() (*Config, error) {
	v, err := LoadViper()
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	expandEnvVars(&cfg)
	return &cfg, nil
}

// Default returns the configuration with only defaults applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen", ":7700")
	v.SetDefault("gateway.tls.enabled", false)
	v.SetDefault("gateway.tls.listen", ":7701")
	v.SetDefault("gateway.tls.certFile", "")
	v.SetDefault("gateway.tls.keyFile", "")
	v.SetDefault("gateway.tls.caFile", "")
	v.SetDefault("gateway.api.listen", "127.0.0.1:7780")
	v.SetDefault("gateway.api.token", "")
	v.SetDefault("gateway.api.rateLimit.enabled", true)
	v.SetDefault("gateway.api.rateLimit.rps", 20.0)
	v.SetDefault("gateway.api.rateLimit.burst", 40)

	v.SetDefault("protocol.maxFrameBytes", 1<<20)
	v.SetDefault("protocol.checksum", false)

	v.SetDefault("instance.ttl", "10m")
	v.SetDefault("instance.sweepInterval", "30s")
	v.SetDefault("instance.capacity", 100)
	v.SetDefault("instance.keepWarmOnError", true)
	v.SetDefault("instance.createTimeout", "60s")

	v.SetDefault("connection.ttl", "90s")
	v.SetDefault("connection.sweepInterval", "15s")

	v.SetDefault("health.interval", "60s")
	v.SetDefault("capacity.reportInterval", "60s")

	v.SetDefault("bind.ttl", "30m")
	v.SetDefault("bind.sweepInterval", "60s")
	v.SetDefault("bind.rotateToken", false)
	v.SetDefault("bind.expireGrace", "2m")

	v.SetDefault("browser.driver", "http")
	v.SetDefault("browser.baseURL", "http://127.0.0.1:9300")
	v.SetDefault("browser.controlURL", "ws://127.0.0.1:9222")
	v.SetDefault("browser.startURL", "about:blank")
	v.SetDefault("browser.timeout", "30s")

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.queueSize", 1024)
	v.SetDefault("telemetry.service", "devicegate")

	v.SetDefault("sweeper.shutdownGrace", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
}

// expandEnvVars expands environment variables in secrets and endpoints.
func expandEnvVars(cfg *Config) {
	cfg.Gateway.API.Token = os.ExpandEnv(cfg.Gateway.API.Token)
	cfg.Telemetry.Endpoint = os.ExpandEnv(cfg.Telemetry.Endpoint)
	cfg.Browser.BaseURL = os.ExpandEnv(cfg.Browser.BaseURL)
}

// Effective renders the merged settings (file, environment and defaults) as
// YAML.
func Effective() ([]byte, error) {
	v, err := LoadViper()
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}
	return yaml.Marshal(v.AllSettings())
}

// Validate checks for semantic errors in the config.
func (c *Config) Validate() error {
	if c.Gateway.Listen == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	if c.Gateway.TLS.Enabled {
		if c.Gateway.TLS.Listen == "" {
			return fmt.Errorf("gateway.tls.listen is required when TLS is enabled")
		}
		if c.Gateway.TLS.CertFile == "" || c.Gateway.TLS.KeyFile == "" {
			return fmt.Errorf("gateway.tls.certFile and gateway.tls.keyFile are required when TLS is enabled")
		}
	}
	if c.Protocol.MaxFrameBytes <= 0 {
		return fmt.Errorf("protocol.maxFrameBytes must be positive")
	}

	leases := []struct {
		name          string
		ttl, interval time.Duration
	}{
		{"instance", c.Instance.TTL, c.Instance.SweepInterval},
		{"connection", c.Connection.TTL, c.Connection.SweepInterval},
		{"bind", c.Bind.TTL, c.Bind.SweepInterval},
	}
	for _, l := range leases {
		if l.interval > 0 && l.ttl <= 0 {
			return fmt.Errorf("%s.ttl must be positive when %s.sweepInterval is set", l.name, l.name)
		}
	}

	if c.Instance.Capacity < 0 {
		return fmt.Errorf("instance.capacity must not be negative")
	}

	switch c.Browser.Driver {
	case "http":
		if c.Browser.BaseURL == "" {
			return fmt.Errorf("browser.baseURL is required for the http driver")
		}
	case "cdp":
		if c.Browser.ControlURL == "" {
			return fmt.Errorf("browser.controlURL is required for the cdp driver")
		}
	default:
		return fmt.Errorf("invalid browser.driver '%s'. Expected 'http' or 'cdp'", c.Browser.Driver)
	}

	switch c.Logging.Format {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("invalid logging.format '%s'", c.Logging.Format)
	}
	return nil
}
