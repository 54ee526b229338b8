package config

import (
	"os"
	"path/filepath"
)

const defaultConfigYAML = `# devicegate configuration. Every key can be overridden with an environment
# variable, e.g. DEVICEGATE_GATEWAY_LISTEN=:7700.
gateway:
  listen: ":7700"
  tls:
    enabled: false
    listen: ":7701"
    certFile: ""
    keyFile: ""
    caFile: ""
  api:
    listen: "127.0.0.1:7780"
    token: "${DEVICEGATE_API_TOKEN}"
    rateLimit:
      enabled: true
      rps: 20
      burst: 40

protocol:
  maxFrameBytes: 1048576
  checksum: false

instance:
  ttl: 10m
  sweepInterval: 30s
  capacity: 100
  keepWarmOnError: true
  createTimeout: 60s

connection:
  ttl: 90s
  sweepInterval: 15s

health:
  interval: 60s

capacity:
  reportInterval: 60s

bind:
  ttl: 30m
  sweepInterval: 60s
  rotateToken: false
  expireGrace: 2m

browser:
  driver: http
  baseUrl: "http://127.0.0.1:9300"
  controlUrl: "ws://127.0.0.1:9222"
  startUrl: "about:blank"
  timeout: 30s

telemetry:
  endpoint: ""
  queueSize: 1024
  service: devicegate

sweeper:
  shutdownGrace: 10s

logging:
  level: info
  format: auto
`

// EnsureConfigFile creates the config file with defaults if it doesn't exist.
// It returns the path and whether the file was created.
func EnsureConfigFile() (string, bool, error) {
	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return path, false, err
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return path, false, err
	}
	return path, true, nil
}
