// Package fixtures provides test fixtures for devicegate tests.
package fixtures

import "fmt"

// GatewayConfig renders a config file that listens on loopback and
// drives the HTTP browser backend at backendURL.
func GatewayConfig(devicePort, apiPort int, backendURL string) string {
	return fmt.Sprintf(`
gateway:
  listen: "127.0.0.1:%d"
  api:
    listen: "127.0.0.1:%d"
    rateLimit:
      enabled: false

browser:
  driver: http
  baseUrl: %q
  timeout: 2s

instance:
  keepWarmOnError: true

bind:
  expireGrace: 1m

logging:
  level: error
  format: json
`, devicePort, apiPort, backendURL)
}

// BrowserCreated is the backend's reply to POST /browsers.
const BrowserCreated = `{"id":"b1","contextId":"ctx1","endpoint":"ws://backend/b1"}`

// BackendHealthy is the backend's reply to GET /health.
const BackendHealthy = `{"ok":true}`
