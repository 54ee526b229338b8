package telemetry

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HTTPReporter posts each property bag as a JSON object to an endpoint.
type HTTPReporter struct {
	client   *resty.Client
	endpoint string
	service  string
	logger   zerolog.Logger
}

// NewHTTPReporter creates a reporter posting to endpoint. service is added to
// every report under "service".
func NewHTTPReporter(endpoint, service string, timeout time.Duration, logger zerolog.Logger) *HTTPReporter {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPReporter{
		client:   client,
		endpoint: endpoint,
		service:  service,
		logger:   logger.With().Str("component", "telemetry").Logger(),
	}
}

// ReportProperties posts props and reports whether the collector accepted it.
func (r *HTTPReporter) ReportProperties(props map[string]string) bool {
	body := make(map[string]string, len(props)+1)
	for k, v := range props {
		body[k] = v
	}
	if r.service != "" {
		body["service"] = r.service
	}

	resp, err := r.client.R().SetBody(body).Post(r.endpoint)
	if err != nil {
		r.logger.Debug().Err(err).Str("event", props["event"]).Msg("Telemetry report failed")
		return false
	}
	if resp.IsError() {
		r.logger.Debug().Int("status", resp.StatusCode()).Str("event", props["event"]).Msg("Telemetry rejected")
		return false
	}
	return true
}

// LogReporter writes each report as a structured log line.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter that logs at info level.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With().Str("component", "telemetry").Logger()}
}

func (r *LogReporter) ReportProperties(props map[string]string) bool {
	ev := r.logger.Info()
	for k, v := range props {
		ev = ev.Str(k, v)
	}
	ev.Msg("Telemetry")
	return true
}
