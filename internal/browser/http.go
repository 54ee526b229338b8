package browser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures an HTTPDriver.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPDriver drives a REST automation backend:
//
//	POST   /browsers               create, returns a Handle
//	DELETE /browsers/{id}          destroy
//	POST   /browsers/{id}/events   raw frame body
//	GET    /health                 HealthReport
type HTTPDriver struct {
	client *resty.Client
}

// NewHTTPDriver creates a driver for the backend at cfg.BaseURL.
func NewHTTPDriver(cfg HTTPConfig) *HTTPDriver {
	client := resty.New().
		SetHostURL(cfg.BaseURL).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	return &HTTPDriver{client: client}
}

// Create provisions or reuses an instance for params.SessionKey.
func (d *HTTPDriver) Create(ctx context.Context, params CreateParams) (*Handle, error) {
	var h Handle
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(params).
		SetResult(&h).
		Post("/browsers")
	if err != nil {
		return nil, fmt.Errorf("create browser: %w", err)
	}
	if resp.IsError() {
		return nil, &BackendError{Op: "create", Status: resp.StatusCode(), Body: resp.String()}
	}
	if h.ID == "" {
		return nil, fmt.Errorf("create browser: backend returned empty id")
	}
	return &h, nil
}

// Destroy tears an instance down. A 404 means it is already gone.
func (d *HTTPDriver) Destroy(ctx context.Context, h *Handle) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": h.ID}).
		Delete("/browsers/{id}")
	if err != nil {
		return fmt.Errorf("destroy browser %s: %w", h.ID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	if resp.IsError() {
		return &BackendError{Op: "destroy", Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// ForwardEvent posts the raw frame as an octet stream.
func (d *HTTPDriver) ForwardEvent(ctx context.Context, h *Handle, raw []byte) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"id": h.ID}).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(raw).
		Post("/browsers/{id}/events")
	if err != nil {
		return fmt.Errorf("forward event to %s: %w", h.ID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("forward event to %s: %w", h.ID, ErrUnknownHandle)
	}
	if resp.IsError() {
		return &BackendError{Op: "forward", Status: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// HealthCheck asks the backend for its global verdict.
func (d *HTTPDriver) HealthCheck(ctx context.Context) (HealthReport, error) {
	var report HealthReport
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&report).
		Get("/health")
	if err != nil {
		return HealthReport{}, fmt.Errorf("health check: %w", err)
	}
	if resp.IsError() {
		return HealthReport{}, &BackendError{Op: "health", Status: resp.StatusCode(), Body: resp.String()}
	}
	return report, nil
}

// Close releases idle connections.
func (d *HTTPDriver) Close() error {
	d.client.GetClient().CloseIdleConnections()
	return nil
}
