// Package browser talks to the remote automation backend that hosts one
// browser instance per device session.
package browser

import (
	"context"
	"errors"
	"strconv"
)

// ErrUnknownHandle is returned when the backend no longer knows an instance.
var ErrUnknownHandle = errors.New("unknown browser handle")

// CreateParams describe the instance a device session needs.
type CreateParams struct {
	SessionKey  string `json:"sessionKey"`
	Width       int32  `json:"width"`
	Height      int32  `json:"height"`
	AppType     int32  `json:"appType,omitempty"`
	NetworkType int32  `json:"networkType,omitempty"`
	StartURL    string `json:"startUrl,omitempty"`
}

// Handle references one instance inside the backend.
type Handle struct {
	ID        string `json:"id"`
	ContextID string `json:"contextId"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// HealthReport is the backend's global verdict. When OK is false,
// FailingContextIDs lists the contexts it considers broken.
type HealthReport struct {
	OK                bool     `json:"ok"`
	FailingContextIDs []string `json:"failingContextIds,omitempty"`
}

// Failing reports whether contextID is in the failing set.
func (r HealthReport) Failing(contextID string) bool {
	for _, id := range r.FailingContextIDs {
		if id == contextID {
			return true
		}
	}
	return false
}

// Driver is the narrow surface the gateway needs from the backend. Every call
// may fail and errors are returned to the caller unchanged in meaning.
type Driver interface {
	Create(ctx context.Context, params CreateParams) (*Handle, error)
	Destroy(ctx context.Context, h *Handle) error
	// ForwardEvent delivers one raw device frame to the instance.
	ForwardEvent(ctx context.Context, h *Handle, raw []byte) error
	HealthCheck(ctx context.Context) (HealthReport, error)
	Close() error
}

// BackendError is a non-2xx answer from the backend.
type BackendError struct {
	Op     string
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	msg := "browser backend " + e.Op + " failed: status " + strconv.Itoa(e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}
