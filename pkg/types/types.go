// Package types holds the JSON shapes of the control API, shared by the
// server and the CLI client.
package types

import "time"

// Error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Response is a generic API response.
type Response[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// OK creates a successful response.
func OK[T any](data T) *Response[T] {
	return &Response[T]{Success: true, Data: data}
}

// Err creates an error response.
func Err(code, message string) *Response[any] {
	return &Response[any]{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	}
}

// Endpoints are the addresses pushed to a device once its instance is up.
type Endpoints struct {
	Media      string `json:"media,omitempty" validate:"omitempty,max=512"`
	MediaTLS   string `json:"mediaTls,omitempty" validate:"omitempty,max=512"`
	Control    string `json:"control,omitempty" validate:"omitempty,max=512"`
	ControlTLS string `json:"controlTls,omitempty" validate:"omitempty,max=512"`
	InnerMedia string `json:"innerMedia,omitempty" validate:"omitempty,max=512"`
}

// CreateBindRequest provisions a session bind. An empty token is generated
// by the server.
type CreateBindRequest struct {
	IMEI      string    `json:"imei" validate:"required,max=64,excludes=_"`
	IMSI      string    `json:"imsi" validate:"required,max=64"`
	Token     string    `json:"token,omitempty" validate:"omitempty,max=256"`
	Endpoints Endpoints `json:"endpoints"`
}

// Bind is a provisioned session bind. Token is only filled in when the bind
// is created.
type Bind struct {
	SessionKey string    `json:"sessionKey"`
	Token      string    `json:"token,omitempty"`
	Endpoints  Endpoints `json:"endpoints"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Session is one live device connection.
type Session struct {
	ID          string    `json:"id"`
	SessionKey  string    `json:"sessionKey,omitempty"`
	Remote      string    `json:"remote"`
	State       string    `json:"state"`
	AppType     int32     `json:"appType,omitempty"`
	NetworkType int32     `json:"networkType,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	IdleMs      int64     `json:"idleMs"`
	BytesIn     int64     `json:"bytesIn"`
	BytesOut    int64     `json:"bytesOut"`
	FramesIn    int64     `json:"framesIn"`
	FramesOut   int64     `json:"framesOut"`
	Instance    string    `json:"instance,omitempty"`
}

// Instance is one remote browser instance.
type Instance struct {
	SessionKey string    `json:"sessionKey"`
	ID         string    `json:"id"`
	ContextID  string    `json:"contextId"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
	IdleMs     int64     `json:"idleMs"`
}

// MemoryStats represents memory usage.
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // Bytes allocated and in use
	TotalAlloc uint64 `json:"totalAlloc"` // Total bytes allocated
	Sys        uint64 `json:"sys"`        // Bytes obtained from system
	NumGC      uint32 `json:"numGC"`      // Number of GC cycles
}

// Traffic aggregates byte and frame counters.
type Traffic struct {
	BytesIn   int64 `json:"bytesIn"`
	BytesOut  int64 `json:"bytesOut"`
	FramesIn  int64 `json:"framesIn"`
	FramesOut int64 `json:"framesOut"`
}

// Job is the state of one sweep job.
type Job struct {
	Name           string `json:"name"`
	Every          string `json:"every"`
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"`
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
	Runs           int64  `json:"runs"`
}

// Status represents the gateway status.
type Status struct {
	Status      string      `json:"status"`
	Version     string      `json:"version"`
	Uptime      string      `json:"uptime"`
	Connections int         `json:"connections"`
	Sessions    int         `json:"sessions"`
	Instances   int         `json:"instances"`
	Capacity    int         `json:"capacity"`
	Binds       int         `json:"binds"`
	Traffic     Traffic     `json:"traffic"`
	Jobs        []Job       `json:"jobs,omitempty"`
	Memory      MemoryStats `json:"memory"`
	GoVersion   string      `json:"goVersion"`
	Arch        string      `json:"arch"`
	OS          string      `json:"os"`
}
