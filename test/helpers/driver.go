// Package test provides test utilities and helpers for devicegate tests.
package test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liteclaw/devicegate/internal/browser"
)

// MockDriver is an in-memory browser.Driver for testing.
type MockDriver struct {
	mu        sync.Mutex
	live      map[string]*browser.Handle
	forwarded map[string][][]byte
	destroyed []string

	createErr  error
	destroyErr map[string]error
	forwardErr error
	health     browser.HealthReport
	healthErr  error
	delay      time.Duration

	creates  atomic.Int64
	inFlight atomic.Int64
	maxPar   atomic.Int64
	seq      atomic.Int64
}

// NewMockDriver creates a mock driver that reports healthy.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		live:       make(map[string]*browser.Handle),
		forwarded:  make(map[string][][]byte),
		destroyErr: make(map[string]error),
		health:     browser.HealthReport{OK: true},
	}
}

// SetCreateError makes every Create fail with err until cleared with nil.
func (d *MockDriver) SetCreateError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createErr = err
}

// SetCreateDelay slows Create down to widen race windows.
func (d *MockDriver) SetCreateDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// SetDestroyError makes Destroy fail for the handle with id.
func (d *MockDriver) SetDestroyError(id string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyErr[id] = err
}

// SetForwardError makes every ForwardEvent fail with err.
func (d *MockDriver) SetForwardError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forwardErr = err
}

// SetHealth sets the next HealthCheck answer.
func (d *MockDriver) SetHealth(report browser.HealthReport, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = report
	d.healthErr = err
}

// Create returns a new handle whose ID and ContextID derive from the key.
func (d *MockDriver) Create(ctx context.Context, params browser.CreateParams) (*browser.Handle, error) {
	d.creates.Add(1)
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		cur := d.maxPar.Load()
		if n <= cur || d.maxPar.CompareAndSwap(cur, n) {
			break
		}
	}

	d.mu.Lock()
	delay, err := d.delay, d.createErr
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	seq := d.seq.Add(1)
	h := &browser.Handle{
		ID:        fmt.Sprintf("b-%s-%d", params.SessionKey, seq),
		ContextID: fmt.Sprintf("ctx-%s-%d", params.SessionKey, seq),
	}

	d.mu.Lock()
	d.live[h.ID] = h
	d.mu.Unlock()
	return h, nil
}

// Destroy forgets the handle.
func (d *MockDriver) Destroy(ctx context.Context, h *browser.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.destroyErr[h.ID]; err != nil {
		return err
	}
	delete(d.live, h.ID)
	d.destroyed = append(d.destroyed, h.ID)
	return nil
}

// ForwardEvent records raw against the handle.
func (d *MockDriver) ForwardEvent(ctx context.Context, h *browser.Handle, raw []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.forwardErr != nil {
		return d.forwardErr
	}
	if _, ok := d.live[h.ID]; !ok {
		return browser.ErrUnknownHandle
	}
	d.forwarded[h.ID] = append(d.forwarded[h.ID], append([]byte(nil), raw...))
	return nil
}

// HealthCheck returns the configured report.
func (d *MockDriver) HealthCheck(ctx context.Context) (browser.HealthReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health, d.healthErr
}

// Close is a no-op.
func (d *MockDriver) Close() error { return nil }

// Creates returns how many times Create was called.
func (d *MockDriver) Creates() int { return int(d.creates.Load()) }

// MaxConcurrentCreates returns the highest number of overlapping Create calls.
func (d *MockDriver) MaxConcurrentCreates() int { return int(d.maxPar.Load()) }

// Live returns the number of handles not yet destroyed.
func (d *MockDriver) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Destroyed returns the ids passed to successful Destroy calls.
func (d *MockDriver) Destroyed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

// Forwarded returns the raw frames delivered to the handle with id.
func (d *MockDriver) Forwarded(id string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.forwarded[id]...)
}
