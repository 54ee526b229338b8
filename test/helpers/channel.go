package test

import (
	"sync"
	"testing"
)

// MockChannel is a session.Channel that records Close calls.
type MockChannel struct {
	addr string

	mu      sync.Mutex
	reasons []string
}

// NewMockChannel creates a new mock channel.
func NewMockChannel(addr string) *MockChannel {
	return &MockChannel{addr: addr}
}

// Close records the reason.
func (c *MockChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
	return nil
}

// RemoteAddr returns the address given at construction.
func (c *MockChannel) RemoteAddr() string {
	return c.addr
}

// Closed reports whether Close was called at least once.
func (c *MockChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reasons) > 0
}

// CloseReasons returns every reason Close was called with.
func (c *MockChannel) CloseReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

// AssertClosedWith asserts that the channel was closed with reason.
func (c *MockChannel) AssertClosedWith(t *testing.T, reason string) {
	t.Helper()

	for _, r := range c.CloseReasons() {
		if r == reason {
			return
		}
	}
	t.Errorf("Expected channel to be closed with %q, got %v", reason, c.CloseReasons())
}
