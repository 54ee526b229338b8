package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/internal/clock"
)

type fakeChannel struct {
	mu     sync.Mutex
	closed []string
}

func (c *fakeChannel) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, reason)
	return nil
}

func (c *fakeChannel) RemoteAddr() string { return "pipe" }

func TestRegistry_BindEvictsPreviousEntry(t *testing.T) {
	r := NewRegistry(clock.NewFake(0))

	first := r.Open("c1", &fakeChannel{})
	second := r.Open("c2", &fakeChannel{})

	prev := r.Bind(first, LoginInfo{SessionKey: "123_456", TCPUniqueID: "u1"})
	assert.Nil(t, prev)

	prev = r.Bind(second, LoginInfo{SessionKey: "123_456", TCPUniqueID: "u2"})
	require.NotNil(t, prev)
	assert.Same(t, first, prev)

	got, ok := r.Lookup("123_456")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.Bound())

	// Tearing down the evicted entry must not unbind the newer one.
	assert.False(t, r.Remove(first))
	_, ok = r.Lookup("123_456")
	assert.True(t, ok)
}

func TestRegistry_RebindSameEntry(t *testing.T) {
	r := NewRegistry(clock.NewFake(0))
	e := r.Open("c1", &fakeChannel{})

	assert.Nil(t, r.Bind(e, LoginInfo{SessionKey: "a_b"}))
	assert.Nil(t, r.Bind(e, LoginInfo{SessionKey: "a_b"}))
	assert.Nil(t, r.Bind(e, LoginInfo{SessionKey: "c_d"}))

	_, ok := r.Lookup("a_b")
	assert.False(t, ok)
	_, ok = r.Lookup("c_d")
	assert.True(t, ok)
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(clock.NewFake(0))
	e := r.Open("c1", &fakeChannel{})
	r.Bind(e, LoginInfo{SessionKey: "k"})

	assert.True(t, r.Remove(e))
	assert.False(t, r.Remove(e))
	assert.Zero(t, r.Len())
	assert.Zero(t, r.Bound())
}

func TestRegistry_Expired(t *testing.T) {
	clk := clock.NewFake(0)
	r := NewRegistry(clk)
	ttl := 10 * time.Second

	stale := r.Open("stale", &fakeChannel{})
	fresh := r.Open("fresh", &fakeChannel{})

	now := int64(100 * time.Second)
	stale.lastHeartbeat.Store(now - int64(ttl) - 1)
	fresh.lastHeartbeat.Store(now - int64(ttl) + 1)

	expired := r.Expired(now, ttl)
	require.Len(t, expired, 1)
	assert.Same(t, stale, expired[0])

	clk.Set(now)
	r.Touch(stale)
	assert.Empty(t, r.Expired(now, ttl))
}

func TestEntry_MarkFallenBackOnce(t *testing.T) {
	r := NewRegistry(clock.NewFake(0))
	e := r.Open("c1", &fakeChannel{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.MarkFallenBack() {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, e.HasFallenBack())
}
