package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/internal/clock"
)

func TestBinder_PutGetExpire(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{})

	stored := b.Put(Bind{SessionKey: "123_456", Token: "T", Endpoints: Endpoints{Media: "rtp://m"}})
	assert.Equal(t, "T", stored.Token)
	assert.False(t, stored.CreatedAt.IsZero())

	got, ok := b.Get("123_456")
	require.True(t, ok)
	assert.True(t, got.TokenMatches("T"))
	assert.False(t, got.TokenMatches("WRONG"))
	assert.Equal(t, "rtp://m", got.Endpoints.Media)

	assert.True(t, b.Expire("123_456"))
	assert.False(t, b.Expire("123_456"))
	_, ok = b.Get("123_456")
	assert.False(t, ok)
}

func TestBinder_PutGeneratesToken(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{})
	stored := b.Put(Bind{SessionKey: "k"})
	assert.Len(t, stored.Token, 32)
}

func TestBinder_RefreshRotatesToken(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{RotateToken: true})
	b.Put(Bind{SessionKey: "k", Token: "T"})

	refreshed, err := b.Refresh("k")
	require.NoError(t, err)
	assert.NotEqual(t, "T", refreshed.Token)

	got, _ := b.Get("k")
	assert.Equal(t, refreshed.Token, got.Token)

	_, err = b.Refresh("missing")
	assert.ErrorIs(t, err, ErrBindNotFound)
}

func TestBinder_RefreshKeepsTokenWithoutRotation(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{})
	b.Put(Bind{SessionKey: "k", Token: "T"})

	refreshed, err := b.Refresh("k")
	require.NoError(t, err)
	assert.Equal(t, "T", refreshed.Token)
}

func TestBinder_ExpireAfterCancelledByTouch(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{})
	b.Put(Bind{SessionKey: "k", Token: "T"})

	require.True(t, b.ExpireAfter("k", 20*time.Millisecond))
	require.True(t, b.Touch("k"))

	time.Sleep(60 * time.Millisecond)
	_, ok := b.Get("k")
	assert.True(t, ok)
}

func TestBinder_ExpireAfterFires(t *testing.T) {
	b := NewBinder(clock.NewFake(0), BinderOptions{})
	b.Put(Bind{SessionKey: "k", Token: "T"})

	require.True(t, b.ExpireAfter("k", 10*time.Millisecond))
	assert.Eventually(t, func() bool {
		_, ok := b.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.False(t, b.ExpireAfter("missing", time.Millisecond))
}

func TestBinder_SweepExpired(t *testing.T) {
	clk := clock.NewFake(0)
	b := NewBinder(clk, BinderOptions{})
	ttl := time.Minute

	b.Put(Bind{SessionKey: "old", Token: "a"})
	clk.Advance(30 * time.Second)
	b.Put(Bind{SessionKey: "new", Token: "b"})
	clk.Advance(31 * time.Second)

	removed := b.SweepExpired(ttl)
	assert.Equal(t, []string{"old"}, removed)
	assert.Equal(t, 1, b.Len())

	list := b.List()
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].SessionKey)
}
