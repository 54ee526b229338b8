package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/internal/browser"
	"github.com/liteclaw/devicegate/internal/clock"
	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
	testhelpers "github.com/liteclaw/devicegate/test/helpers"
)

func TestDefaultFallback(t *testing.T) {
	tests := []struct {
		name         string
		kind         FallbackKind
		keepWarm     bool
		grace        time.Duration
		wantInstance bool
		wantBind     bool
	}{
		{"graceful", FallbackGraceful, true, time.Minute, false, false},
		{"error keeps warm", FallbackError, true, time.Minute, true, true},
		{"error without keep warm", FallbackError, false, time.Minute, false, true},
		{"error without grace", FallbackError, true, 0, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(1)
			driver := testhelpers.NewMockDriver()
			p := pool.New(driver, clk, zerolog.Nop())
			binder := session.NewBinder(clk, session.BinderOptions{})
			binder.Put(session.Bind{SessionKey: "123_456", Token: "T"})

			_, err := p.CreateOrGet(context.Background(), "123_456", browser.CreateParams{SessionKey: "123_456", Width: 1080, Height: 1920})
			require.NoError(t, err)

			fb := &DefaultFallback{
				Pool:        p,
				Binder:      binder,
				KeepWarm:    tt.keepWarm,
				ExpireGrace: tt.grace,
				Timeout:     time.Second,
				Logger:      zerolog.Nop(),
			}
			fb.HandleFallback(context.Background(), Fallback{SessionKey: "123_456", Kind: tt.kind, Reason: "test"})

			_, ok := p.Get("123_456")
			assert.Equal(t, tt.wantInstance, ok, "instance")
			_, ok = binder.Get("123_456")
			assert.Equal(t, tt.wantBind, ok, "bind")
		})
	}
}

func TestFallbackFunc(t *testing.T) {
	var got Fallback
	var h FallbackHandler = FallbackFunc(func(_ context.Context, fb Fallback) { got = fb })
	h.HandleFallback(context.Background(), Fallback{SessionKey: "k", Kind: FallbackError})
	assert.Equal(t, "k", got.SessionKey)
	assert.Equal(t, FallbackError, got.Kind)
}
