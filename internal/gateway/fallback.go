package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
)

// FallbackKind tells whether a session ended on request or by failure.
type FallbackKind string

const (
	// FallbackGraceful follows a LOGOUT.
	FallbackGraceful FallbackKind = "graceful"
	// FallbackError follows a read error, a dropped transport or an idle
	// eviction.
	FallbackError FallbackKind = "error"
)

// Fallback is the single teardown notification of an authenticated session.
type Fallback struct {
	SessionKey  string
	TCPUniqueID string
	Kind        FallbackKind
	Reason      string
}

// FallbackHandler reacts to ended sessions.
type FallbackHandler interface {
	HandleFallback(ctx context.Context, fb Fallback)
}

// FallbackFunc adapts a function to FallbackHandler.
type FallbackFunc func(ctx context.Context, fb Fallback)

func (f FallbackFunc) HandleFallback(ctx context.Context, fb Fallback) { f(ctx, fb) }

// DefaultFallback releases what a session held. A graceful end deletes the
// instance and expires the bind. An error end keeps the instance warm (when
// KeepWarm is set) and gives the device ExpireGrace to come back before the
// bind goes away.
type DefaultFallback struct {
	Pool        *pool.Pool
	Binder      *session.Binder
	KeepWarm    bool
	ExpireGrace time.Duration
	Timeout     time.Duration
	Logger      zerolog.Logger
}

func (d *DefaultFallback) HandleFallback(ctx context.Context, fb Fallback) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	deleteInstance := fb.Kind == FallbackGraceful || !d.KeepWarm
	if deleteInstance {
		if err := d.Pool.Delete(ctx, fb.SessionKey); err != nil {
			d.Logger.Warn().Err(err).Str("sessionKey", fb.SessionKey).Msg("Failed to release instance")
		}
	}

	switch {
	case fb.Kind == FallbackGraceful || d.ExpireGrace <= 0:
		d.Binder.Expire(fb.SessionKey)
	default:
		d.Binder.ExpireAfter(fb.SessionKey, d.ExpireGrace)
	}

	d.Logger.Debug().
		Str("sessionKey", fb.SessionKey).
		Str("kind", string(fb.Kind)).
		Bool("instanceReleased", deleteInstance).
		Msg("Fallback handled")
}
