package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/liteclaw/devicegate/internal/flow"
	"github.com/liteclaw/devicegate/internal/protocol"
	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/sweeper"
	"github.com/liteclaw/devicegate/internal/telemetry"
)

const writeTimeout = 10 * time.Second

// Close reasons recorded on a connection. The first one wins.
const (
	ReasonLogout        = "logout"
	ReasonPeerClosed    = "peer closed"
	ReasonReadError     = "read error"
	ReasonProtocol      = "protocol error"
	ReasonAuthFailed    = "authentication failed"
	ReasonReplaced      = "replaced by newer login"
	ReasonShutdown      = "server shutdown"
	ReasonWriteError    = "write error"
	ReasonIdle          = sweeper.CloseReasonIdle
	ReasonNotAuthorized = "not authenticated"
	ReasonKicked        = "closed by operator"
)

// transport is the byte stream under a connection: a TCP or TLS socket, or a
// WebSocket carrying one frame per binary message.
type transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetWriteDeadline(t time.Time) error
}

type connState int32

const (
	stateConnected connState = iota
	stateAuthenticated
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnected:
		return "CONNECTED"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateActive:
		return "ACTIVE"
	}
	return "CLOSED"
}

// conn is one device connection. Frames are read and handled in order by the
// goroutine running serve; writes may come from that goroutine or from the
// instance creation goroutine and are serialized by writeMu.
type conn struct {
	srv    *Server
	id     string
	rw     transport
	entry  *session.Entry
	flow   *flow.Counters
	logger zerolog.Logger

	// key is owned by the serve goroutine.
	key    string
	stateV atomic.Int32

	writeMu  sync.Mutex
	checksum atomic.Bool

	// ctx ends when the connection closes; creating tracks the instance
	// creation started by LOGIN.
	ctx      context.Context
	cancel   context.CancelFunc
	creating sync.WaitGroup

	closeOnce sync.Once
	reason    atomic.Value
	done      chan struct{}
}

func newConn(s *Server, rw transport) *conn {
	c := &conn{
		srv:  s,
		id:   uuid.NewString(),
		rw:   rw,
		done: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	c.checksum.Store(s.cfg.Protocol.Checksum)
	c.logger = s.logger.With().
		Str("conn", c.id).
		Str("remote", c.RemoteAddr()).
		Logger()
	return c
}

// Close implements session.Channel. It records reason, closes the transport
// and thereby ends the read loop. Later calls are no-ops.
func (c *conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.reason.Store(reason)
		close(c.done)
		c.cancel()
		err = c.rw.Close()
	})
	return err
}

// RemoteAddr implements session.Channel.
func (c *conn) RemoteAddr() string {
	if a := c.rw.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *conn) closeReason() string {
	if r, ok := c.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send writes m in the frame variant the device last used.
func (c *conn) send(m *protocol.Message) error {
	data, err := protocol.Marshal(m, c.checksum.Load())
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed() {
		return net.ErrClosed
	}
	_ = c.rw.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.rw.Write(data); err != nil {
		return err
	}
	c.flow.AddOut(len(data))
	return nil
}

func (c *conn) ack(seq int64, result protocol.ResultCode, reason string) error {
	m := protocol.Ack(result, reason)
	m.Seq = seq
	return c.send(m)
}

// serve registers the connection, runs the read loop until the transport
// fails or a handler closes it, then tears down exactly once.
func (c *conn) serve(ctx context.Context) {
	c.entry = c.srv.registry.Open(c.id, c)
	c.flow = c.srv.flows.Open(c.id)
	c.logger.Debug().Msg("Device connected")

	dec := protocol.NewDecoder(c.srv.cfg.Protocol.MaxFrameBytes)
	for {
		f, err := dec.ReadFrame(c.rw)
		if err != nil {
			c.readFailed(err)
			break
		}
		c.flow.AddIn(len(f.Raw))
		c.checksum.Store(f.Checksummed())

		if !c.handleFrame(ctx, f) {
			break
		}
	}
	c.teardown()
}

func (c *conn) readFailed(err error) {
	if c.closed() {
		return
	}
	if pe, ok := protocol.IsProtocolError(err); ok {
		c.logger.Warn().Err(pe).Int("code", int(pe.Code)).Msg("Protocol violation, closing")
		_ = c.Close(ReasonProtocol)
		return
	}
	if errors.Is(err, io.EOF) {
		_ = c.Close(ReasonPeerClosed)
		return
	}
	c.logger.Debug().Err(err).Msg("Read failed")
	_ = c.Close(ReasonReadError)
}

// teardown unbinds the entry, reports the session end and emits the single
// fallback notification for authenticated sessions.
func (c *conn) teardown() {
	_ = c.Close(ReasonPeerClosed)
	c.stateV.Store(int32(stateClosed))
	reason := c.closeReason()
	c.creating.Wait()

	c.srv.registry.Remove(c.entry)
	snap, _ := c.srv.flows.Close(c.id)

	if c.key == "" {
		c.logger.Debug().Str("reason", reason).Msg("Unauthenticated connection closed")
		return
	}

	info := c.entry.Info()
	c.srv.reporter.ReportProperties(telemetry.SessionEnd(c.key, info.TCPUniqueID, time.Now(), snap.Properties()))

	if !c.entry.MarkFallenBack() {
		c.logger.Info().Str("sessionKey", c.key).Str("reason", reason).Msg("Session closed")
		return
	}

	kind := FallbackError
	if reason == ReasonLogout {
		kind = FallbackGraceful
	}
	fb := Fallback{
		SessionKey:  c.key,
		TCPUniqueID: info.TCPUniqueID,
		Kind:        kind,
		Reason:      reason,
	}
	c.srv.reporter.ReportProperties(telemetry.Fallback(fb.SessionKey, fb.TCPUniqueID, string(fb.Kind), fb.Reason))
	c.srv.fallback.HandleFallback(context.Background(), fb)

	c.logger.Info().
		Str("sessionKey", c.key).
		Str("reason", reason).
		Str("fallback", string(kind)).
		Int64("bytesIn", snap.BytesIn).
		Int64("bytesOut", snap.BytesOut).
		Msg("Session closed")
}
