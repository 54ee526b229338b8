package gateway

import (
	"context"

	"github.com/google/uuid"

	"github.com/liteclaw/devicegate/internal/browser"
	"github.com/liteclaw/devicegate/internal/protocol"
	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/telemetry"
)

// handleFrame dispatches one inbound frame. It returns false when the
// connection must stop reading.
func (c *conn) handleFrame(ctx context.Context, f *protocol.Frame) bool {
	m, err := f.Message()
	if err != nil {
		c.readFailed(err)
		return false
	}
	c.logger.Trace().Stringer("msg", m).Int64("seq", m.Seq).Msg("Frame received")

	switch {
	case m.Type == protocol.TypeLogin:
		return c.handleLogin(m)
	case m.Type == protocol.TypeHeartbeat:
		return c.handleHeartbeat(m)
	case m.Type == protocol.TypeLogout:
		return c.handleLogout(m)
	case m.Type.IsEvent():
		return c.handleEvent(ctx, m, f.Raw)
	default:
		c.logger.Debug().Int32("type", int32(m.Type)).Msg("Unsupported message type")
		return c.reply(m.Seq, protocol.ResultUnsupported, "unsupported message type")
	}
}

func (c *conn) handleLogin(m *protocol.Message) bool {
	if c.authenticated() {
		c.logger.Warn().Str("sessionKey", c.key).Str("requested", m.SessionKey()).Msg("Login on an authenticated connection")
		return c.reply(m.Seq, protocol.ResultUnsupported, "already logged in")
	}
	if m.LcdWidth <= 0 || m.LcdHeight <= 0 {
		return c.reject(m.Seq, protocol.ResultInvalidParams, "invalid screen size", ReasonAuthFailed)
	}

	key := m.SessionKey()
	bind, ok := c.srv.binder.Get(key)
	if !ok {
		c.logger.Info().Str("sessionKey", key).Msg("Login without session bind")
		return c.reject(m.Seq, protocol.ResultNoBind, "no session bind", ReasonAuthFailed)
	}
	if !bind.TokenMatches(m.Token) {
		c.logger.Warn().Str("sessionKey", key).Msg("Login token mismatch")
		return c.reject(m.Seq, protocol.ResultTokenMismatch, "token mismatch", ReasonAuthFailed)
	}

	bind, err := c.srv.binder.Refresh(key)
	if err != nil {
		return c.reject(m.Seq, protocol.ResultNoBind, "no session bind", ReasonAuthFailed)
	}

	info := session.LoginInfo{
		SessionKey:  key,
		AppType:     m.AppType,
		NetworkType: m.NetworkType,
		TCPUniqueID: uuid.NewString(),
	}
	if prev := c.srv.registry.Bind(c.entry, info); prev != nil {
		// The displaced connection ends without a fallback of its own; the
		// session lives on here.
		prev.MarkFallenBack()
		_ = prev.Channel.Close(ReasonReplaced)
		c.logger.Info().Str("sessionKey", key).Str("previous", prev.ID).Msg("Previous connection replaced")
	}
	c.key = key
	c.setState(stateAuthenticated)

	ack := protocol.Ack(protocol.ResultOK, "")
	ack.Seq = m.Seq
	ack.SessionID = c.id
	if bind.Token != m.Token {
		ack.Token = bind.Token
	}
	if err := c.send(ack); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send login ack")
		_ = c.Close(ReasonWriteError)
		return false
	}

	c.srv.pool.TouchHeartbeat(key, c.srv.pool.Now())
	c.srv.reporter.ReportProperties(telemetry.SessionStart(key, m.AppType, c.entry.StartedAt, info.TCPUniqueID))
	c.logger.Info().
		Str("sessionKey", key).
		Int32("width", m.LcdWidth).
		Int32("height", m.LcdHeight).
		Int32("appType", m.AppType).
		Msg("Device logged in")

	params := browser.CreateParams{
		Width:       m.LcdWidth,
		Height:      m.LcdHeight,
		AppType:     m.AppType,
		NetworkType: m.NetworkType,
		StartURL:    c.srv.cfg.Browser.StartURL,
	}
	c.srv.tasks.Add(1)
	c.creating.Add(1)
	go func() {
		defer c.srv.tasks.Done()
		defer c.creating.Done()
		c.createInstance(key, params, bind)
	}()
	return true
}

// createInstance obtains the session's browser instance and pushes its
// endpoints. A backend failure is reported to the device but leaves the
// connection open. The call is bound to the connection, and teardown waits
// for it so the fallback sees any instance it made.
func (c *conn) createInstance(key string, params browser.CreateParams, bind session.Bind) {
	ctx, cancel := context.WithTimeout(c.ctx, c.srv.cfg.Instance.CreateTimeout)
	defer cancel()

	inst, err := c.srv.pool.CreateOrGet(ctx, key, params)
	if err != nil && c.closed() {
		c.logger.Debug().Err(err).Str("sessionKey", key).Msg("Instance creation abandoned")
		return
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("sessionKey", key).Msg("Instance creation failed")
		if err := c.reply0(protocol.ResultBackendFailure, "browser instance unavailable"); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to report backend failure")
		}
		return
	}

	if err := c.send(endpointsMessage(bind, inst.Handle)); err != nil {
		c.logger.Debug().Err(err).Str("sessionKey", key).Msg("Failed to push endpoints")
		return
	}
	c.setState(stateActive)
	c.logger.Info().Str("sessionKey", key).Str("instance", inst.Handle.ID).Msg("Endpoints pushed")
}

func endpointsMessage(bind session.Bind, h *browser.Handle) *protocol.Message {
	m := &protocol.Message{
		Type:               protocol.TypeEndpoints,
		SessionID:          h.ID,
		MediaEndpoint:      bind.Endpoints.Media,
		MediaTLSEndpoint:   bind.Endpoints.MediaTLS,
		ControlEndpoint:    bind.Endpoints.Control,
		ControlTLSEndpoint: bind.Endpoints.ControlTLS,
		InnerMediaEndpoint: bind.Endpoints.InnerMedia,
	}
	if m.ControlEndpoint == "" {
		m.ControlEndpoint = h.Endpoint
	}
	return m
}

func (c *conn) handleHeartbeat(m *protocol.Message) bool {
	if !c.authenticated() {
		return c.reject(m.Seq, protocol.ResultNotAuthenticated, "login required", ReasonNotAuthorized)
	}
	c.touch()
	return c.reply(m.Seq, protocol.ResultOK, "")
}

func (c *conn) handleEvent(ctx context.Context, m *protocol.Message, raw []byte) bool {
	if !c.authenticated() {
		return c.reject(m.Seq, protocol.ResultNotAuthenticated, "login required", ReasonNotAuthorized)
	}
	c.touch()
	if !c.reply(m.Seq, protocol.ResultOK, "") {
		return false
	}

	inst, ok := c.srv.pool.Get(c.key)
	if !ok {
		c.logger.Debug().Str("sessionKey", c.key).Stringer("type", m.Type).Msg("No instance yet, event dropped")
		return true
	}
	c.setState(stateActive)

	fctx, cancel := context.WithTimeout(ctx, c.srv.cfg.Browser.Timeout)
	defer cancel()
	if err := c.srv.pool.Driver().ForwardEvent(fctx, inst.Handle, raw); err != nil {
		c.srv.pool.MarkDegraded(c.key)
		c.logger.Warn().Err(err).Str("sessionKey", c.key).Stringer("type", m.Type).Msg("Event forward failed")
	}
	return true
}

func (c *conn) handleLogout(m *protocol.Message) bool {
	if !c.authenticated() {
		return c.reject(m.Seq, protocol.ResultNotAuthenticated, "login required", ReasonNotAuthorized)
	}
	_ = c.ack(m.Seq, protocol.ResultOK, "")
	_ = c.Close(ReasonLogout)
	return false
}

// touch records device activity everywhere the session is leased.
func (c *conn) touch() {
	c.srv.registry.Touch(c.entry)
	c.srv.pool.TouchHeartbeat(c.key, c.srv.pool.Now())
	c.srv.binder.Touch(c.key)
}

// reply acknowledges a frame and keeps the connection open unless the write
// fails.
func (c *conn) reply(seq int64, result protocol.ResultCode, reason string) bool {
	if err := c.ack(seq, result, reason); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send ack")
		_ = c.Close(ReasonWriteError)
		return false
	}
	return true
}

// reply0 sends an unsolicited ACK, one that answers no particular frame.
func (c *conn) reply0(result protocol.ResultCode, reason string) error {
	return c.ack(0, result, reason)
}

// reject sends a negative ACK and closes the connection.
func (c *conn) reject(seq int64, result protocol.ResultCode, reason, closeReason string) bool {
	_ = c.ack(seq, result, reason)
	_ = c.Close(closeReason)
	return false
}

func (c *conn) authenticated() bool {
	return c.key != ""
}

// setState moves the connection forward. CLOSED is final.
func (c *conn) setState(s connState) {
	for {
		cur := c.stateV.Load()
		if connState(cur) == stateClosed || c.stateV.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *conn) getState() connState {
	return connState(c.stateV.Load())
}
