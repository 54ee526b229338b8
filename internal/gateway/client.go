package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liteclaw/devicegate/internal/protocol"
)

// ErrClientClosed is returned by requests on a closed client.
var ErrClientClosed = errors.New("client closed")

// ResultError is a negative ACK.
type ResultError struct {
	Result protocol.ResultCode
	Reason string
}

func (e *ResultError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request rejected (result=%d)", e.Result)
	}
	return fmt.Sprintf("request rejected (result=%d): %s", e.Result, e.Reason)
}

// ClientOptions configures a device client.
type ClientOptions struct {
	// URL selects the transport: tcp://host:port, tls://host:port,
	// ws://host:port/device or wss://host:port/device.
	URL       string
	TLSConfig *tls.Config
	// Checksum sends frames with a CRC32 trailer.
	Checksum      bool
	MaxFrameBytes int
	DialTimeout   time.Duration

	// OnPush is called from the read loop for every server-initiated frame:
	// ENDPOINTS and unsolicited ACKs.
	OnPush  func(m *protocol.Message)
	OnClose func(err error)
}

// LoginParams are the device attributes sent in LOGIN.
type LoginParams struct {
	IMEI        string
	IMSI        string
	Token       string
	Width       int32
	Height      int32
	AppType     int32
	AudType     int32
	NetworkType int32
}

// Client speaks the device protocol to a gateway. Requests are matched to
// ACKs by sequence number.
type Client struct {
	opts ClientOptions
	rw   transport

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *protocol.Message
	closed  bool
	token   string
	err     error

	seq     atomic.Int64
	pushes  chan *protocol.Message
	closeCh chan struct{}
	done    chan struct{}
}

// NewClient creates a client. Call Connect to dial.
func NewClient(opts ClientOptions) *Client {
	if opts.URL == "" {
		opts.URL = "tcp://127.0.0.1:7700"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		pending: make(map[int64]chan *protocol.Message),
		pushes:  make(chan *protocol.Message, 32),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// NewClientConn creates a client over an established connection.
func NewClientConn(c net.Conn, opts ClientOptions) *Client {
	cl := NewClient(opts)
	cl.attach(c)
	return cl
}

// Connect dials the gateway.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.mu.Unlock()

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.opts.URL, err)
	}

	var rw transport
	switch u.Scheme {
	case "tcp", "":
		d := net.Dialer{Timeout: c.opts.DialTimeout}
		rw, err = d.DialContext(ctx, "tcp", u.Host)
	case "tls":
		d := tls.Dialer{NetDialer: &net.Dialer{Timeout: c.opts.DialTimeout}, Config: c.opts.TLSConfig}
		var nc net.Conn
		nc, err = d.DialContext(ctx, "tcp", u.Host)
		rw = nc
	case "ws", "wss":
		dialer := websocket.Dialer{
			HandshakeTimeout: c.opts.DialTimeout,
			TLSClientConfig:  c.opts.TLSConfig,
		}
		var ws *websocket.Conn
		ws, _, err = dialer.DialContext(ctx, u.String(), nil)
		if err == nil {
			rw = newWSStream(ws)
		}
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.attach(rw)
	return nil
}

func (c *Client) attach(rw transport) {
	c.mu.Lock()
	c.rw = rw
	c.mu.Unlock()
	go c.readLoop()
}

// Close closes the connection and fails pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	rw := c.rw
	c.mu.Unlock()

	if rw != nil {
		return rw.Close()
	}
	return nil
}

// Done is closed once the read loop has ended, either because Close was
// called or because the gateway dropped the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the read loop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Token returns the token to use for the next LOGIN. It changes when the
// gateway rotates it.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Send writes m without waiting for an answer.
func (c *Client) Send(m *protocol.Message) error {
	c.mu.Lock()
	rw := c.rw
	c.mu.Unlock()
	if rw == nil {
		return errors.New("not connected")
	}

	data, err := protocol.Marshal(m, c.opts.Checksum)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = rw.Write(data)
	return err
}

// Request sends m with a fresh sequence number and waits for its ACK. A
// negative ACK is returned together with a *ResultError.
func (c *Client) Request(ctx context.Context, m *protocol.Message) (*protocol.Message, error) {
	seq := c.seq.Add(1)
	m.Seq = seq

	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.pending[seq] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.Send(m); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", m.Type, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		// The ACK may have been queued right before the connection ended.
		select {
		case ack := <-ch:
			return ackResult(ack)
		default:
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	case ack := <-ch:
		return ackResult(ack)
	}
}

func ackResult(ack *protocol.Message) (*protocol.Message, error) {
	if ack.Result != protocol.ResultOK {
		return ack, &ResultError{Result: ack.Result, Reason: ack.Reason}
	}
	return ack, nil
}

// Next returns the next server-initiated frame.
func (c *Client) Next(ctx context.Context) (*protocol.Message, error) {
	select {
	case m := <-c.pushes:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case m := <-c.pushes:
			return m, nil
		default:
		}
		return nil, ErrClientClosed
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	dec := protocol.NewDecoder(c.opts.MaxFrameBytes)
	for {
		f, err := dec.ReadFrame(c.rw)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if !closed {
				c.err = err
			}
			c.mu.Unlock()
			if !closed && c.opts.OnClose != nil {
				c.opts.OnClose(err)
			}
			return
		}
		m, err := f.Message()
		if err != nil {
			continue
		}
		c.handleMessage(m)
	}
}

func (c *Client) handleMessage(m *protocol.Message) {
	if m.Type == protocol.TypeAck {
		if m.Token != "" {
			c.mu.Lock()
			c.token = m.Token
			c.mu.Unlock()
		}
		if m.Seq != 0 {
			c.mu.Lock()
			ch, ok := c.pending[m.Seq]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- m:
				default:
				}
				return
			}
		}
	}

	if c.opts.OnPush != nil {
		c.opts.OnPush(m)
	}
	select {
	case c.pushes <- m:
	default:
	}
}

// === Convenience methods for the device protocol ===

// Login authenticates the device. On success the ACK's SessionID carries the
// gateway's id for this connection.
func (c *Client) Login(ctx context.Context, p LoginParams) (*protocol.Message, error) {
	c.mu.Lock()
	if p.Token == "" {
		p.Token = c.token
	}
	c.token = p.Token
	c.mu.Unlock()

	return c.Request(ctx, &protocol.Message{
		Type:        protocol.TypeLogin,
		IMEI:        p.IMEI,
		IMSI:        p.IMSI,
		Token:       p.Token,
		LcdWidth:    p.Width,
		LcdHeight:   p.Height,
		AppType:     p.AppType,
		AudType:     p.AudType,
		NetworkType: p.NetworkType,
		Timestamp:   time.Now().UnixMilli(),
	})
}

// Heartbeat keeps the session and its instance alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	_, err := c.Request(ctx, &protocol.Message{Type: protocol.TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
	return err
}

// Event sends one input event; m.Type must be an event type.
func (c *Client) Event(ctx context.Context, m *protocol.Message) error {
	if !m.Type.IsEvent() {
		return fmt.Errorf("%s is not an event", m.Type)
	}
	_, err := c.Request(ctx, m)
	return err
}

// Logout ends the session gracefully.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.Request(ctx, &protocol.Message{Type: protocol.TypeLogout})
	return err
}
