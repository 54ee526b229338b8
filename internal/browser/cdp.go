package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/liteclaw/devicegate/internal/protocol"
)

// CDPConfig configures a CDPDriver.
type CDPConfig struct {
	ControlURL string // CDP endpoint, e.g. ws://localhost:9222
	StartURL   string
	Timeout    time.Duration
}

type tab struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// CDPDriver runs each instance as a tab of one remote Chrome. Device events
// are decoded and replayed as CDP input events.
type CDPDriver struct {
	cfg CDPConfig

	allocCancel context.CancelFunc
	rootCtx     context.Context
	rootCancel  context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*tab // target id -> tab
}

// NewCDPDriver connects to the Chrome instance at cfg.ControlURL.
func NewCDPDriver(ctx context.Context, cfg CDPConfig) (*CDPDriver, error) {
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.ControlURL)
	rootCtx, rootCancel := chromedp.NewContext(allocCtx)
	stop := context.AfterFunc(ctx, rootCancel)
	defer stop()

	// The first Run allocates the browser connection and must not carry a
	// deadline, or the connection dies with it.
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("connect to %s: %w", cfg.ControlURL, err)
	}

	return &CDPDriver{
		cfg:         cfg,
		allocCancel: allocCancel,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		tabs:        make(map[string]*tab),
	}, nil
}

func (c CDPConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// Create opens a tab sized to the device screen.
func (d *CDPDriver) Create(ctx context.Context, params CreateParams) (*Handle, error) {
	tabCtx, tabCancel, err := d.openTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("open tab for %s: %w", params.SessionKey, err)
	}

	startURL := params.StartURL
	if startURL == "" {
		startURL = d.cfg.StartURL
	}

	err = d.run(ctx, tabCtx,
		chromedp.EmulateViewport(int64(params.Width), int64(params.Height)),
		chromedp.Navigate(startURL),
	)
	if err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab for %s: %w", params.SessionKey, err)
	}

	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		tabCancel()
		return nil, fmt.Errorf("open tab for %s: no target attached", params.SessionKey)
	}
	id := string(c.Target.TargetID)

	d.mu.Lock()
	d.tabs[id] = &tab{ctx: tabCtx, cancel: tabCancel}
	d.mu.Unlock()

	return &Handle{ID: id, ContextID: id, Endpoint: d.cfg.ControlURL}, nil
}

// openTab attaches a new target. Like the browser connection, the first Run
// on a tab must not carry a deadline, so ctx and the driver timeout cancel
// the tab itself while the attach is in flight.
func (d *CDPDriver) openTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	tabCtx, tabCancel := chromedp.NewContext(d.rootCtx)
	timer := time.AfterFunc(d.cfg.timeout(), tabCancel)
	stop := context.AfterFunc(ctx, tabCancel)

	err := chromedp.Run(tabCtx)
	expired := !timer.Stop()
	cancelled := !stop()

	switch {
	case cancelled:
		tabCancel()
		return nil, nil, context.Cause(ctx)
	case expired:
		tabCancel()
		return nil, nil, context.DeadlineExceeded
	case err != nil:
		tabCancel()
		return nil, nil, err
	}
	return tabCtx, tabCancel, nil
}

// Destroy closes the tab. Unknown handles are ignored.
func (d *CDPDriver) Destroy(_ context.Context, h *Handle) error {
	d.mu.Lock()
	t, ok := d.tabs[h.ID]
	delete(d.tabs, h.ID)
	d.mu.Unlock()

	if ok {
		t.cancel()
	}
	return nil
}

// ForwardEvent decodes raw and dispatches the matching input event.
func (d *CDPDriver) ForwardEvent(ctx context.Context, h *Handle, raw []byte) error {
	d.mu.Lock()
	t, ok := d.tabs[h.ID]
	d.mu.Unlock()
	if !ok {
		return ErrUnknownHandle
	}

	msg, err := protocol.Unmarshal(raw)
	if err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	action, err := inputAction(msg)
	if err != nil {
		return err
	}
	return d.run(ctx, t.ctx, action)
}

// HealthCheck reports every tracked tab whose target disappeared.
func (d *CDPDriver) HealthCheck(ctx context.Context) (HealthReport, error) {
	runCtx, cancel := context.WithTimeout(d.rootCtx, d.cfg.timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	targets, err := chromedp.Targets(runCtx)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list targets: %w", err)
	}

	live := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Type == "page" {
			live[string(t.TargetID)] = true
		}
	}

	report := HealthReport{OK: true}
	d.mu.Lock()
	for id := range d.tabs {
		if !live[id] {
			report.OK = false
			report.FailingContextIDs = append(report.FailingContextIDs, id)
		}
	}
	d.mu.Unlock()
	return report, nil
}

// Close closes all tabs and detaches from Chrome.
func (d *CDPDriver) Close() error {
	d.mu.Lock()
	for id, t := range d.tabs {
		t.cancel()
		delete(d.tabs, id)
	}
	d.mu.Unlock()

	d.rootCancel()
	d.allocCancel()
	return nil
}

// run executes actions on target, bounded by both ctx and the driver timeout.
func (d *CDPDriver) run(ctx, target context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(target, d.cfg.timeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

var errUnsupportedEvent = errors.New("unsupported event")

func inputAction(m *protocol.Message) (chromedp.Action, error) {
	x, y := float64(m.X), float64(m.Y)

	switch m.Type {
	case protocol.TypeEventTouch:
		var typ input.TouchType
		switch m.Action {
		case protocol.ActionDown:
			typ = input.TouchStart
		case protocol.ActionUp:
			typ = input.TouchEnd
		case protocol.ActionMove:
			typ = input.TouchMove
		case protocol.ActionCancel:
			typ = input.TouchCancel
		default:
			return nil, fmt.Errorf("%w: touch action %d", errUnsupportedEvent, m.Action)
		}
		var points []*input.TouchPoint
		if typ != input.TouchEnd && typ != input.TouchCancel {
			points = []*input.TouchPoint{{X: x, Y: y}}
		}
		return input.DispatchTouchEvent(typ, points), nil

	case protocol.TypeEventMouse:
		switch m.Action {
		case protocol.ActionDown:
			return input.DispatchMouseEvent(input.MousePressed, x, y).
				WithButton(mouseButton(m.Button)).WithClickCount(1), nil
		case protocol.ActionUp:
			return input.DispatchMouseEvent(input.MouseReleased, x, y).
				WithButton(mouseButton(m.Button)).WithClickCount(1), nil
		case protocol.ActionMove:
			return input.DispatchMouseEvent(input.MouseMoved, x, y), nil
		case protocol.ActionWheel:
			return input.DispatchMouseEvent(input.MouseWheel, x, y).
				WithDeltaY(float64(m.KeyCode)), nil
		}
		return nil, fmt.Errorf("%w: mouse action %d", errUnsupportedEvent, m.Action)

	case protocol.TypeEventKey:
		typ := input.KeyDown
		if m.Action == protocol.ActionUp {
			typ = input.KeyUp
		}
		ev := input.DispatchKeyEvent(typ).WithWindowsVirtualKeyCode(int64(m.KeyCode))
		if m.Text != "" && typ == input.KeyDown {
			ev = ev.WithText(m.Text)
		}
		return ev, nil

	case protocol.TypeEventText:
		return input.InsertText(m.Text), nil
	}
	return nil, fmt.Errorf("%w: %s", errUnsupportedEvent, m.Type)
}

func mouseButton(b int32) input.MouseButton {
	switch b {
	case 2:
		return input.Right
	case 3:
		return input.Middle
	}
	return input.Left
}
