package commands

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/internal/gateway"
	"github.com/liteclaw/devicegate/internal/protocol"
)

type probeOptions struct {
	url       string
	login     gateway.LoginParams
	checksum  bool
	insecure  bool
	events    int
	hold      time.Duration
	heartbeat time.Duration
	timeout   time.Duration
}

// NewProbeCommand creates the probe subcommand.
func NewProbeCommand() *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Run a device session against a gateway",
		Long: `Connect as a device, log in, wait for the endpoints, send input events,
keep the session alive with heartbeats and log out. Useful as a smoke test.`,
		Example: `  devicegate probe --imei 123 --imsi 456 --token s3cret
  devicegate probe --url tls://gw.example.com:7701 --imei 123 --imsi 456 --token s3cret --checksum
  devicegate probe --url ws://127.0.0.1:7780/device --imei 123 --imsi 456 --token s3cret --hold 1m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.url == "" {
				opts.url = "tcp://127.0.0.1:7700"
				if cfg, err := config.Load(); err == nil {
					opts.url = "tcp://" + dialable(cfg.Gateway.Listen)
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout+opts.hold)
			defer cancel()
			return runProbe(ctx, cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "", "Gateway URL: tcp://, tls://, ws:// or wss:// (default: gateway.listen)")
	f.StringVar(&opts.login.IMEI, "imei", "", "Device IMEI")
	f.StringVar(&opts.login.IMSI, "imsi", "", "Device IMSI")
	f.StringVar(&opts.login.Token, "token", "", "Login token from the session bind")
	f.Int32Var(&opts.login.Width, "width", 1080, "Screen width")
	f.Int32Var(&opts.login.Height, "height", 1920, "Screen height")
	f.Int32Var(&opts.login.AppType, "app-type", 0, "Application type")
	f.Int32Var(&opts.login.NetworkType, "network-type", 0, "Network type")
	f.BoolVar(&opts.checksum, "checksum", false, "Send frames with a CRC32 trailer")
	f.BoolVar(&opts.insecure, "insecure", false, "Skip TLS certificate verification")
	f.IntVar(&opts.events, "events", 1, "Number of touch events to send")
	f.DurationVar(&opts.hold, "hold", 0, "Keep the session open this long before logging out")
	f.DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval while holding")
	f.DurationVar(&opts.timeout, "timeout", 90*time.Second, "Overall timeout, not counting --hold")
	_ = cmd.MarkFlagRequired("imei")
	_ = cmd.MarkFlagRequired("imsi")

	return cmd
}

func dialable(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func runProbe(ctx context.Context, out io.Writer, opts probeOptions) error {
	cl := gateway.NewClient(gateway.ClientOptions{
		URL:       opts.url,
		Checksum:  opts.checksum,
		TLSConfig: &tls.Config{InsecureSkipVerify: opts.insecure},
	})
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Close()
	return probeSession(ctx, out, cl, opts)
}

// probeSession drives one session over an attached client.
func probeSession(ctx context.Context, out io.Writer, cl *gateway.Client, opts probeOptions) error {
	start := time.Now()
	ack, err := cl.Login(ctx, opts.login)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "✓ Logged in as %s_%s (session %s, %s)\n", opts.login.IMEI, opts.login.IMSI, ack.SessionID, time.Since(start).Round(time.Millisecond))
	if ack.Token != "" {
		fmt.Fprintf(out, "  Token rotated: %s\n", ack.Token)
	}

	push, err := cl.Next(ctx)
	if err != nil {
		return fmt.Errorf("waiting for endpoints: %w", err)
	}
	if push.Type == protocol.TypeAck && push.Result != protocol.ResultOK {
		return &gateway.ResultError{Result: push.Result, Reason: push.Reason}
	}
	fmt.Fprintf(out, "✓ Instance %s ready (%s)\n", push.SessionID, time.Since(start).Round(time.Millisecond))
	printEndpoint(out, "Media", push.MediaEndpoint)
	printEndpoint(out, "Media (TLS)", push.MediaTLSEndpoint)
	printEndpoint(out, "Control", push.ControlEndpoint)
	printEndpoint(out, "Control (TLS)", push.ControlTLSEndpoint)

	for i := 0; i < opts.events; i++ {
		for _, action := range []int32{protocol.ActionDown, protocol.ActionUp} {
			err := cl.Event(ctx, &protocol.Message{
				Type:   protocol.TypeEventTouch,
				X:      opts.login.Width / 2,
				Y:      opts.login.Height / 2,
				Action: action,
			})
			if err != nil {
				return fmt.Errorf("event %d: %w", i+1, err)
			}
		}
	}
	if opts.events > 0 {
		fmt.Fprintf(out, "✓ Sent %d tap(s)\n", opts.events)
	}

	if opts.hold > 0 {
		if err := hold(ctx, cl, opts.hold, opts.heartbeat); err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Held session for %s\n", opts.hold)
	} else if err := cl.Heartbeat(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	if err := cl.Logout(ctx); err != nil && !errors.Is(err, gateway.ErrClientClosed) {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Fprintf(out, "✓ Logged out (%s total)\n", time.Since(start).Round(time.Millisecond))
	return nil
}

func hold(ctx context.Context, cl *gateway.Client, d, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return nil
		case <-cl.Done():
			if err := cl.Err(); err != nil {
				return fmt.Errorf("gateway closed the connection: %w", err)
			}
			return gateway.ErrClientClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := cl.Heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func printEndpoint(out io.Writer, name, v string) {
	if v != "" {
		fmt.Fprintf(out, "  %-14s %s\n", name+":", v)
	}
}
