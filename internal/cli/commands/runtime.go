package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/devicegate/internal/browser"
	"github.com/liteclaw/devicegate/internal/certs"
	"github.com/liteclaw/devicegate/internal/clock"
	"github.com/liteclaw/devicegate/internal/config"
	"github.com/liteclaw/devicegate/internal/flow"
	"github.com/liteclaw/devicegate/internal/gateway"
	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/sweeper"
	"github.com/liteclaw/devicegate/internal/telemetry"
)

const telemetryTimeout = 5 * time.Second

// gatewayRuntime is a fully wired gateway process.
type gatewayRuntime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	server   *gateway.Server
	sched    *sweeper.Scheduler
	reporter *telemetry.AsyncReporter
	driver   browser.Driver
	certs    *certs.FileSource
}

// newDriver selects the browser backend named in cfg.
func newDriver(ctx context.Context, cfg config.BrowserConfig) (browser.Driver, error) {
	switch cfg.Driver {
	case "cdp":
		return browser.NewCDPDriver(ctx, browser.CDPConfig{
			ControlURL: cfg.ControlURL,
			StartURL:   cfg.StartURL,
			Timeout:    cfg.Timeout,
		})
	case "http", "":
		return browser.NewHTTPDriver(browser.HTTPConfig{
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

func newReporter(cfg config.TelemetryConfig, logger zerolog.Logger) *telemetry.AsyncReporter {
	var sink telemetry.Reporter = telemetry.NewLogReporter(logger)
	if cfg.Endpoint != "" {
		sink = telemetry.NewHTTPReporter(cfg.Endpoint, cfg.Service, telemetryTimeout, logger)
	}
	return telemetry.NewAsyncReporter(sink, cfg.QueueSize, logger)
}

// buildRuntime wires every component from cfg. driver may be nil, in which
// case the configured backend is dialed.
func buildRuntime(ctx context.Context, cfg *config.Config, driver browser.Driver, logger zerolog.Logger) (*gatewayRuntime, error) {
	if driver == nil {
		d, err := newDriver(ctx, cfg.Browser)
		if err != nil {
			return nil, fmt.Errorf("browser driver: %w", err)
		}
		driver = d
	}

	rt := &gatewayRuntime{cfg: cfg, logger: logger, driver: driver}

	if tc := cfg.Gateway.TLS; tc.Enabled {
		src, err := certs.NewFileSource(tc.CertFile, tc.KeyFile, tc.CAFile, logger)
		if err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("load certificates: %w", err)
		}
		rt.certs = src
	}

	clk := clock.NewMonotonic()
	registry := session.NewRegistry(clk)
	binder := session.NewBinder(clk, session.BinderOptions{RotateToken: cfg.Bind.RotateToken})
	instances := pool.New(driver, clk, logger)
	flows := flow.NewTracker(clk)
	rt.reporter = newReporter(cfg.Telemetry, logger)

	rt.sched = sweeper.NewScheduler(logger)
	sw := sweeper.New(sweeper.Config{
		InstanceTTL:        cfg.Instance.TTL,
		InstanceInterval:   cfg.Instance.SweepInterval,
		ConnectionTTL:      cfg.Connection.TTL,
		ConnectionInterval: cfg.Connection.SweepInterval,
		HealthInterval:     cfg.Health.Interval,
		CapacityInterval:   cfg.Capacity.ReportInterval,
		Capacity:           cfg.Instance.Capacity,
		BindTTL:            cfg.Bind.TTL,
		BindInterval:       cfg.Bind.SweepInterval,
	}, registry, instances, binder, flows, rt.reporter, logger)
	if err := sw.Register(rt.sched); err != nil {
		_ = driver.Close()
		return nil, err
	}

	deps := gateway.Deps{
		Registry:  registry,
		Binder:    binder,
		Pool:      instances,
		Flows:     flows,
		Reporter:  rt.reporter,
		Scheduler: rt.sched,
	}
	if rt.certs != nil {
		deps.Certs = rt.certs
	}
	rt.server = gateway.New(cfg, deps, logger)
	return rt, nil
}

// run serves until ctx ends, then stops every component in reverse order.
func (rt *gatewayRuntime) run(ctx context.Context) error {
	if rt.certs != nil {
		go func() {
			if err := rt.certs.Watch(ctx); err != nil {
				rt.logger.Error().Err(err).Msg("Certificate watcher stopped")
			}
		}()
	}

	rt.sched.Start()
	runErr := rt.server.Run(ctx, rt.cfg.Sweeper.ShutdownGrace)

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if err := rt.sched.Stop(rt.cfg.Sweeper.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	if err := rt.reporter.Close(flushCtx); err != nil {
		rt.logger.Warn().Err(err).Int64("dropped", rt.reporter.Dropped()).Msg("Telemetry not fully flushed")
	}
	if err := rt.driver.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser driver: %w", err))
	}
	return errors.Join(errs...)
}
