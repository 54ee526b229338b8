package sweeper

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/devicegate/internal/flow"
	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
	"github.com/liteclaw/devicegate/internal/telemetry"
)

// Job names.
const (
	JobInstances   = "instances"
	JobConnections = "connections"
	JobHealth      = "health"
	JobCapacity    = "capacity"
	JobBinds       = "binds"
)

// CloseReasonIdle is passed to Channel.Close for connections evicted by the
// connection TTL sweep.
const CloseReasonIdle = "idle timeout"

// Config holds TTLs and intervals. A zero interval disables that sweep.
type Config struct {
	InstanceTTL        time.Duration
	InstanceInterval   time.Duration
	ConnectionTTL      time.Duration
	ConnectionInterval time.Duration
	HealthInterval     time.Duration
	CapacityInterval   time.Duration
	Capacity           int
	BindTTL            time.Duration
	BindInterval       time.Duration
}

// Result counts what one pass looked at and removed.
type Result struct {
	Total  int `json:"total"`
	Swept  int `json:"swept"`
	Failed int `json:"failed"`
}

// Sweeper holds the shared state the passes reconcile.
type Sweeper struct {
	cfg      Config
	registry *session.Registry
	pool     *pool.Pool
	binder   *session.Binder
	flows    *flow.Tracker
	reporter telemetry.Reporter
	logger   zerolog.Logger
	hostname string
}

// New creates a sweeper over the given components.
func New(cfg Config, registry *session.Registry, p *pool.Pool, binder *session.Binder,
	flows *flow.Tracker, reporter telemetry.Reporter, logger zerolog.Logger) *Sweeper {
	host, _ := os.Hostname()
	return &Sweeper{
		cfg:      cfg,
		registry: registry,
		pool:     p,
		binder:   binder,
		flows:    flows,
		reporter: reporter,
		logger:   logger.With().Str("component", "sweeper").Logger(),
		hostname: host,
	}
}

// Register adds every enabled pass to sched.
func (s *Sweeper) Register(sched *Scheduler) error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       JobFunc
	}{
		{JobInstances, s.cfg.InstanceInterval, func(ctx context.Context) error {
			_, err := s.SweepInstances(ctx)
			return err
		}},
		{JobConnections, s.cfg.ConnectionInterval, func(ctx context.Context) error {
			s.SweepConnections(ctx)
			return nil
		}},
		{JobHealth, s.cfg.HealthInterval, func(ctx context.Context) error {
			_, err := s.CheckHealth(ctx)
			return err
		}},
		{JobCapacity, s.cfg.CapacityInterval, func(ctx context.Context) error {
			s.ReportCapacity(ctx)
			return nil
		}},
		{JobBinds, s.cfg.BindInterval, func(ctx context.Context) error {
			s.SweepBinds(ctx)
			return nil
		}},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

// SweepInstances deletes instances idle for longer than the instance TTL.
// Failed deletions are logged and joined into the returned error; the pass
// always visits every key.
func (s *Sweeper) SweepInstances(ctx context.Context) (Result, error) {
	now := s.pool.Now()
	ttl := int64(s.cfg.InstanceTTL)
	idle := func(inst *pool.Instance) bool { return now-inst.LastHeartbeat() > ttl }

	var res Result
	var errs []error
	for _, info := range s.pool.Snapshot() {
		res.Total++
		if now-info.LastHeartbeat <= ttl {
			continue
		}
		removed, err := s.pool.DeleteIf(ctx, info.SessionKey, idle)
		if removed {
			res.Swept++
		}
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			s.logger.Warn().Err(err).Str("sessionKey", info.SessionKey).Msg("Failed to delete idle instance")
		}
	}
	if res.Swept > 0 {
		s.logger.Info().Int("total", res.Total).Int("swept", res.Swept).Msg("Idle instances swept")
	}
	return res, errors.Join(errs...)
}

// SweepConnections closes connections whose last heartbeat is older than the
// connection TTL, then drops them from the registry. Closing the channel
// starts the connection's own teardown.
func (s *Sweeper) SweepConnections(_ context.Context) Result {
	now := s.registry.Now()
	res := Result{Total: s.registry.Len()}

	for _, e := range s.registry.Expired(now, s.cfg.ConnectionTTL) {
		if err := e.Channel.Close(CloseReasonIdle); err != nil {
			res.Failed++
			s.logger.Warn().Err(err).Str("conn", e.ID).Msg("Failed to close idle connection")
		}
		if s.registry.Remove(e) {
			res.Swept++
		}
		s.logger.Info().Str("conn", e.ID).Str("sessionKey", e.SessionKey()).Msg("Idle connection evicted")
	}
	return res
}

// HealthResult is the outcome of one health cross-check.
type HealthResult struct {
	OK bool
	Result
}

// CheckHealth asks the backend for its verdict and deletes every instance
// whose context is reported failing or cannot be mapped at all. A failing
// health call ends the pass without touching the pool.
func (s *Sweeper) CheckHealth(ctx context.Context) (HealthResult, error) {
	report, err := s.pool.Driver().HealthCheck(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Health check failed")
		return HealthResult{}, err
	}
	if report.OK {
		return HealthResult{OK: true}, nil
	}

	var res HealthResult
	var errs []error
	for _, key := range s.pool.Keys() {
		res.Total++
		inst, ok := s.pool.Get(key)
		if !ok {
			continue
		}
		if !instanceFailing(inst, report.Failing) {
			continue
		}
		removed, err := s.pool.DeleteIf(ctx, key, func(cur *pool.Instance) bool { return cur == inst })
		if removed {
			res.Swept++
		}
		if err != nil {
			res.Failed++
			errs = append(errs, err)
			s.logger.Warn().Err(err).Str("sessionKey", key).Msg("Failed to delete unhealthy instance")
		}
	}
	s.logger.Warn().
		Strs("failing", report.FailingContextIDs).
		Int("swept", res.Swept).
		Msg("Backend reported unhealthy contexts")
	return res, errors.Join(errs...)
}

func instanceFailing(inst *pool.Instance, failing func(string) bool) bool {
	if inst.Handle == nil || inst.Handle.ContextID == "" {
		return true
	}
	return failing(inst.Handle.ContextID)
}

// ReportCapacity publishes pool utilization and aggregate traffic. It never
// mutates state.
func (s *Sweeper) ReportCapacity(_ context.Context) map[string]string {
	used := s.pool.Len()
	props := telemetry.Capacity(used, s.cfg.Capacity, map[string]string{
		"host":        s.hostname,
		"connections": strconv.Itoa(s.registry.Len()),
		"sessions":    strconv.Itoa(s.registry.Bound()),
		"binds":       strconv.Itoa(s.binder.Len()),
	})
	if props["exhausted"] == "true" {
		s.logger.Warn().Int("used", used).Int("capacity", s.cfg.Capacity).Msg("Instance capacity exhausted")
	}
	s.reporter.ReportProperties(props)

	if s.flows != nil {
		s.reporter.ReportProperties(telemetry.Flow(s.flows.Totals().Properties(), s.flows.Len()))
	}
	return props
}

// SweepBinds removes binds that have not been refreshed within the bind TTL.
func (s *Sweeper) SweepBinds(_ context.Context) []string {
	removed := s.binder.SweepExpired(s.cfg.BindTTL)
	if len(removed) > 0 {
		s.logger.Info().Strs("sessionKeys", removed).Msg("Expired binds swept")
	}
	return removed
}
