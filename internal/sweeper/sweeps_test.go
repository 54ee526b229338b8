package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liteclaw/devicegate/internal/browser"
	"github.com/liteclaw/devicegate/internal/clock"
	"github.com/liteclaw/devicegate/internal/flow"
	"github.com/liteclaw/devicegate/internal/pool"
	"github.com/liteclaw/devicegate/internal/session"
	testhelpers "github.com/liteclaw/devicegate/test/helpers"
)

type recordingReporter struct {
	mu      sync.Mutex
	reports []map[string]string
}

func (r *recordingReporter) ReportProperties(props map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, props)
	return true
}

type fixture struct {
	clk      *clock.Fake
	driver   *testhelpers.MockDriver
	pool     *pool.Pool
	registry *session.Registry
	binder   *session.Binder
	reporter *recordingReporter
	sweeper  *Sweeper
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		clk:      clock.NewFake(int64(time.Hour)),
		driver:   testhelpers.NewMockDriver(),
		reporter: &recordingReporter{},
	}
	f.pool = pool.New(f.driver, f.clk, zerolog.Nop())
	f.registry = session.NewRegistry(f.clk)
	f.binder = session.NewBinder(f.clk, session.BinderOptions{})
	f.sweeper = New(cfg, f.registry, f.pool, f.binder, flow.NewTracker(f.clk), f.reporter, zerolog.Nop())
	return f
}

func (f *fixture) instance(t *testing.T, key string) *pool.Instance {
	t.Helper()
	inst, err := f.pool.CreateOrGet(context.Background(), key, browser.CreateParams{})
	require.NoError(t, err)
	return inst
}

func TestSweepInstances_TTLBoundary(t *testing.T) {
	ttl := 30 * time.Second
	f := newFixture(t, Config{InstanceTTL: ttl})
	now := f.clk.Now()

	f.instance(t, "stale")
	f.instance(t, "fresh")
	f.pool.TouchHeartbeat("stale", now-int64(ttl)-1)
	f.pool.TouchHeartbeat("fresh", now-int64(ttl)+1)

	res, err := f.sweeper.SweepInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{Total: 2, Swept: 1}, res)
	assert.Equal(t, []string{"fresh"}, f.pool.Keys())
}

func TestSweepInstances_ContinuesPastFailures(t *testing.T) {
	ttl := time.Second
	f := newFixture(t, Config{InstanceTTL: ttl})

	a := f.instance(t, "a")
	f.instance(t, "b")
	f.instance(t, "c")
	f.driver.SetDestroyError(a.Handle.ID, errors.New("backend hiccup"))
	f.clk.Advance(2 * ttl)

	res, err := f.sweeper.SweepInstances(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, res.Swept)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, f.pool.Len())
	assert.Len(t, f.driver.Destroyed(), 2)
}

func TestSweepConnections_ClosesThenRemoves(t *testing.T) {
	ttl := 10 * time.Second
	f := newFixture(t, Config{ConnectionTTL: ttl})

	idleCh := testhelpers.NewMockChannel("10.0.0.1:1")
	liveCh := testhelpers.NewMockChannel("10.0.0.2:2")
	idle := f.registry.Open("idle", idleCh)
	f.registry.Bind(idle, session.LoginInfo{SessionKey: "123_456"})

	f.clk.Advance(ttl + 1)
	live := f.registry.Open("live", liveCh)

	res := f.sweeper.SweepConnections(context.Background())
	assert.Equal(t, Result{Total: 2, Swept: 1}, res)

	idleCh.AssertClosedWith(t, CloseReasonIdle)
	assert.False(t, liveCh.Closed())
	_, ok := f.registry.Lookup("123_456")
	assert.False(t, ok)
	assert.Equal(t, []*session.Entry{live}, f.registry.Entries())
}

func TestCheckHealth(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.instance(t, "good")
	bad := f.instance(t, "bad")

	t.Run("healthy is a no-op", func(t *testing.T) {
		res, err := f.sweeper.CheckHealth(ctx)
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, 2, f.pool.Len())
	})

	t.Run("call failure leaves pool alone", func(t *testing.T) {
		f.driver.SetHealth(browser.HealthReport{}, errors.New("unreachable"))
		_, err := f.sweeper.CheckHealth(ctx)
		assert.Error(t, err)
		assert.Equal(t, 2, f.pool.Len())
	})

	t.Run("failing contexts are deleted", func(t *testing.T) {
		f.driver.SetHealth(browser.HealthReport{OK: false, FailingContextIDs: []string{bad.Handle.ContextID}}, nil)
		res, err := f.sweeper.CheckHealth(ctx)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, 1, res.Swept)
		assert.Equal(t, []string{"good"}, f.pool.Keys())
	})
}

func TestInstanceFailing_MissingMapping(t *testing.T) {
	never := func(string) bool { return false }
	assert.True(t, instanceFailing(&pool.Instance{}, never))
	assert.True(t, instanceFailing(&pool.Instance{Handle: &browser.Handle{ID: "x"}}, never))
	assert.False(t, instanceFailing(&pool.Instance{Handle: &browser.Handle{ID: "x", ContextID: "c"}}, never))
}

func TestReportCapacity(t *testing.T) {
	f := newFixture(t, Config{Capacity: 2})
	f.instance(t, "a")
	f.instance(t, "b")

	props := f.sweeper.ReportCapacity(context.Background())
	assert.Equal(t, "100.00", props["percent"])
	assert.Equal(t, "true", props["exhausted"])
	assert.Equal(t, 2, f.pool.Len())

	f.reporter.mu.Lock()
	defer f.reporter.mu.Unlock()
	require.Len(t, f.reporter.reports, 2)
	assert.Equal(t, "capacity", f.reporter.reports[0]["event"])
	assert.Equal(t, "flow", f.reporter.reports[1]["event"])
}

func TestSweepBinds(t *testing.T) {
	ttl := time.Minute
	f := newFixture(t, Config{BindTTL: ttl})

	f.binder.Put(session.Bind{SessionKey: "old", Token: "a"})
	f.clk.Advance(ttl + 1)
	f.binder.Put(session.Bind{SessionKey: "new", Token: "b"})

	assert.Equal(t, []string{"old"}, f.sweeper.SweepBinds(context.Background()))
	assert.Equal(t, 1, f.binder.Len())
}

func TestRegisterSkipsDisabled(t *testing.T) {
	f := newFixture(t, Config{InstanceInterval: time.Minute, HealthInterval: time.Minute})
	s := NewScheduler(zerolog.Nop())
	require.NoError(t, f.sweeper.Register(s))

	names := []string{}
	for _, j := range s.Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{JobHealth, JobInstances}, names)
}
