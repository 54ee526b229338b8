package pool

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
	testhelpers "github.com/liteclaw/devicegate/test/helpers"
)

func newTestPool(t *testing.T) (*Pool, *testhelpers.MockDriver, *clock.Fake) {
	t.Helper()
	d := testhelpers.NewMockDriver()
	clk := clock.NewFake(1000)
	return New(d, clk, zerolog.Nop()), d, clk
}

func TestPool_ConcurrentCreateOrGetYieldsOneInstance(t *testing.T) {
	p, d, _ := newTestPool(t)
	d.SetCreateDelay(20 * time.Millisecond)

	const n = 32
	handles := make([]*browser.Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := p.CreateOrGet(context.Background(), "123_456", browser.CreateParams{Width: 1080, Height: 1920})
			if assert.NoError(t, err) {
				handles[i] = inst.Handle
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.Creates())
	assert.Equal(t, 1, d.Live())
	assert.Equal(t, 1, p.Len())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Zero(t, p.keys.size())
}

func TestPool_DifferentKeysCreateInParallel(t *testing.T) {
	p, d, _ := newTestPool(t)
	d.SetCreateDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	for _, key := range []string{"a_1", "b_2", "c_3", "d_4"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := p.CreateOrGet(context.Background(), key, browser.CreateParams{})
			assert.NoError(t, err)
		}(key)
	}
	wg.Wait()

	assert.Equal(t, 4, p.Len())
	assert.Greater(t, d.MaxConcurrentCreates(), 1)
	assert.Equal(t, []string{"a_1", "b_2", "c_3", "d_4"}, p.Keys())
}

func TestPool_CreateFailureLeavesNoEntry(t *testing.T) {
	p, d, _ := newTestPool(t)
	boom := errors.New("backend down")
	d.SetCreateError(boom)

	_, err := p.CreateOrGet(context.Background(), "k", browser.CreateParams{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, d.Creates())

	_, ok := p.Get("k")
	assert.False(t, ok)
	assert.Zero(t, p.Len())
}

func TestPool_DegradedInstanceIsReplaced(t *testing.T) {
	p, d, _ := newTestPool(t)
	ctx := context.Background()

	first, err := p.CreateOrGet(ctx, "k", browser.CreateParams{})
	require.NoError(t, err)
	require.True(t, p.MarkDegraded("k"))
	assert.Equal(t, StatusDegraded, first.Status())

	second, err := p.CreateOrGet(ctx, "k", browser.CreateParams{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Handle.ID, second.Handle.ID)
	assert.Equal(t, StatusNormal, second.Status())
	assert.Equal(t, []string{first.Handle.ID}, d.Destroyed())
	assert.Equal(t, 1, d.Live())
}

func TestPool_DeleteIsIdempotent(t *testing.T) {
	p, d, _ := newTestPool(t)
	ctx := context.Background()

	_, err := p.CreateOrGet(ctx, "k", browser.CreateParams{})
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, "k"))
	require.NoError(t, p.Delete(ctx, "k"))
	require.NoError(t, p.Delete(ctx, "never"))
	assert.Len(t, d.Destroyed(), 1)
	assert.Zero(t, p.Len())
}

func TestPool_DeleteRemovesEntryEvenWhenDriverFails(t *testing.T) {
	p, d, _ := newTestPool(t)
	ctx := context.Background()

	inst, err := p.CreateOrGet(ctx, "k", browser.CreateParams{})
	require.NoError(t, err)
	d.SetDestroyError(inst.Handle.ID, errors.New("nope"))

	assert.Error(t, p.Delete(ctx, "k"))
	_, ok := p.Get("k")
	assert.False(t, ok)
}

func TestPool_DeleteAllJoinsErrors(t *testing.T) {
	p, d, _ := newTestPool(t)
	ctx := context.Background()

	a, _ := p.CreateOrGet(ctx, "a", browser.CreateParams{})
	_, _ = p.CreateOrGet(ctx, "b", browser.CreateParams{})
	d.SetDestroyError(a.Handle.ID, errors.New("stuck"))

	err := p.DeleteAll(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.Zero(t, p.Len())
}

func TestPool_TouchHeartbeatAndDeleteIf(t *testing.T) {
	p, _, clk := newTestPool(t)
	ctx := context.Background()

	inst, err := p.CreateOrGet(ctx, "k", browser.CreateParams{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), inst.LastHeartbeat())

	clk.Advance(time.Second)
	assert.True(t, p.TouchHeartbeat("k", clk.Now()))
	assert.False(t, p.TouchHeartbeat("missing", clk.Now()))

	removed, err := p.DeleteIf(ctx, "k", func(i *Instance) bool { return i.LastHeartbeat() < 1000 })
	require.NoError(t, err)
	assert.False(t, removed)

	snap := p.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "NORMAL", snap[0].Status)
	assert.Equal(t, clk.Now(), snap[0].LastHeartbeat)
}
