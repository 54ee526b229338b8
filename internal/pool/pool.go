// Package pool keeps at most one remote browser instance per session key.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/devicegate/internal/browser"
	"github.com/liteclaw/devicegate/internal/clock"
)

// ErrNotFound is returned when no instance is bound to a key.
var ErrNotFound = errors.New("instance not found")

// Status is the health of an instance as seen by the gateway.
type Status int32

const (
	StatusNormal Status = iota
	StatusDegraded
)

func (s Status) String() string {
	if s == StatusDegraded {
		return "DEGRADED"
	}
	return "NORMAL"
}

// Instance is one remote browser bound to a session key.
type Instance struct {
	SessionKey string
	Handle     *browser.Handle
	CreatedAt  time.Time

	status        atomic.Int32
	lastHeartbeat atomic.Int64
}

// Status returns the current status.
func (i *Instance) Status() Status { return Status(i.status.Load()) }

// LastHeartbeat returns the monotonic time of the last heartbeat.
func (i *Instance) LastHeartbeat() int64 { return i.lastHeartbeat.Load() }

// Info is a copy of an instance's state for listings.
type Info struct {
	SessionKey    string    `json:"sessionKey"`
	ID            string    `json:"id"`
	ContextID     string    `json:"contextId"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastHeartbeat int64     `json:"-"`
}

// Pool maps session keys to instances. Calls for the same key are serialized
// through a per-key lock; calls for different keys never wait on each other
// while the driver is working.
type Pool struct {
	driver browser.Driver
	clock  clock.Clock
	logger zerolog.Logger

	keys *keyLock

	mu        sync.RWMutex
	instances map[string]*Instance
}

// New creates an empty pool backed by driver.
func New(driver browser.Driver, clk clock.Clock, logger zerolog.Logger) *Pool {
	return &Pool{
		driver:    driver,
		clock:     clk,
		logger:    logger.With().Str("component", "pool").Logger(),
		keys:      newKeyLock(),
		instances: make(map[string]*Instance),
	}
}

// CreateOrGet returns the instance bound to key, creating one when there is
// none. A DEGRADED instance is destroyed and replaced. On failure no entry is
// left behind and the driver error is returned; there is no retry.
func (p *Pool) CreateOrGet(ctx context.Context, key string, params browser.CreateParams) (*Instance, error) {
	unlock := p.keys.Lock(key)
	defer unlock()

	if inst, ok := p.lookup(key); ok {
		if inst.Status() == StatusNormal {
			return inst, nil
		}
		p.logger.Info().Str("sessionKey", key).Str("id", inst.Handle.ID).Msg("Replacing degraded instance")
		p.remove(key, inst)
		if err := p.driver.Destroy(ctx, inst.Handle); err != nil {
			p.logger.Warn().Err(err).Str("sessionKey", key).Msg("Failed to destroy degraded instance")
		}
	}

	params.SessionKey = key
	h, err := p.driver.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create instance for %s: %w", key, err)
	}

	inst := &Instance{SessionKey: key, Handle: h, CreatedAt: time.Now()}
	inst.lastHeartbeat.Store(p.clock.Now())

	p.mu.Lock()
	p.instances[key] = inst
	p.mu.Unlock()

	p.logger.Info().Str("sessionKey", key).Str("id", h.ID).Msg("Instance created")
	return inst, nil
}

// Get returns the instance bound to key.
func (p *Pool) Get(key string) (*Instance, bool) {
	return p.lookup(key)
}

// Delete destroys and forgets the instance for key. Deleting an absent key is
// a no-op. The entry is removed even when the driver fails, and that error is
// returned.
func (p *Pool) Delete(ctx context.Context, key string) error {
	_, err := p.DeleteIf(ctx, key, func(*Instance) bool { return true })
	return err
}

// DeleteIf deletes the instance for key only if pred holds for it once the
// key lock is held. It reports whether the instance was removed.
func (p *Pool) DeleteIf(ctx context.Context, key string, pred func(*Instance) bool) (bool, error) {
	unlock := p.keys.Lock(key)
	defer unlock()

	inst, ok := p.lookup(key)
	if !ok || !pred(inst) {
		return false, nil
	}
	p.remove(key, inst)

	if err := p.driver.Destroy(ctx, inst.Handle); err != nil {
		return true, fmt.Errorf("destroy instance for %s: %w", key, err)
	}
	p.logger.Info().Str("sessionKey", key).Str("id", inst.Handle.ID).Msg("Instance deleted")
	return true, nil
}

// DeleteAll deletes every instance and joins the errors of those that failed.
func (p *Pool) DeleteAll(ctx context.Context) error {
	var errs []error
	for _, key := range p.Keys() {
		if err := p.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys returns the bound session keys in sorted order.
func (p *Pool) Keys() []string {
	p.mu.RLock()
	keys := make([]string, 0, len(p.instances))
	for k := range p.instances {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// TouchHeartbeat records activity for key at now. It reports whether an
// instance exists.
func (p *Pool) TouchHeartbeat(key string, now int64) bool {
	inst, ok := p.lookup(key)
	if !ok {
		return false
	}
	inst.lastHeartbeat.Store(now)
	return true
}

// MarkDegraded flags the instance for key so the next CreateOrGet replaces it.
func (p *Pool) MarkDegraded(key string) bool {
	inst, ok := p.lookup(key)
	if !ok {
		return false
	}
	if inst.status.CompareAndSwap(int32(StatusNormal), int32(StatusDegraded)) {
		p.logger.Warn().Str("sessionKey", key).Str("id", inst.Handle.ID).Msg("Instance degraded")
	}
	return true
}

// Snapshot lists all instances ordered by key.
func (p *Pool) Snapshot() []Info {
	p.mu.RLock()
	list := make([]Info, 0, len(p.instances))
	for key, inst := range p.instances {
		list = append(list, Info{
			SessionKey:    key,
			ID:            inst.Handle.ID,
			ContextID:     inst.Handle.ContextID,
			Status:        inst.Status().String(),
			CreatedAt:     inst.CreatedAt,
			LastHeartbeat: inst.LastHeartbeat(),
		})
	}
	p.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].SessionKey < list[j].SessionKey })
	return list
}

// Len returns the number of instances.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances)
}

// Driver returns the backend driver.
func (p *Pool) Driver() browser.Driver {
	return p.driver
}

// Now returns the pool's monotonic time.
func (p *Pool) Now() int64 {
	return p.clock.Now()
}

func (p *Pool) lookup(key string) (*Instance, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	inst, ok := p.instances[key]
	return inst, ok
}

func (p *Pool) remove(key string, inst *Instance) {
	p.mu.Lock()
	if p.instances[key] == inst {
		delete(p.instances, key)
	}
	p.mu.Unlock()
}
