// Package session tracks live device connections and the pre-provisioned
// session binds they authenticate against.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/liteclaw/devicegate/internal/clock"
)

// Channel is the transport side of a registry entry.
type Channel interface {
	// Close terminates the transport. It must be safe to call more than once.
	Close(reason string) error
	RemoteAddr() string
}

// LoginInfo is what an authenticated LOGIN attaches to an entry.
type LoginInfo struct {
	SessionKey  string
	AppType     int32
	NetworkType int32
	TCPUniqueID string
}

// Entry is one live connection. It is registered on accept and gains a
// session key once LOGIN succeeds.
type Entry struct {
	ID        string
	Channel   Channel
	StartedAt time.Time

	mu   sync.RWMutex
	info LoginInfo

	lastHeartbeat atomic.Int64
	fallenBack    atomic.Bool
}

// SessionKey returns the bound key, or "" before authentication.
func (e *Entry) SessionKey() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info.SessionKey
}

// Info returns the login attributes attached to the entry.
func (e *Entry) Info() LoginInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.info
}

// LastHeartbeat returns the monotonic time of the last heartbeat.
func (e *Entry) LastHeartbeat() int64 {
	return e.lastHeartbeat.Load()
}

// MarkFallenBack flags the entry as having emitted its teardown
// notification. Only the first caller gets true.
func (e *Entry) MarkFallenBack() bool {
	return e.fallenBack.CompareAndSwap(false, true)
}

// HasFallenBack reports whether the teardown notification was emitted.
func (e *Entry) HasFallenBack() bool {
	return e.fallenBack.Load()
}

// Registry maps channels and session keys to entries. At most one entry is
// bound to a session key at any time.
type Registry struct {
	clock clock.Clock

	mu        sync.RWMutex
	byChannel map[string]*Entry
	byKey     map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	return &Registry{
		clock:     clk,
		byChannel: make(map[string]*Entry),
		byKey:     make(map[string]*Entry),
	}
}

// Open registers a freshly accepted, unauthenticated channel.
func (r *Registry) Open(id string, ch Channel) *Entry {
	e := &Entry{ID: id, Channel: ch, StartedAt: time.Now()}
	e.lastHeartbeat.Store(r.clock.Now())

	r.mu.Lock()
	r.byChannel[id] = e
	r.mu.Unlock()
	return e
}

// Bind attaches login info to e and makes it the entry for info.SessionKey.
// The entry previously bound to that key, if any and different from e, is
// detached and returned; the caller closes its channel.
func (r *Registry) Bind(e *Entry, info LoginInfo) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.mu.Lock()
	oldKey := e.info.SessionKey
	e.info = info
	e.mu.Unlock()

	if oldKey != "" && oldKey != info.SessionKey && r.byKey[oldKey] == e {
		delete(r.byKey, oldKey)
	}

	prev := r.byKey[info.SessionKey]
	r.byKey[info.SessionKey] = e
	e.lastHeartbeat.Store(r.clock.Now())

	if prev == nil || prev == e {
		return nil
	}
	delete(r.byChannel, prev.ID)
	return prev
}

// Remove drops e from the registry. The key mapping is only cleared when it
// still points at e, so a newer connection for the same key is untouched.
// It reports whether e was still registered.
func (r *Registry) Remove(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byChannel[e.ID]
	delete(r.byChannel, e.ID)

	if key := e.SessionKey(); key != "" && r.byKey[key] == e {
		delete(r.byKey, key)
		ok = true
	}
	return ok
}

// Lookup returns the entry bound to key.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byKey[key]
	return e, ok
}

// Touch refreshes e's heartbeat.
func (r *Registry) Touch(e *Entry) {
	e.lastHeartbeat.Store(r.clock.Now())
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

// Bound returns the number of authenticated sessions.
func (r *Registry) Bound() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Entries returns a snapshot of all registered entries.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Entry, 0, len(r.byChannel))
	for _, e := range r.byChannel {
		list = append(list, e)
	}
	return list
}

// Expired returns entries whose last heartbeat is more than ttl before now.
// Entries are not removed; the caller closes and removes them.
func (r *Registry) Expired(now int64, ttl time.Duration) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*Entry
	for _, e := range r.byChannel {
		if now-e.LastHeartbeat() > int64(ttl) {
			expired = append(expired, e)
		}
	}
	return expired
}

// Now returns the registry's monotonic time.
func (r *Registry) Now() int64 {
	return r.clock.Now()
}
