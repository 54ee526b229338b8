package session

import (
	"crypto/subtle"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/liteclaw/devicegate/internal/clock"
	"github.com/liteclaw/devicegate/pkg/utils"
)

// ErrBindNotFound is returned when no bind exists for a session key.
var ErrBindNotFound = errors.New("session bind not found")

// Endpoints are the media and control addresses handed to a device once its
// browser instance is ready.
type Endpoints struct {
	Media      string `json:"media,omitempty" yaml:"media,omitempty"`
	MediaTLS   string `json:"mediaTls,omitempty" yaml:"mediaTls,omitempty"`
	Control    string `json:"control,omitempty" yaml:"control,omitempty"`
	ControlTLS string `json:"controlTls,omitempty" yaml:"controlTls,omitempty"`
	InnerMedia string `json:"innerMedia,omitempty" yaml:"innerMedia,omitempty"`
}

// Bind is the pre-provisioned authorization record a LOGIN must match.
type Bind struct {
	SessionKey string    `json:"sessionKey"`
	Token      string    `json:"token"`
	Endpoints  Endpoints `json:"endpoints"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// TokenMatches compares token against the bind's token in constant time.
func (b Bind) TokenMatches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(b.Token)) == 1
}

type bindEntry struct {
	bind     Bind
	lastSeen int64
	// gen invalidates delayed expiries scheduled before the latest touch.
	gen     uint64
	pending *time.Timer
}

// BinderOptions configures a Binder.
type BinderOptions struct {
	// RotateToken issues a fresh token on every Refresh.
	RotateToken bool
}

// Binder stores session binds, one per session key.
type Binder struct {
	clock  clock.Clock
	rotate bool

	mu    sync.Mutex
	binds map[string]*bindEntry
}

// NewBinder creates an empty bind store.
func NewBinder(clk clock.Clock, opts BinderOptions) *Binder {
	return &Binder{
		clock:  clk,
		rotate: opts.RotateToken,
		binds:  make(map[string]*bindEntry),
	}
}

// Put provisions or replaces the bind for b.SessionKey. An empty token is
// generated.
func (s *Binder) Put(b Bind) Bind {
	now := time.Now()
	if b.Token == "" {
		b.Token = utils.GenerateID("", 16)
	}
	b.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.binds[b.SessionKey]; ok {
		b.CreatedAt = old.bind.CreatedAt
		s.cancelLocked(old)
	} else {
		b.CreatedAt = now
	}
	s.binds[b.SessionKey] = &bindEntry{bind: b, lastSeen: s.clock.Now()}
	return b
}

// Get returns the bind for key.
func (s *Binder) Get(key string) (Bind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.binds[key]
	if !ok {
		return Bind{}, false
	}
	return e.bind, true
}

// Refresh marks a successful LOGIN: it bumps UpdatedAt, renews the lease,
// cancels any pending expiry and, when rotation is on, issues a new token.
func (s *Binder) Refresh(key string) (Bind, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.binds[key]
	if !ok {
		return Bind{}, ErrBindNotFound
	}
	s.cancelLocked(e)
	e.lastSeen = s.clock.Now()
	e.bind.UpdatedAt = time.Now()
	if s.rotate {
		e.bind.Token = utils.GenerateID("", 16)
	}
	return e.bind, nil
}

// Touch renews the lease and cancels a pending delayed expiry. It reports
// whether the bind exists.
func (s *Binder) Touch(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.binds[key]
	if !ok {
		return false
	}
	s.cancelLocked(e)
	e.lastSeen = s.clock.Now()
	return true
}

// Expire removes the bind for key. Expiring an absent key is a no-op.
func (s *Binder) Expire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.binds[key]
	if !ok {
		return false
	}
	s.cancelLocked(e)
	delete(s.binds, key)
	return true
}

// ExpireAfter schedules the bind for removal after d unless it is touched,
// refreshed or replaced first.
func (s *Binder) ExpireAfter(key string, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.binds[key]
	if !ok {
		return false
	}
	s.cancelLocked(e)
	gen := e.gen
	e.pending = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.binds[key]; ok && cur == e && cur.gen == gen {
			delete(s.binds, key)
		}
	})
	return true
}

func (s *Binder) cancelLocked(e *bindEntry) {
	e.gen++
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
}

// SweepExpired removes binds whose lease is older than ttl and returns their
// keys.
func (s *Binder) SweepExpired(ttl time.Duration) []string {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for key, e := range s.binds {
		if now-e.lastSeen > int64(ttl) {
			s.cancelLocked(e)
			delete(s.binds, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// Len returns the number of stored binds.
func (s *Binder) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.binds)
}

// List returns all binds ordered by session key.
func (s *Binder) List() []Bind {
	s.mu.Lock()
	list := make([]Bind, 0, len(s.binds))
	for _, e := range s.binds {
		list = append(list, e.bind)
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].SessionKey < list[j].SessionKey })
	return list
}
