// Package flow keeps per-connection traffic counters.
package flow

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/liteclaw/devicegate/internal/clock"
)

// Counters accumulates traffic for one connection. All methods are safe for
// concurrent use.
type Counters struct {
	clock clock.Clock

	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
	framesIn  atomic.Int64
	framesOut atomic.Int64
	lastSeen  atomic.Int64
}

// AddIn records one inbound frame of n bytes.
func (c *Counters) AddIn(n int) {
	c.bytesIn.Add(int64(n))
	c.framesIn.Add(1)
	c.lastSeen.Store(c.clock.Now())
}

// AddOut records one outbound frame of n bytes.
func (c *Counters) AddOut(n int) {
	c.bytesOut.Add(int64(n))
	c.framesOut.Add(1)
	c.lastSeen.Store(c.clock.Now())
}

// LastActivity returns the monotonic time of the last recorded frame.
func (c *Counters) LastActivity() int64 {
	return c.lastSeen.Load()
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		FramesIn:     c.framesIn.Load(),
		FramesOut:    c.framesOut.Load(),
		LastActivity: c.lastSeen.Load(),
	}
}

// Snapshot is a point-in-time copy of a connection's counters.
type Snapshot struct {
	ID           string `json:"id,omitempty"`
	BytesIn      int64  `json:"bytesIn"`
	BytesOut     int64  `json:"bytesOut"`
	FramesIn     int64  `json:"framesIn"`
	FramesOut    int64  `json:"framesOut"`
	LastActivity int64  `json:"-"`
}

// Properties renders the snapshot as a telemetry property bag.
func (s Snapshot) Properties() map[string]string {
	return map[string]string{
		"bytesIn":   strconv.FormatInt(s.BytesIn, 10),
		"bytesOut":  strconv.FormatInt(s.BytesOut, 10),
		"framesIn":  strconv.FormatInt(s.FramesIn, 10),
		"framesOut": strconv.FormatInt(s.FramesOut, 10),
	}
}

// Add returns the element-wise sum of s and o.
func (s Snapshot) Add(o Snapshot) Snapshot {
	s.BytesIn += o.BytesIn
	s.BytesOut += o.BytesOut
	s.FramesIn += o.FramesIn
	s.FramesOut += o.FramesOut
	if o.LastActivity > s.LastActivity {
		s.LastActivity = o.LastActivity
	}
	return s
}

// Tracker owns the counters of every open connection and the running total
// of closed ones.
type Tracker struct {
	clock clock.Clock

	mu     sync.RWMutex
	open   map[string]*Counters
	closed Snapshot
}

// NewTracker creates an empty tracker.
func NewTracker(clk clock.Clock) *Tracker {
	return &Tracker{
		clock: clk,
		open:  make(map[string]*Counters),
	}
}

// Open starts counting for id. Opening an id twice returns the same counters.
func (t *Tracker) Open(id string) *Counters {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.open[id]; ok {
		return c
	}
	c := &Counters{clock: t.clock}
	c.lastSeen.Store(t.clock.Now())
	t.open[id] = c
	return c
}

// Get returns the counters for id.
func (t *Tracker) Get(id string) (*Counters, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.open[id]
	return c, ok
}

// Close stops counting for id and returns its final snapshot. Closing an
// unknown id returns a zero snapshot and false.
func (t *Tracker) Close(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.open[id]
	if !ok {
		return Snapshot{ID: id}, false
	}
	delete(t.open, id)

	snap := c.Snapshot()
	snap.ID = id
	t.closed = t.closed.Add(snap)
	return snap, true
}

// Totals sums traffic over closed and still-open connections.
func (t *Tracker) Totals() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := t.closed
	for _, c := range t.open {
		total = total.Add(c.Snapshot())
	}
	return total
}

// List returns snapshots of all open connections ordered by id.
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	list := make([]Snapshot, 0, len(t.open))
	for id, c := range t.open {
		snap := c.Snapshot()
		snap.ID = id
		list = append(list, snap)
	}
	t.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len returns the number of open connections.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.open)
}
