// Package sweeper runs the periodic reconciliation passes that expire idle
// connections, instances and binds, cross-check backend health and report
// utilization.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrShutdownTimeout is returned by Stop when in-flight runs outlast the
// grace period.
var ErrShutdownTimeout = errors.New("sweeper shutdown timed out")

// ErrJobNotFound is returned by RunNow for an unregistered name.
var ErrJobNotFound = errors.New("job not found")

// ErrJobRunning is returned by RunNow while a run of the same job, manual or
// scheduled, is in flight.
var ErrJobRunning = errors.New("job already running")

// JobFunc is one sweep pass. The context is cancelled when the scheduler is
// forced to stop.
type JobFunc func(ctx context.Context) error

// JobState tracks the runtime state of a job.
type JobState struct {
	Name           string        `json:"name"`
	Every          time.Duration `json:"every"`
	NextRunAtMs    int64         `json:"nextRunAtMs,omitempty"`
	LastRunAtMs    int64         `json:"lastRunAtMs,omitempty"`
	LastStatus     string        `json:"lastStatus,omitempty"` // "ok", "error"
	LastError      string        `json:"lastError,omitempty"`
	LastDurationMs int64         `json:"lastDurationMs,omitempty"`
	Runs           int64         `json:"runs"`
}

type job struct {
	state   JobState
	fn      JobFunc
	entryID cron.EntryID
	busy    atomic.Bool
}

// Scheduler runs sweep jobs on fixed intervals. A job whose previous run is
// still going is skipped, and a panicking job is recovered and logged.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	jobs    map[string]*job
	running bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "sweeper").Logger()
	cl := cronLogger{logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Every registers fn to run every interval. A non-positive interval leaves
// the job disabled.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		s.logger.Info().Str("job", name).Msg("Sweep disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already exists", name)
	}

	j := &job{state: JobState{Name: name, Every: interval}, fn: fn}
	id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { _ = s.exec(j) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	j.entryID = id
	s.jobs[name] = j
	return nil
}

// RunNow executes the named job synchronously, outside the schedule. It never
// overlaps a scheduled run of the same job.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return s.exec(j)
}

func (s *Scheduler) exec(j *job) error {
	if !j.busy.CompareAndSwap(false, true) {
		s.logger.Debug().Str("job", j.state.Name).Msg("Sweep already running, skipped")
		return fmt.Errorf("%w: %s", ErrJobRunning, j.state.Name)
	}
	defer j.busy.Store(false)

	start := time.Now()
	err := j.fn(s.ctx)
	duration := time.Since(start)

	s.mu.Lock()
	j.state.Runs++
	j.state.LastRunAtMs = start.UnixMilli()
	j.state.LastDurationMs = duration.Milliseconds()
	if err != nil {
		j.state.LastStatus = "error"
		j.state.LastError = err.Error()
	} else {
		j.state.LastStatus = "ok"
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().Err(err).Str("job", j.state.Name).Msg("Sweep failed")
	} else {
		s.logger.Debug().Str("job", j.state.Name).Dur("took", duration).Msg("Sweep completed")
	}
	return err
}

// Jobs returns the state of every job ordered by name.
func (s *Scheduler) Jobs() []JobState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := j.state
		if entry := s.cron.Entry(j.entryID); !entry.Next.IsZero() {
			st.NextRunAtMs = entry.Next.UnixMilli()
		}
		list = append(list, st)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].Name < list[k].Name })
	return list
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Sweepers started")
}

// Stop stops scheduling and waits up to grace for in-flight runs to finish.
// After that their context is cancelled and ErrShutdownTimeout is returned.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	defer s.cancel()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done.Done():
		s.logger.Info().Msg("Sweepers stopped")
		return nil
	case <-timer.C:
		s.logger.Warn().Dur("grace", grace).Msg("Sweepers still running, forcing stop")
		return ErrShutdownTimeout
	}
}

// cronLogger routes robfig/cron diagnostics through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
