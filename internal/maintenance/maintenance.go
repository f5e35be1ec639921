// Package maintenance runs background housekeeping on cron schedules:
// profile rebuilds, raid decay sweeps, window and message pruning, limiter
// cleanup, reputation snapshots and stale API key purges. Jobs never run on the request path and a
// slow run skips the next tick instead of overlapping.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/guildgate/internal/metrics"
)

var (
	ErrUnknownJob   = errors.New("maintenance: unknown job")
	ErrDuplicateJob = errors.New("maintenance: job already registered")
)

// Job is one named task. Run returns how many items it touched.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron spec or @every/@hourly descriptor
	Timeout  time.Duration
	Run      func(ctx context.Context) (int, error)
}

// JobStatus is the last known state of a job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastCount int       `json:"lastCount"`
	LastError string    `json:"lastError,omitempty"`
	NextRun   time.Time `json:"nextRun,omitempty"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
	cancel  context.CancelFunc
	started atomic.Bool

	mu   sync.RWMutex
	jobs map[string]*entry
}

// NewScheduler creates a scheduler. Add jobs before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}
}

// Add registers a job. The schedule is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("maintenance: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}

	e := &entry{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.run(s.baseCtx, e) })
	if err != nil {
		return fmt.Errorf("maintenance: invalid schedule %q for %s: %w", job.Schedule, job.Name, err)
	}
	e.id = id
	s.jobs[job.Name] = e
	return nil
}

// Start begins running jobs on their schedules. Jobs stop when ctx ends or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.baseCtx.Done():
		}
	}()
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop cancels in-flight jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	if !s.started.Load() {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// RunNow runs a job synchronously, outside its schedule. A job already in
// progress is not run twice.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.RLock()
	e, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Status returns every job's state sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		st.Running = e.running.Load()
		if ce := s.cron.Entry(e.id); ce.Valid() {
			st.NextRun = ce.Next
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var errAlreadyRunning = errors.New("maintenance: job already running")

func (s *Scheduler) run(ctx context.Context, e *entry) (n int, err error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, errAlreadyRunning
	}
	defer e.running.Store(false)

	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.finish(e, start, n, err)
	}()
	return e.job.Run(ctx)
}

func (s *Scheduler) finish(e *entry, start time.Time, n int, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(e.job.Name, result).Inc()

	e.mu.Lock()
	e.status.LastRun = start
	e.status.LastCount = n
	e.status.Runs++
	e.status.LastError = ""
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.logger.Warn("maintenance job failed", "job", e.job.Name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("maintenance job finished", "job", e.job.Name, "count", n, "duration", time.Since(start))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
