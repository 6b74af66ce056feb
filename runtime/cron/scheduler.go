// Package cron runs maintenance jobs such as checkpoint retention on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	robcron "github.com/robfig/cron/v3"
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Scheduler manages recurring jobs using cron expressions.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *robcron.Cron
	jobs    map[string]*managedJob
	logger  *slog.Logger
	timeout time.Duration
	started bool
	maxRuns int
}

type managedJob struct {
	Job
	fn      JobFunc
	entryID robcron.EntryID
	runs    []JobRun
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJobTimeout bounds every scheduled run.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) { s.timeout = timeout }
}

// WithHistory caps the run history kept per job.
func WithHistory(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRuns = n
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs:    make(map[string]*managedJob),
		logger:  slog.Default(),
		maxRuns: 100,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = robcron.New(robcron.WithChain(robcron.SkipIfStillRunning(robcron.DiscardLogger)))
	return s
}

// Add registers a job. It fails if name is taken or schedule does not parse.
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return fmt.Errorf("job name is required")
	}
	if fn == nil {
		return fmt.Errorf("job %q has no function", name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already exists", name)
	}

	entryID, err := s.cron.AddFunc(schedule, func() {
		_, _ = s.runAndRecord(context.Background(), name, TriggerSchedule, true)
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}

	mj := &managedJob{
		Job: Job{
			Name:     name,
			Schedule: schedule,
			Enabled:  true,
		},
		fn:      fn,
		entryID: entryID,
	}
	if entry := s.cron.Entry(entryID); !entry.Next.IsZero() {
		mj.NextRun = entry.Next
	}
	s.jobs[name] = mj
	return nil
}

func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(mj.entryID)
	delete(s.jobs, name)
	return nil
}

// List returns all jobs sorted by name.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, mj := range s.jobs {
		out = append(out, s.snapshotLocked(mj))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func (s *Scheduler) Get(name string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return Job{}, false
	}
	return s.snapshotLocked(mj), true
}

// SetEnabled pauses or resumes scheduled runs of a job. Trigger still works
// on a paused job.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	mj.Enabled = enabled
	return nil
}

// Trigger runs a job now, regardless of its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	return s.runAndRecord(ctx, name, TriggerManual, false)
}

// History returns the most recent runs of a job, newest first.
func (s *Scheduler) History(name string, limit int) ([]JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mj, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q not found", name)
	}
	if limit <= 0 || limit > len(mj.runs) {
		limit = len(mj.runs)
	}
	out := make([]JobRun, 0, limit)
	for i := len(mj.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, mj.runs[i])
	}
	return out, nil
}

func (s *Scheduler) runAndRecord(ctx context.Context, name, trigger string, skipIfDisabled bool) (string, error) {
	s.mu.RLock()
	mj, ok := s.jobs[name]
	if !ok {
		s.mu.RUnlock()
		return "", fmt.Errorf("job %q not found", name)
	}
	if skipIfDisabled && !mj.Enabled {
		s.mu.RUnlock()
		return "", nil
	}
	fn := mj.fn
	s.mu.RUnlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	started := time.Now()
	output, err := fn(ctx)
	finished := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok = s.jobs[name]
	if !ok {
		return output, err
	}
	mj.LastRun = finished
	mj.RunCount++
	run := JobRun{
		At:         finished,
		DurationMS: finished.Sub(started).Milliseconds(),
		Trigger:    trigger,
	}
	if err != nil {
		mj.LastErr = err.Error()
		run.Status = "failed"
		run.Error = err.Error()
		s.logger.Warn("scheduled job failed", "job", name, "trigger", trigger, "error", err)
	} else {
		mj.LastErr = ""
		run.Status = "completed"
		run.Output = truncate(output, 2000)
		s.logger.Info("scheduled job completed", "job", name, "trigger", trigger, "output", truncate(output, 100))
	}
	mj.runs = append(mj.runs, run)
	if s.maxRuns > 0 && len(mj.runs) > s.maxRuns {
		mj.runs = mj.runs[len(mj.runs)-s.maxRuns:]
	}
	if entry := s.cron.Entry(mj.entryID); !entry.Next.IsZero() {
		mj.NextRun = entry.Next
	}
	return output, err
}

func (s *Scheduler) snapshotLocked(mj *managedJob) Job {
	j := mj.Job
	if entry := s.cron.Entry(mj.entryID); !entry.Next.IsZero() {
		j.NextRun = entry.Next
	}
	return j
}

// Start begins the cron scheduler. Non-blocking.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop halts scheduling and waits for running jobs or ctx, whichever ends
// first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
