// Package scheduler runs LeadClaw's housekeeping jobs (idle session
// pruning and similar) on cron schedules.
// Uses robfig/cron for expression parsing and execution.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a job performs on each firing.
type JobFunc func(ctx context.Context) error

// Job is a named recurring task.
type Job struct {
	// Name identifies the job in logs and listings.
	Name string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@hourly" or "@every 30m".
	Schedule string

	// Timeout bounds one execution. Zero uses the scheduler default.
	Timeout time.Duration

	Run JobFunc
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name      string        `json:"name"`
	Schedule  string        `json:"schedule"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	RunCount  int           `json:"run_count"`
	Duration  time.Duration `json:"last_duration,omitempty"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	status  JobStatus
}

// Scheduler manages recurring jobs.
type Scheduler struct {
	cron       *cron.Cron
	entries    map[string]*entry
	jobTimeout time.Duration
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
}

// New creates a scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		entries:    make(map[string]*entry),
		jobTimeout: 5 * time.Minute,
		logger:     logger.With("component", "scheduler"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.Name)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: run function is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}

	e := &entry{job: job, status: JobStatus{Name: job.Name, Schedule: job.Schedule}}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	e.id = id
	s.entries[job.Name] = e

	s.logger.Info("job added", "name", job.Name, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info("job removed", "name", name)
	return nil
}

// List returns the status of every job, sorted by name.
func (s *Scheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.status
		st.NextRun = s.cron.Entry(e.id).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing jobs. Jobs stop when ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	n := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the scheduler and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.execute(e)
	return nil
}

// execute runs one firing. A firing that arrives while the previous run is
// still active is skipped.
func (s *Scheduler) execute(e *entry) {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping", "name", e.job.Name)
		return
	}
	e.running = true
	parent := s.ctx
	s.mu.Unlock()

	timeout := e.job.Timeout
	if timeout <= 0 {
		timeout = s.jobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err := e.job.Run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.running = false
	e.status.LastRun = start
	e.status.Duration = elapsed
	e.status.RunCount++
	e.status.LastError = ""
	if err != nil {
		e.status.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "name", e.job.Name, "error", err, "duration_ms", elapsed.Milliseconds())
		return
	}
	s.logger.Debug("job done", "name", e.job.Name, "duration_ms", elapsed.Milliseconds())
}
