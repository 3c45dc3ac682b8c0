package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/taskpilot/internal/agents"
)

// Job keys accepted by RunAgent alongside job IDs.
const (
	KeyPlanning     = "planning"
	KeyRisk         = "risk"
	KeyEscalation   = "escalation"
	KeyNotification = "notification"
)

// Status values reported by Status.
const (
	StatusRunning    = "running"
	StatusNotRunning = "not running"
)

var (
	ErrDuplicateJob = errors.New("scheduler: duplicate job")
	ErrStarted      = errors.New("scheduler: already started")
)

// Runner executes a single agent cycle.
type Runner interface {
	Run(ctx context.Context, a agents.Agent) agents.CycleResult
}

// JobSpec describes one recurring agent job.
type JobSpec struct {
	Key          string
	ID           string
	Name         string
	Interval     time.Duration
	RunAtStartup bool
	Agent        agents.Agent
}

// JobStatus is a snapshot of one registered job.
type JobStatus struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Key         string        `json:"key"`
	Interval    time.Duration `json:"interval"`
	NextRunTime *time.Time    `json:"next_run_time"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	Runs        int           `json:"runs"`
	Skipped     int           `json:"skipped"`
}

// Status is the scheduler state plus its jobs.
type Status struct {
	Status string      `json:"status"`
	Jobs   []JobStatus `json:"jobs"`
}

type job struct {
	spec JobSpec

	// run serializes cycles of this job.
	run sync.Mutex

	// guarded by Scheduler.mu
	nextRun *time.Time
	lastRun *time.Time
	lastErr string
	runs    int
	skipped int
}

// Scheduler triggers each registered agent on its own interval. A job never
// overlaps itself; timer ticks that find the job busy are skipped.
type Scheduler struct {
	runner Runner
	logger *slog.Logger

	mu      sync.Mutex
	jobs    []*job
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		logger: logger.With("component", "scheduler"),
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(spec JobSpec) error {
	if spec.Agent == nil {
		return fmt.Errorf("scheduler: job %q has no agent", spec.ID)
	}
	if spec.Interval <= 0 {
		return fmt.Errorf("scheduler: job %q has non-positive interval %s", spec.ID, spec.Interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrStarted
	}
	for _, j := range s.jobs {
		if strings.EqualFold(j.spec.ID, spec.ID) || (spec.Key != "" && strings.EqualFold(j.spec.Key, spec.Key)) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
		}
	}
	s.jobs = append(s.jobs, &job{spec: spec})
	return nil
}

// Start launches one timer loop per job. Jobs marked RunAtStartup run once
// immediately. Calling Start on a running scheduler does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	now := time.Now()
	for _, j := range s.jobs {
		next := now.Add(j.spec.Interval)
		j.nextRun = &next
		s.wg.Add(1)
		go s.loop(s.ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the timers and returns without waiting for in-flight cycles.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
	for _, j := range s.jobs {
		j.nextRun = nil
	}
	s.logger.Info("scheduler stopped")
}

// Wait blocks until every timer loop has exited, including any cycle that was
// in flight when Stop was called, or until ctx is done.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	if j.spec.RunAtStartup {
		s.tick(ctx, j)
	}

	ticker := time.NewTicker(j.spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			s.mu.Lock()
			if s.running {
				next := t.Add(j.spec.Interval)
				j.nextRun = &next
			}
			s.mu.Unlock()
			s.tick(ctx, j)
		}
	}
}

// tick runs j unless a cycle of j is already in progress.
func (s *Scheduler) tick(ctx context.Context, j *job) {
	if !j.run.TryLock() {
		s.mu.Lock()
		j.skipped++
		s.mu.Unlock()
		s.logger.Debug("skipping tick, previous cycle still running", "job", j.spec.ID)
		return
	}
	defer j.run.Unlock()
	s.execute(context.WithoutCancel(ctx), j)
}

// RunAgent runs the job named by key or ID (case-insensitive) synchronously,
// waiting for any in-flight cycle of the same job first. It reports whether
// the name matched a job.
func (s *Scheduler) RunAgent(ctx context.Context, name string) bool {
	_, ok := s.Trigger(ctx, name)
	return ok
}

// Trigger is RunAgent that also returns the cycle result.
func (s *Scheduler) Trigger(ctx context.Context, name string) (agents.CycleResult, bool) {
	j := s.lookup(name)
	if j == nil {
		return agents.CycleResult{}, false
	}
	j.run.Lock()
	defer j.run.Unlock()
	s.logger.Info("manual agent run", "job", j.spec.ID)
	return s.execute(context.WithoutCancel(ctx), j), true
}

func (s *Scheduler) lookup(name string) *job {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if (j.spec.Key != "" && strings.EqualFold(j.spec.Key, name)) || strings.EqualFold(j.spec.ID, name) {
			return j
		}
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *job) agents.CycleResult {
	res := s.runner.Run(ctx, j.spec.Agent)

	s.mu.Lock()
	started := res.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	j.lastRun = &started
	j.runs++
	j.lastErr = ""
	if res.Err != nil {
		j.lastErr = res.Err.Error()
	}
	s.mu.Unlock()
	return res
}

// Running reports whether the timers are active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the scheduler state and a snapshot of every job.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Status: StatusNotRunning, Jobs: make([]JobStatus, 0, len(s.jobs))}
	if s.running {
		st.Status = StatusRunning
	}
	for _, j := range s.jobs {
		js := JobStatus{
			ID:        j.spec.ID,
			Name:      j.spec.Name,
			Key:       j.spec.Key,
			Interval:  j.spec.Interval,
			LastError: j.lastErr,
			Runs:      j.runs,
			Skipped:   j.skipped,
		}
		if j.nextRun != nil {
			t := *j.nextRun
			js.NextRunTime = &t
		}
		if j.lastRun != nil {
			t := *j.lastRun
			js.LastRun = &t
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}

// GetStats returns counters for logging.
func (s *Scheduler) GetStats() map[string]interface{} {
	st := s.Status()
	runs, skipped, failing := 0, 0, 0
	for _, j := range st.Jobs {
		runs += j.Runs
		skipped += j.Skipped
		if j.LastError != "" {
			failing++
		}
	}
	return map[string]interface{}{
		"status":       st.Status,
		"jobs":         len(st.Jobs),
		"runs":         runs,
		"skipped":      skipped,
		"failing_jobs": failing,
	}
}
