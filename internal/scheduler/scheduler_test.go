package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/taskpilot/internal/agents"
	"github.com/fentz26/taskpilot/internal/store"
)

type namedAgent string

func (a namedAgent) Name() string { return string(a) }

func (a namedAgent) Run(context.Context, store.UnitOfWork, time.Time) (int, error) { return 0, nil }

// fakeRunner counts cycles per agent and can hold them open.
type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	active  map[string]int
	overlap bool
	hold    time.Duration
	err     error
	ctxErrs []error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), active: make(map[string]int)}
}

func (r *fakeRunner) Run(ctx context.Context, a agents.Agent) agents.CycleResult {
	name := a.Name()
	r.mu.Lock()
	r.calls[name]++
	r.active[name]++
	if r.active[name] > 1 {
		r.overlap = true
	}
	hold := r.hold
	r.mu.Unlock()

	time.Sleep(hold)

	r.mu.Lock()
	r.active[name]--
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	r.mu.Unlock()
	return agents.CycleResult{Agent: name, StartedAt: time.Now(), Err: r.err}
}

func (r *fakeRunner) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newDefaultScheduler(t *testing.T, r Runner, cfg *Config) *Scheduler {
	t.Helper()
	s := New(r, nil)
	jobs := DefaultJobs(cfg,
		namedAgent(agents.PlanningAgentName),
		namedAgent(agents.RiskAgentName),
		namedAgent(agents.EscalationAgentName),
		namedAgent(agents.NotificationAgentName))
	if err := s.RegisterAll(jobs); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}
	return s
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	cases := map[string]time.Duration{
		KeyPlanning:     5 * time.Minute,
		KeyRisk:         3 * time.Minute,
		KeyEscalation:   10 * time.Minute,
		KeyNotification: 2 * time.Minute,
	}
	for key, want := range cases {
		if got := cfg.IntervalFor(key); got != want {
			t.Errorf("IntervalFor(%q) = %s, want %s", key, got, want)
		}
	}

	partial := &Config{Risk: time.Minute}
	if got := partial.IntervalFor(KeyRisk); got != time.Minute {
		t.Errorf("expected configured risk interval, got %s", got)
	}
	if got := partial.IntervalFor(KeyPlanning); got != 5*time.Minute {
		t.Errorf("expected default planning interval, got %s", got)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	s := newDefaultScheduler(t, newFakeRunner(), nil)

	st := s.Status()
	if st.Status != StatusNotRunning {
		t.Errorf("expected %q, got %q", StatusNotRunning, st.Status)
	}
	if len(st.Jobs) != 4 {
		t.Fatalf("expected 4 jobs, got %d", len(st.Jobs))
	}
	for _, j := range st.Jobs {
		if j.NextRunTime != nil {
			t.Errorf("job %s should have no next run before start", j.ID)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	s := New(newFakeRunner(), nil)

	if err := s.Register(JobSpec{Key: "a", ID: "a_agent", Interval: time.Second}); err == nil {
		t.Error("expected error for missing agent")
	}
	if err := s.Register(JobSpec{Key: "a", ID: "a_agent", Agent: namedAgent("A")}); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := s.Register(JobSpec{Key: "a", ID: "a_agent", Interval: time.Second, Agent: namedAgent("A")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	err := s.Register(JobSpec{Key: "A", ID: "other", Interval: time.Second, Agent: namedAgent("A")})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("expected ErrDuplicateJob, got %v", err)
	}

	s.Start()
	defer s.Stop()
	err = s.Register(JobSpec{Key: "b", ID: "b_agent", Interval: time.Second, Agent: namedAgent("B")})
	if !errors.Is(err, ErrStarted) {
		t.Errorf("expected ErrStarted, got %v", err)
	}
}

func TestStartupBurstSkipsEscalation(t *testing.T) {
	r := newFakeRunner()
	s := newDefaultScheduler(t, r, nil)

	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool {
		return r.count(agents.PlanningAgentName) == 1 &&
			r.count(agents.RiskAgentName) == 1 &&
			r.count(agents.NotificationAgentName) == 1
	})
	if got := r.count(agents.EscalationAgentName); got != 0 {
		t.Errorf("escalation should not run at startup, ran %d times", got)
	}

	st := s.Status()
	if st.Status != StatusRunning {
		t.Errorf("expected %q, got %q", StatusRunning, st.Status)
	}
	for _, j := range st.Jobs {
		if j.NextRunTime == nil {
			t.Errorf("job %s should have a next run time", j.ID)
		}
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	r := newFakeRunner()
	s := New(r, nil)
	if err := s.Register(JobSpec{Key: "p", ID: "p_agent", Interval: time.Hour, RunAtStartup: true, Agent: namedAgent("P")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.Start()
	s.Start()
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return r.count("P") >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := r.count("P"); got != 1 {
		t.Errorf("expected a single startup run, got %d", got)
	}
}

func TestTickerRunsRepeatedly(t *testing.T) {
	r := newFakeRunner()
	s := New(r, nil)
	if err := s.Register(JobSpec{Key: "p", ID: "p_agent", Interval: 20 * time.Millisecond, Agent: namedAgent("P")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.Start()
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return r.count("P") >= 3 })
}

func TestRunAgentLookup(t *testing.T) {
	r := newFakeRunner()
	s := newDefaultScheduler(t, r, nil)

	if s.RunAgent(context.Background(), "nonexistent") {
		t.Error("expected false for unknown agent")
	}

	for _, name := range []string{"risk", "RISK", "risk_agent", " Risk_Agent "} {
		if !s.RunAgent(context.Background(), name) {
			t.Errorf("RunAgent(%q) = false, want true", name)
		}
	}
	if got := r.count(agents.RiskAgentName); got != 4 {
		t.Errorf("expected 4 risk runs, got %d", got)
	}
}

func TestTriggerRecordsResult(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("boom")
	s := newDefaultScheduler(t, r, nil)

	res, ok := s.Trigger(context.Background(), "planning")
	if !ok {
		t.Fatal("expected planning job to exist")
	}
	if res.Err == nil {
		t.Error("expected error in result")
	}

	var found bool
	for _, j := range s.Status().Jobs {
		if j.Key != KeyPlanning {
			continue
		}
		found = true
		if j.Runs != 1 || j.LastRun == nil || j.LastError != "boom" {
			t.Errorf("unexpected job status: %+v", j)
		}
	}
	if !found {
		t.Fatal("planning job missing from status")
	}

	stats := s.GetStats()
	if stats["failing_jobs"] != 1 {
		t.Errorf("expected 1 failing job, got %v", stats["failing_jobs"])
	}
}

func TestManualRunsDoNotOverlap(t *testing.T) {
	r := newFakeRunner()
	r.hold = 30 * time.Millisecond
	s := newDefaultScheduler(t, r, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunAgent(context.Background(), "planning")
		}()
	}
	wg.Wait()

	r.mu.Lock()
	overlap := r.overlap
	r.mu.Unlock()
	if overlap {
		t.Error("cycles of the same job overlapped")
	}
	if got := r.count(agents.PlanningAgentName); got != 5 {
		t.Errorf("expected 5 queued runs, got %d", got)
	}
}

func TestTickSkippedWhileManualRunInFlight(t *testing.T) {
	r := newFakeRunner()
	r.hold = 150 * time.Millisecond
	s := New(r, nil)
	if err := s.Register(JobSpec{Key: "p", ID: "p_agent", Interval: 20 * time.Millisecond, Agent: namedAgent("P")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.RunAgent(context.Background(), "p")
		close(done)
	}()
	waitFor(t, time.Second, func() bool { return r.count("P") == 1 })

	s.Start()
	<-done
	s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	r.mu.Lock()
	overlap := r.overlap
	r.mu.Unlock()
	if overlap {
		t.Error("tick overlapped a manual run")
	}
	var skipped int
	for _, j := range s.Status().Jobs {
		skipped += j.Skipped
	}
	if skipped == 0 {
		t.Error("expected at least one skipped tick")
	}
}

func TestStopDoesNotCancelInFlightCycle(t *testing.T) {
	r := newFakeRunner()
	r.hold = 100 * time.Millisecond
	s := New(r, nil)
	if err := s.Register(JobSpec{Key: "p", ID: "p_agent", Interval: time.Hour, RunAtStartup: true, Agent: namedAgent("P")}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.Start()
	waitFor(t, time.Second, func() bool { return r.count("P") == 1 })

	start := time.Now()
	s.Stop()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Stop blocked for %s", elapsed)
	}
	if s.Running() {
		t.Error("scheduler should not be running after Stop")
	}
	if st := s.Status(); st.Status != StatusNotRunning {
		t.Errorf("expected %q, got %q", StatusNotRunning, st.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, err := range r.ctxErrs {
		if err != nil {
			t.Errorf("in-flight cycle saw cancelled context: %v", err)
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	s := New(newFakeRunner(), nil)
	s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait on idle scheduler failed: %v", err)
	}
}
