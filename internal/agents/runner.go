package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/store"
)

// TracerName is the OpenTelemetry instrumentation name for agent cycles.
const TracerName = "taskpilot/agents"

// Store is what the runner needs from persistence.
type Store interface {
	Begin(ctx context.Context) (store.UnitOfWork, error)
	LoadAgentHealth(ctx context.Context, name string) (*models.AgentHealth, error)
	SaveAgentHealth(ctx context.Context, h *models.AgentHealth) error
}

// Publisher receives committed change events.
type Publisher interface {
	Publish(events ...models.ChangeEvent) int
}

// CycleResult reports the outcome of one agent cycle.
type CycleResult struct {
	Agent     string
	StartedAt time.Time
	Duration  time.Duration
	Processed int
	Events    int
	Err       error
}

// Runner executes agent cycles with error isolation and health tracking.
type Runner struct {
	store  Store
	events Publisher
	tracer trace.Tracer
	logger *slog.Logger
	now    func() time.Time

	healthMu sync.Mutex
}

// NewRunner creates a Runner. events may be nil.
func NewRunner(s Store, events Publisher, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:  s,
		events: events,
		tracer: otel.Tracer(TracerName),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one cycle of a. Errors and panics are recorded in the agent's
// health record and returned in the result, never propagated.
func (r *Runner) Run(ctx context.Context, a Agent) CycleResult {
	name := a.Name()
	ctx, span := r.tracer.Start(ctx, "agent.cycle", trace.WithAttributes(attribute.String("agent.name", name)))
	defer span.End()

	res := CycleResult{Agent: name, StartedAt: r.now()}
	logger := r.logger.With("agent", name)
	logger.Debug("agent cycle starting")

	processed, events, err := r.cycle(ctx, a, res.StartedAt)
	res.Duration = time.Since(res.StartedAt)
	res.Processed = processed
	res.Err = err

	res.Events = len(events)
	// A staged cycle can fail after its claim committed; those events stand.
	if r.events != nil && len(events) > 0 {
		r.events.Publish(events...)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("agent cycle failed", "err", err)
	} else {
		span.SetAttributes(attribute.Int("agent.processed", processed))
		logger.Info("agent cycle completed", "processed", processed, "events", len(events), "duration", res.Duration)
	}

	if herr := r.recordHealth(ctx, name, res); herr != nil {
		logger.Error("update agent health", "err", herr)
	}
	return res
}

func (r *Runner) cycle(ctx context.Context, a Agent, now time.Time) (int, []models.ChangeEvent, error) {
	staged, ok := a.(Staged)
	if !ok {
		return r.transact(ctx, a.Name(), now, a.Run)
	}

	var out Outbound
	processed, events, err := r.transact(ctx, a.Name(), now, func(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
		n, o, err := staged.Claim(ctx, uow, now)
		out = o
		return n, err
	})
	if err != nil || out == nil {
		return processed, events, err
	}

	// The store is free while Send talks to the outside world.
	if err := send(ctx, out); err != nil {
		return processed, events, err
	}

	n, more, err := r.transact(ctx, a.Name(), now, out.Record)
	events = append(events, more...)
	if err != nil {
		return processed, events, err
	}
	return processed + n, events, nil
}

// transact runs fn in one unit of work, committing on success and rolling
// back on error or panic.
func (r *Runner) transact(ctx context.Context, name string, now time.Time, fn func(context.Context, store.UnitOfWork, time.Time) (int, error)) (processed int, events []models.ChangeEvent, err error) {
	uow, err := r.store.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			uow.Rollback()
			processed, events = 0, nil
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	processed, err = fn(ctx, uow, now)
	if err != nil {
		if rerr := uow.Rollback(); rerr != nil {
			r.logger.Warn("rollback failed", "agent", name, "err", rerr)
		}
		return 0, nil, err
	}

	events, err = uow.Commit()
	if err != nil {
		uow.Rollback()
		return 0, nil, err
	}
	return processed, events, nil
}

func send(ctx context.Context, out Outbound) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	out.Send(ctx)
	return nil
}

func (r *Runner) recordHealth(ctx context.Context, name string, res CycleResult) error {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	// Health is written even when the caller's context is already cancelled.
	ctx = context.WithoutCancel(ctx)

	h, err := r.store.LoadAgentHealth(ctx, name)
	if err != nil {
		return err
	}
	h.Name = name
	if res.Err != nil {
		h.Status = models.AgentError
		h.ErrorsCount++
		h.LastError = res.Err.Error()
	} else {
		started := res.StartedAt
		h.Status = models.AgentRunning
		h.LastRun = &started
		h.TasksProcessed += int64(res.Processed)
	}
	return r.store.SaveAgentHealth(ctx, h)
}
