package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/scoring"
	"github.com/fentz26/taskpilot/internal/store"
)

// priorityJump is the increase that gets an audit entry.
const priorityJump = 10.0

// PlanningAgent recomputes priority scores of open tasks.
type PlanningAgent struct {
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewPlanningAgent creates a PlanningAgent.
func NewPlanningAgent(logger *slog.Logger) *PlanningAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanningAgent{
		audit:  audit.ForAgent(PlanningAgentName),
		logger: logger.With("agent", PlanningAgentName),
	}
}

// Name returns the agent name.
func (p *PlanningAgent) Name() string {
	return PlanningAgentName
}

// Run rescores every pending or in-progress task.
func (p *PlanningAgent) Run(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
	tasks, err := uow.FetchEligibleTasks(ctx, models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		return 0, err
	}

	updated := 0
	for i := range tasks {
		task := &tasks[i]
		old := task.PriorityScore
		score := scoring.ComputePriorityScore(task, len(task.Dependents), now)
		if !scoring.PriorityChanged(old, score) {
			continue
		}

		task.PriorityScore = score
		if err := uow.SaveTask(ctx, task); err != nil {
			return 0, err
		}
		updated++

		if score-old > priorityJump {
			_, err := p.audit.Record(ctx, uow, audit.ActionPriorityIncreased, models.EntityTask, task.ID,
				fmt.Sprintf("Priority score increased from %.1f to %.1f", old, score))
			if err != nil {
				return 0, err
			}
		}
	}

	p.logger.Debug("priority scores recomputed", "processed", len(tasks), "updated", updated)
	return len(tasks), nil
}
