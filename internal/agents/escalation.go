package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/escalation"
	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/store"
)

// EscalationAgent applies the escalation policy to open, non-escalated tasks.
type EscalationAgent struct {
	policy *escalation.Policy
	logger *slog.Logger
}

// NewEscalationAgent creates an EscalationAgent.
func NewEscalationAgent(cfg escalation.Config, logger *slog.Logger) *EscalationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", EscalationAgentName)
	return &EscalationAgent{
		policy: escalation.New(cfg, EscalationAgentName, logger),
		logger: logger,
	}
}

// Name returns the agent name.
func (e *EscalationAgent) Name() string {
	return EscalationAgentName
}

// Run evaluates each candidate task once.
func (e *EscalationAgent) Run(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
	tasks, err := uow.FetchEligibleTasks(ctx, models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusOverdue)
	if err != nil {
		return 0, err
	}

	seen, escalated := 0, 0
	for i := range tasks {
		task := &tasks[i]
		if task.IsEscalated {
			continue
		}
		seen++
		out, err := e.policy.Apply(ctx, uow, task, now)
		if err != nil {
			return 0, err
		}
		if out.Escalated {
			escalated++
		}
	}

	e.logger.Debug("escalation check finished", "processed", seen, "escalated", escalated)
	return seen, nil
}
