package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/deps"
	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/scoring"
	"github.com/fentz26/taskpilot/internal/store"
)

// RiskAgent recomputes confidence scores and flags tasks that turn high risk.
type RiskAgent struct {
	audit  *audit.Recorder
	logger *slog.Logger
}

// NewRiskAgent creates a RiskAgent.
func NewRiskAgent(logger *slog.Logger) *RiskAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskAgent{
		audit:  audit.ForAgent(RiskAgentName),
		logger: logger.With("agent", RiskAgentName),
	}
}

// Name returns the agent name.
func (r *RiskAgent) Name() string {
	return RiskAgentName
}

// Run rescores every pending or in-progress task against a snapshot of its
// dependencies.
func (r *RiskAgent) Run(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
	all, err := uow.ListTasks(ctx)
	if err != nil {
		return 0, err
	}
	graph := deps.NewGraph(all)

	tasks, err := uow.FetchEligibleTasks(ctx, models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		return 0, err
	}

	updated, highRisk := 0, 0
	for i := range tasks {
		task := &tasks[i]
		old := task.ConfidenceScore
		score := scoring.ComputeConfidenceScore(task, graph.Snapshots(task.ID), now)
		if !scoring.ConfidenceChanged(old, score) {
			continue
		}

		task.ConfidenceScore = score
		if err := uow.SaveTask(ctx, task); err != nil {
			return 0, err
		}
		updated++

		if scoring.IsHighRisk(score) && !scoring.IsHighRisk(old) {
			highRisk++
			if err := r.flagHighRisk(ctx, uow, task); err != nil {
				return 0, err
			}
		}
	}

	if bottlenecks := graph.Bottlenecks(); len(bottlenecks) > 0 {
		top := bottlenecks[0]
		r.logger.Info("dependency bottlenecks", "count", len(bottlenecks), "top_task_id", top.TaskID, "top_blocking", top.BlockingCount)
	}
	if cycles := graph.Cycles(); len(cycles) > 0 {
		r.logger.Warn("dependency cycles detected", "count", len(cycles), "cycles", cycles)
	}

	r.logger.Debug("confidence scores recomputed", "processed", len(tasks), "updated", updated, "high_risk", highRisk)
	return len(tasks), nil
}

func (r *RiskAgent) flagHighRisk(ctx context.Context, uow store.UnitOfWork, task *models.Task) error {
	_, err := r.audit.Record(ctx, uow, audit.ActionHighRiskDetected, models.EntityTask, task.ID,
		fmt.Sprintf("Task '%s' dropped to high-risk status. Confidence: %.1f%%", task.Title, task.ConfidenceScore))
	if err != nil {
		return err
	}
	if task.AssignedTo == "" {
		return nil
	}
	n := models.NewNotification(models.NotificationAlert, models.ChannelDesktop, task.AssignedTo, task.ID,
		fmt.Sprintf("Task '%s' has been flagged as HIGH RISK (Confidence: %.0f%%)", task.Title, task.ConfidenceScore))
	return uow.EnqueueNotification(ctx, n)
}
