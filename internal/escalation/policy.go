// Package escalation decides when an at-risk task is handed to a manager and
// performs the one-way escalation transition.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/models"
)

// Config holds escalation thresholds.
type Config struct {
	GraceHours             float64       `yaml:"grace_hours" toml:"grace_hours"`
	LowConfidenceThreshold float64       `yaml:"low_confidence_threshold" toml:"low_confidence_threshold"`
	StaleAfter             time.Duration `yaml:"stale_after" toml:"stale_after"`
}

// DefaultConfig returns the default escalation thresholds.
func DefaultConfig() Config {
	return Config{
		GraceHours:             0,
		LowConfidenceThreshold: 30,
		StaleAfter:             72 * time.Hour,
	}
}

// Store is the part of a unit of work the policy needs.
type Store interface {
	FetchActiveUserByRole(ctx context.Context, role models.UserRole) (*models.User, error)
	SaveTask(ctx context.Context, task *models.Task) error
	EnqueueNotification(ctx context.Context, n *models.Notification) error
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Outcome describes what Apply did with one task.
type Outcome struct {
	Escalated     bool
	Reason        string
	Target        *models.User
	Notifications int
}

// Policy evaluates and applies escalation for single tasks.
type Policy struct {
	cfg    Config
	audit  *audit.Recorder
	logger *slog.Logger
}

// New creates a Policy. agentName attributes audit entries.
func New(cfg Config, agentName string, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Policy{
		cfg:    cfg,
		audit:  audit.ForAgent(agentName),
		logger: logger,
	}
}

// Evaluate reports whether task must be escalated and why. Triggers are
// checked in order: overdue, low confidence, no progress.
func (p *Policy) Evaluate(task *models.Task, now time.Time) (bool, string) {
	if task.IsEscalated || task.IsCompleted() {
		return false, ""
	}

	if task.DueDate != nil && task.DueDate.Before(now) {
		hoursOverdue := now.Sub(*task.DueDate).Hours()
		if hoursOverdue > p.cfg.GraceHours {
			return true, fmt.Sprintf("Overdue by %.1f hours", hoursOverdue)
		}
	}

	if task.ConfidenceScore < p.cfg.LowConfidenceThreshold {
		return true, fmt.Sprintf("Critically low confidence score (%.0f%%)", task.ConfidenceScore)
	}

	if task.Status == models.TaskStatusInProgress && !task.UpdatedAt.IsZero() {
		idle := now.Sub(task.UpdatedAt)
		if idle >= p.cfg.StaleAfter {
			days := int(math.Floor(idle.Hours() / 24))
			return true, fmt.Sprintf("No progress for %d days", days)
		}
	}

	return false, ""
}

// Apply evaluates task and, if it triggers, escalates it to the first active
// manager, falling back to the first active admin. With no target the task is
// left untouched and no error is returned.
func (p *Policy) Apply(ctx context.Context, s Store, task *models.Task, now time.Time) (Outcome, error) {
	should, reason := p.Evaluate(task, now)
	if !should {
		return Outcome{}, nil
	}

	target, err := p.findTarget(ctx, s)
	if err != nil {
		return Outcome{}, err
	}
	if target == nil {
		p.logger.Debug("no escalation target", "task_id", task.ID, "reason", reason)
		return Outcome{Reason: reason}, nil
	}

	task.IsEscalated = true
	task.EscalatedTo = target.ID
	task.Status = models.TaskStatusEscalated
	task.UpdatedAt = now
	if err := s.SaveTask(ctx, task); err != nil {
		return Outcome{}, fmt.Errorf("save escalated task: %w", err)
	}

	out := Outcome{Escalated: true, Reason: reason, Target: target}

	toTarget := models.NewNotification(models.NotificationEscalation, models.ChannelBoth, target.ID, task.ID,
		fmt.Sprintf("ESCALATED: Task '%s' requires attention. Reason: %s", task.Title, reason))
	if err := s.EnqueueNotification(ctx, toTarget); err != nil {
		return Outcome{}, fmt.Errorf("enqueue escalation notification: %w", err)
	}
	out.Notifications++

	if task.AssignedTo != "" && task.AssignedTo != target.ID {
		toAssignee := models.NewNotification(models.NotificationEscalation, models.ChannelDesktop, task.AssignedTo, task.ID,
			fmt.Sprintf("Your task '%s' has been escalated to %s. Reason: %s", task.Title, target.Name, reason))
		if err := s.EnqueueNotification(ctx, toAssignee); err != nil {
			return Outcome{}, fmt.Errorf("enqueue assignee notification: %w", err)
		}
		out.Notifications++
	}

	_, err = p.audit.Record(ctx, s, audit.ActionTaskEscalated, models.EntityTask, task.ID,
		fmt.Sprintf("Task escalated to %s. Reason: %s", target.Name, reason))
	if err != nil {
		return Outcome{}, err
	}

	p.logger.Info("task escalated", "task_id", task.ID, "target", target.ID, "reason", reason)
	return out, nil
}

func (p *Policy) findTarget(ctx context.Context, s Store) (*models.User, error) {
	for _, role := range []models.UserRole{models.RoleManager, models.RoleAdmin} {
		u, err := s.FetchActiveUserByRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("find escalation target: %w", err)
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}
