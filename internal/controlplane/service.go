// Package controlplane provides the HTTP API and service layer for taskpilot.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/taskpilot/internal/agents"
	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/deps"
	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/scheduler"
	"github.com/fentz26/taskpilot/internal/scoring"
	"github.com/fentz26/taskpilot/internal/store"
)

// Scheduler is the part of the agent scheduler exposed over the API.
type Scheduler interface {
	Status() scheduler.Status
	Trigger(ctx context.Context, name string) (agents.CycleResult, bool)
}

// Service provides the control plane business logic.
type Service struct {
	store  *store.Store
	sched  Scheduler
	events agents.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new control plane service. sched and events may be nil.
func NewService(s *store.Store, sched Scheduler, events agents.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		sched:  sched,
		events: events,
		logger: logger.With("component", "controlplane"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// withTx runs fn inside one unit of work and publishes its change events after
// a successful commit.
func (s *Service) withTx(ctx context.Context, fn func(tx *store.Tx) error) error {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	evs, err := tx.Commit()
	if err != nil {
		return err
	}
	if s.events != nil && len(evs) > 0 {
		s.events.Publish(evs...)
	}
	return nil
}

// --- Health & Scheduler ---

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	OK        bool   `json:"ok"`
	DB        string `json:"db"`
	Scheduler string `json:"scheduler"`
	Version   string `json:"version"`
	Time      string `json:"time"`
}

// Version is reported by the health endpoint. Overridden at build time.
var Version = "dev"

// Health checks the database and reports the scheduler state.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:        true,
		DB:        "ok",
		Scheduler: scheduler.StatusNotRunning,
		Version:   Version,
		Time:      s.now().Format(time.RFC3339),
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	if s.sched != nil {
		h.Scheduler = s.sched.Status().Status
	}
	return h
}

// SchedulerStatus returns the scheduler state and its jobs.
func (s *Service) SchedulerStatus() scheduler.Status {
	if s.sched == nil {
		return scheduler.Status{Status: scheduler.StatusNotRunning, Jobs: []scheduler.JobStatus{}}
	}
	return s.sched.Status()
}

// RunAgent triggers one cycle of the named agent and waits for it.
func (s *Service) RunAgent(ctx context.Context, name string) (agents.CycleResult, error) {
	if s.sched == nil {
		return agents.CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	res, ok := s.sched.Trigger(ctx, name)
	if !ok {
		return agents.CycleResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	return res, nil
}

// AgentHealth returns the health record of every agent.
func (s *Service) AgentHealth(ctx context.Context) ([]models.AgentHealth, error) {
	return s.store.ListAgentHealth(ctx)
}

// --- Audit ---

// AuditLog returns the newest audit entries.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, time.Time{}, limit)
}

// AuditSummary aggregates the audit trail over the last days.
func (s *Service) AuditSummary(ctx context.Context, days int) (audit.Summary, error) {
	if days <= 0 {
		days = 7
	}
	since := s.now().AddDate(0, 0, -days)
	entries, err := s.store.ListAuditEntries(ctx, since, -1)
	if err != nil {
		return audit.Summary{}, err
	}
	return audit.Summarize(entries, days), nil
}

// --- Task Operations ---

// CreateTaskInput holds the fields accepted when creating a task.
type CreateTaskInput struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Priority      models.Priority `json:"priority"`
	DueDate       *time.Time      `json:"due_date"`
	AssigneeEmail string          `json:"assignee_email"`
	CreatorEmail  string          `json:"creator_email"`
	Dependencies  []string        `json:"dependencies"`
}

// CreateTask creates a task with its dependency edges.
func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (*models.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if in.Priority != "" && !in.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, in.Priority)
	}

	task := &models.Task{
		Title:           title,
		Description:     in.Description,
		Priority:        in.Priority,
		DueDate:         in.DueDate,
		ConfidenceScore: models.DefaultConfidenceScore,
		PriorityScore:   models.DefaultPriorityScore,
	}

	err := s.withTx(ctx, func(tx *store.Tx) error {
		assignee, err := s.resolveUser(ctx, tx, in.AssigneeEmail)
		if err != nil {
			return err
		}
		creator, err := s.resolveUser(ctx, tx, in.CreatorEmail)
		if err != nil {
			return err
		}
		if assignee != nil {
			task.AssignedTo = assignee.ID
		}
		rec := audit.ForUser("")
		if creator != nil {
			task.CreatedBy = creator.ID
			rec = audit.ForUser(creator.ID)
		}

		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		for _, depID := range in.Dependencies {
			if err := s.addEdge(ctx, tx, task.ID, depID); err != nil {
				return err
			}
			task.Dependencies = append(task.Dependencies, depID)
		}
		_, err = rec.Record(ctx, tx, audit.ActionTaskCreated, models.EntityTask, task.ID,
			fmt.Sprintf("Task '%s' created", task.Title))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID)
	return task, nil
}

func (s *Service) resolveUser(ctx context.Context, tx *store.Tx, email string) (*models.User, error) {
	if strings.TrimSpace(email) == "" {
		return nil, nil
	}
	u, err := tx.FetchUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return u, nil
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task, err
}

// ListTasks returns tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status string) ([]models.Task, error) {
	if status == "" {
		return s.store.ListTasks(ctx)
	}
	st := models.TaskStatus(status)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.store.ListTasks(ctx, st)
}

// AnalyzeTask returns the one-level dependency analysis of a task.
func (s *Service) AnalyzeTask(ctx context.Context, id string) (deps.Analysis, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return deps.Analysis{}, err
	}
	if _, ok := graph.Task(id); !ok {
		return deps.Analysis{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return graph.Analyze(id), nil
}

// Bottlenecks returns tasks that block others, most blocking first.
func (s *Service) Bottlenecks(ctx context.Context) ([]deps.Bottleneck, error) {
	graph, err := s.graph(ctx)
	if err != nil {
		return nil, err
	}
	return graph.Bottlenecks(), nil
}

func (s *Service) graph(ctx context.Context) (*deps.Graph, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	return deps.NewGraph(tasks), nil
}

// AddDependency records that taskID waits on dependencyID. Edges that would
// close a cycle are rejected.
func (s *Service) AddDependency(ctx context.Context, taskID, dependencyID string) (*models.Task, error) {
	var task *models.Task
	err := s.withTx(ctx, func(tx *store.Tx) error {
		if err := s.addEdge(ctx, tx, taskID, dependencyID); err != nil {
			return err
		}
		var err error
		task, err = tx.FetchTask(ctx, taskID)
		if err != nil {
			return err
		}
		_, err = audit.ForUser("").Record(ctx, tx, audit.ActionDependencyAdded, models.EntityTask, taskID,
			fmt.Sprintf("Task now depends on %s", dependencyID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) addEdge(ctx context.Context, tx *store.Tx, taskID, dependencyID string) error {
	if dependencyID == "" || taskID == dependencyID {
		return fmt.Errorf("%w: a task cannot depend on itself", ErrInvalidInput)
	}
	tasks, err := tx.ListTasks(ctx)
	if err != nil {
		return err
	}
	graph := deps.NewGraph(tasks)
	for _, id := range []string{taskID, dependencyID} {
		if _, ok := graph.Task(id); !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
	}
	if graph.WouldCycle(taskID, dependencyID) {
		return fmt.Errorf("%w: dependency %s -> %s would create a cycle", ErrInvalidInput, taskID, dependencyID)
	}
	if err := tx.AddDependency(ctx, taskID, dependencyID); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return fmt.Errorf("%w: dependency already exists", ErrConflict)
		}
		return err
	}
	return nil
}

// UpdateStatus changes a task's status. Completing a task stamps CompletedAt;
// moving it out of completed clears it.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, status models.TaskStatus, actorEmail string) (*models.Task, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	var task *models.Task
	err := s.withTx(ctx, func(tx *store.Tx) error {
		var err error
		task, err = tx.FetchTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		actor, err := s.resolveUser(ctx, tx, actorEmail)
		if err != nil {
			return err
		}

		old := task.Status
		now := s.now()
		task.Status = status
		task.UpdatedAt = now
		if status == models.TaskStatusCompleted {
			task.CompletedAt = &now
		} else {
			task.CompletedAt = nil
		}
		if err := tx.SaveTask(ctx, task); err != nil {
			return err
		}

		rec := audit.ForUser("")
		if actor != nil {
			rec = audit.ForUser(actor.ID)
		}
		_, err = rec.Record(ctx, tx, audit.ActionTaskStatusChanged, models.EntityTask, task.ID,
			fmt.Sprintf("Task status changed from %s to %s", old, status))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// HighRiskTasks returns tasks below the high-risk confidence threshold,
// lowest confidence first.
func (s *Service) HighRiskTasks(ctx context.Context) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.Task, 0)
	for _, t := range tasks {
		if scoring.IsHighRisk(t.ConfidenceScore) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ConfidenceScore < out[j].ConfidenceScore
	})
	return out, nil
}

// OverdueTasks returns incomplete tasks whose due date has passed, earliest
// due first.
func (s *Service) OverdueTasks(ctx context.Context) ([]models.Task, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]models.Task, 0)
	for _, t := range tasks {
		if t.DueDate != nil && t.DueDate.Before(now) && !t.IsCompleted() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DueDate.Before(*out[j].DueDate)
	})
	return out, nil
}

// --- Users & Notifications ---

// CreateUserInput holds the fields accepted when creating a user.
type CreateUserInput struct {
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	Role     models.UserRole `json:"role"`
	IsActive *bool           `json:"is_active"`
}

// CreateUser registers a user. Users are active unless stated otherwise.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	email := strings.TrimSpace(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	switch in.Role {
	case "", models.RoleAdmin, models.RoleManager, models.RoleUser:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}

	u := &models.User{Email: email, Name: in.Name, Role: in.Role, IsActive: true}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}

	err := s.withTx(ctx, func(tx *store.Tx) error {
		if err := tx.CreateUser(ctx, u); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: email %s already registered", ErrConflict, u.Email)
			}
			return err
		}
		_, err := audit.ForUser(u.ID).Record(ctx, tx, audit.ActionUserCreated, models.EntityUser, u.ID,
			fmt.Sprintf("User %s created with role %s", u.Email, u.Role))
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers returns every user.
func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

// Notifications returns the newest notifications for the user with email.
func (s *Service) Notifications(ctx context.Context, email string, limit int) ([]models.Notification, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	return s.store.ListNotificationsForUser(ctx, u.ID, limit)
}

// BroadcastInput holds a broadcast request. An empty RecipientEmail targets
// every active user.
type BroadcastInput struct {
	Message        string                  `json:"message"`
	Type           models.NotificationType `json:"type"`
	Channel        models.Channel          `json:"channel"`
	RecipientEmail string                  `json:"recipient_email"`
	SenderEmail    string                  `json:"sender_email"`
}

// Broadcast queues one pending notification per recipient and returns how
// many were queued. Delivery happens on the next notification cycle.
func (s *Service) Broadcast(ctx context.Context, in BroadcastInput) (int, error) {
	if strings.TrimSpace(in.Message) == "" {
		return 0, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	// Reminders and escalations are created by the agents only.
	switch in.Type {
	case "":
		in.Type = models.NotificationBroadcast
	case models.NotificationBroadcast, models.NotificationAlert:
	default:
		return 0, fmt.Errorf("%w: notification type must be %s or %s, got %q",
			ErrInvalidInput, models.NotificationBroadcast, models.NotificationAlert, in.Type)
	}
	switch in.Channel {
	case "":
		in.Channel = models.ChannelDesktop
	case models.ChannelDesktop, models.ChannelEmail, models.ChannelBoth:
	default:
		return 0, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, in.Channel)
	}

	count := 0
	err := s.withTx(ctx, func(tx *store.Tx) error {
		var recipients []models.User
		if in.RecipientEmail != "" {
			u, err := s.resolveUser(ctx, tx, in.RecipientEmail)
			if err != nil {
				return err
			}
			recipients = []models.User{*u}
		} else {
			var err error
			recipients, err = tx.FetchActiveUsers(ctx)
			if err != nil {
				return err
			}
		}

		sender, err := s.resolveUser(ctx, tx, in.SenderEmail)
		if err != nil {
			return err
		}
		msg := in.Message
		rec := audit.ForUser("")
		if sender != nil {
			msg = fmt.Sprintf("%s\n\nFrom: %s (%s)", in.Message, sender.Name, sender.Email)
			rec = audit.ForUser(sender.ID)
		}

		for _, u := range recipients {
			n := models.NewNotification(in.Type, in.Channel, u.ID, "", msg)
			if err := tx.EnqueueNotification(ctx, n); err != nil {
				return err
			}
			count++
		}
		_, err = rec.Record(ctx, tx, audit.ActionNotificationBroadcast, models.EntityNotification, "",
			fmt.Sprintf("Message sent to %d users", count))
		return err
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
