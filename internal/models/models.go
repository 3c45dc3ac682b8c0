// Package models defines the core domain types for taskpilot.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusOverdue    TaskStatus = "overdue"
	TaskStatusEscalated  TaskStatus = "escalated"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusOverdue, TaskStatusEscalated:
		return true
	}
	return false
}

// Priority is the user-assigned importance of a task.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Default scores for a freshly created task.
const (
	DefaultConfidenceScore = 100.0
	DefaultPriorityScore   = 50.0
)

// Task represents a unit of work whose derived fields are recomputed by agents.
type Task struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Priority        Priority   `json:"priority"`
	Status          TaskStatus `json:"status"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	ConfidenceScore float64    `json:"confidence_score"`
	PriorityScore   float64    `json:"priority_score"`
	IsEscalated     bool       `json:"is_escalated"`
	EscalatedTo     string     `json:"escalated_to,omitempty"`
	AssignedTo      string     `json:"assigned_to,omitempty"`
	CreatedBy       string     `json:"created_by,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// Dependencies are the tasks that must complete before this one.
	Dependencies []string `json:"dependencies,omitempty"`
	// Dependents are the tasks that list this one as a dependency.
	Dependents []string `json:"dependents,omitempty"`
}

// IsCompleted reports whether the task is terminal for scoring purposes.
func (t *Task) IsCompleted() bool {
	return t.Status == TaskStatusCompleted
}

// UserRole is the access role of a user.
type UserRole string

const (
	RoleAdmin   UserRole = "admin"
	RoleManager UserRole = "manager"
	RoleUser    UserRole = "user"
)

// User is a person tasks are assigned and escalated to.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      UserRole  `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationType tags what produced a notification.
type NotificationType string

const (
	NotificationReminder   NotificationType = "reminder"
	NotificationEscalation NotificationType = "escalation"
	NotificationAlert      NotificationType = "alert"
	NotificationBroadcast  NotificationType = "broadcast"
)

// Channel is the delivery channel of a notification.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelDesktop Channel = "desktop"
	ChannelBoth    Channel = "both"
)

// NotificationStatus is the delivery state of a notification.
type NotificationStatus string

const (
	NotificationPending  NotificationStatus = "pending"
	NotificationSent     NotificationStatus = "sent"
	NotificationFailed   NotificationStatus = "failed"
	NotificationRetrying NotificationStatus = "retrying"
)

// DefaultMaxRetries caps delivery attempts after the first failure.
const DefaultMaxRetries = 3

// Notification is a message queued for a user.
type Notification struct {
	ID          string             `json:"id"`
	Type        NotificationType   `json:"type"`
	Message     string             `json:"message"`
	Channel     Channel            `json:"channel"`
	Status      NotificationStatus `json:"status"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	IsRead      bool               `json:"is_read"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	UserID      string             `json:"user_id"`
	TaskID      string             `json:"task_id,omitempty"`
	// ReminderOffset is the hours-before-due a reminder was created for. Zero otherwise.
	ReminderOffset int       `json:"reminder_offset,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewNotification returns a pending notification with the default retry cap.
func NewNotification(typ NotificationType, channel Channel, userID, taskID, message string) *Notification {
	return &Notification{
		Type:       typ,
		Message:    message,
		Channel:    channel,
		Status:     NotificationPending,
		MaxRetries: DefaultMaxRetries,
		UserID:     userID,
		TaskID:     taskID,
	}
}

// CanRetry reports whether another delivery attempt is allowed.
func (n *Notification) CanRetry() bool {
	return n.Status == NotificationFailed && n.RetryCount < n.MaxRetries
}

// Entity types recorded in audit entries.
const (
	EntityTask         = "task"
	EntityNotification = "notification"
	EntityUser         = "user"
)

// AuditEntry is an append-only record of a significant state transition.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Agent      string    `json:"agent,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentState is the status tag of an agent health record.
type AgentState string

const (
	AgentRunning AgentState = "running"
	AgentStopped AgentState = "stopped"
	AgentError   AgentState = "error"
)

// AgentHealth tracks one agent's run history.
type AgentHealth struct {
	Name           string     `json:"name"`
	Status         AgentState `json:"status"`
	LastRun        *time.Time `json:"last_run,omitempty"`
	TasksProcessed int64      `json:"tasks_processed"`
	ErrorsCount    int64      `json:"errors_count"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EntityKind identifies the entity a change event refers to.
type EntityKind string

const (
	KindTask         EntityKind = "task"
	KindNotification EntityKind = "notification"
	KindAudit        EntityKind = "audit"
)

// ChangeEvent is emitted for every committed mutation.
type ChangeEvent struct {
	Kind     EntityKind `json:"kind"`
	EntityID string     `json:"entity_id"`
	State    any        `json:"state"`
	At       time.Time  `json:"at"`
}
