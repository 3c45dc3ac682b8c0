package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

// ErrClosedUnit is returned when a unit of work is used after Commit or Rollback.
var ErrClosedUnit = errors.New("unit of work already closed")

// UnitOfWork is one all-or-nothing batch of reads and writes. Every mutation
// records a change event that is handed back by Commit.
type UnitOfWork interface {
	FetchEligibleTasks(ctx context.Context, statuses ...models.TaskStatus) ([]models.Task, error)
	FetchTask(ctx context.Context, id string) (*models.Task, error)
	SaveTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context) ([]models.Task, error)
	FetchActiveUserByRole(ctx context.Context, role models.UserRole) (*models.User, error)
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	EnqueueNotification(ctx context.Context, n *models.Notification) error
	FetchNotifications(ctx context.Context, status models.NotificationStatus, scheduledBefore time.Time) ([]models.Notification, error)
	SaveNotification(ctx context.Context, n *models.Notification) error
	ReminderExists(ctx context.Context, taskID string, offsetHours int) (bool, error)
	Commit() ([]models.ChangeEvent, error)
	Rollback() error
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is the SQLite implementation of UnitOfWork.
type Tx struct {
	tx     *sql.Tx
	events []models.ChangeEvent
	closed bool
}

var _ UnitOfWork = (*Tx)(nil)

// Commit applies all mutations and returns the change events they produced.
func (t *Tx) Commit() ([]models.ChangeEvent, error) {
	if t.closed {
		return nil, ErrClosedUnit
	}
	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	events := t.events
	t.events = nil
	return events, nil
}

// Rollback discards all mutations. Calling it after Commit is a no-op.
func (t *Tx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.events = nil
	return t.tx.Rollback()
}

func (t *Tx) record(kind models.EntityKind, id string, state any) {
	t.events = append(t.events, models.ChangeEvent{
		Kind:     kind,
		EntityID: id,
		State:    state,
		At:       time.Now().UTC(),
	})
}

func (t *Tx) q() (querier, error) {
	if t.closed {
		return nil, ErrClosedUnit
	}
	return t.tx, nil
}

// --- Task Operations ---

// FetchEligibleTasks returns tasks whose status is in statuses, in store order.
func (t *Tx) FetchEligibleTasks(ctx context.Context, statuses ...models.TaskStatus) ([]models.Task, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listTasks(ctx, q, statuses)
}

// ListTasks returns every task in store order.
func (t *Tx) ListTasks(ctx context.Context) ([]models.Task, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listTasks(ctx, q, nil)
}

// FetchTask returns the task with id, or nil if it does not exist.
func (t *Tx) FetchTask(ctx context.Context, id string) (*models.Task, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	task, err := getTask(ctx, q, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return task, err
}

// CreateTask inserts a new task, filling in ID, defaults and timestamps.
func (t *Tx) CreateTask(ctx context.Context, task *models.Task) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	task.ID = newID()
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, priority, status, due_date, confidence_score, priority_score,
			is_escalated, escalated_to, assigned_to, created_by, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.Priority, task.Status, nullTime(task.DueDate),
		task.ConfidenceScore, task.PriorityScore, task.IsEscalated, task.EscalatedTo, task.AssignedTo,
		task.CreatedBy, task.CreatedAt.UTC(), task.UpdatedAt.UTC(), nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	t.record(models.KindTask, task.ID, snapshotTask(task))
	return nil
}

// SaveTask persists the mutable fields of task. Dependency edges are not touched.
func (t *Tx) SaveTask(ctx context.Context, task *models.Task) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, priority = ?, status = ?, due_date = ?,
			confidence_score = ?, priority_score = ?, is_escalated = ?, escalated_to = ?,
			assigned_to = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		task.Title, task.Description, task.Priority, task.Status, nullTime(task.DueDate),
		task.ConfidenceScore, task.PriorityScore, task.IsEscalated, task.EscalatedTo,
		task.AssignedTo, task.UpdatedAt.UTC(), nullTime(task.CompletedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update task %s: %w", task.ID, ErrNotFound)
	}
	t.record(models.KindTask, task.ID, snapshotTask(task))
	return nil
}

// AddDependency records that taskID depends on dependencyID.
func (t *Tx) AddDependency(ctx context.Context, taskID, dependencyID string) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, dependency_id, created_at) VALUES (?, ?, ?)`,
		taskID, dependencyID, time.Now().UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

// --- User Operations ---

// CreateUser inserts a user. Emails are stored lower-cased and must be unique.
func (t *Tx) CreateUser(ctx context.Context, u *models.User) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	u.ID = newID()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	u.CreatedAt = time.Now().UTC()

	_, err = q.ExecContext(ctx,
		`INSERT INTO users (id, email, name, role, is_active, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Role, u.IsActive, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// FetchActiveUserByRole returns the earliest-created active user with role,
// or nil if there is none.
func (t *Tx) FetchActiveUserByRole(ctx context.Context, role models.UserRole) (*models.User, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT id, email, name, role, is_active, created_at FROM users
		 WHERE role = ? AND is_active = 1 ORDER BY created_at, rowid LIMIT 1`,
		role,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user by role: %w", err)
	}
	return u, nil
}

// FetchUserByEmail returns the user with email, or nil.
func (t *Tx) FetchUserByEmail(ctx context.Context, email string) (*models.User, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT id, email, name, role, is_active, created_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// FetchActiveUsers returns every active user in creation order.
func (t *Tx) FetchActiveUsers(ctx context.Context) ([]models.User, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	return listUsers(ctx, q, true)
}

// --- Audit Operations ---

// AppendAuditEntry appends an entry to the audit log.
func (t *Tx) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	e.ID = newID()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO audit_log (id, action, entity_type, entity_id, details, agent, user_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, e.EntityType, e.EntityID, e.Details, e.Agent, e.UserID, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	t.record(models.KindAudit, e.ID, *e)
	return nil
}

// --- Notification Operations ---

const notificationColumns = `id, type, message, channel, status, retry_count, max_retries, is_read,
	scheduled_at, sent_at, user_id, task_id, reminder_offset, created_at`

// EnqueueNotification inserts a new notification. A second reminder for the
// same task and offset fails with ErrDuplicate.
func (t *Tx) EnqueueNotification(ctx context.Context, n *models.Notification) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	n.ID = newID()
	if n.Status == "" {
		n.Status = models.NotificationPending
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = models.DefaultMaxRetries
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Message, n.Channel, n.Status, n.RetryCount, n.MaxRetries, n.IsRead,
		nullTime(n.ScheduledAt), nullTime(n.SentAt), n.UserID, n.TaskID, n.ReminderOffset, n.CreatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	t.record(models.KindNotification, n.ID, *n)
	return nil
}

// FetchNotifications returns notifications with status whose scheduled time
// is unset or not after scheduledBefore. A zero scheduledBefore disables the
// time filter. Results are oldest first.
func (t *Tx) FetchNotifications(ctx context.Context, status models.NotificationStatus, scheduledBefore time.Time) ([]models.Notification, error) {
	q, err := t.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE status = ? ORDER BY created_at, rowid`,
		status,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	all, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	if scheduledBefore.IsZero() {
		return all, nil
	}
	out := all[:0]
	for _, n := range all {
		if n.ScheduledAt == nil || !n.ScheduledAt.After(scheduledBefore) {
			out = append(out, n)
		}
	}
	return out, nil
}

// SaveNotification persists the delivery state of n.
func (t *Tx) SaveNotification(ctx context.Context, n *models.Notification) error {
	q, err := t.q()
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE notifications SET status = ?, retry_count = ?, max_retries = ?, is_read = ?,
			scheduled_at = ?, sent_at = ?
		 WHERE id = ?`,
		n.Status, n.RetryCount, n.MaxRetries, n.IsRead, nullTime(n.ScheduledAt), nullTime(n.SentAt), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	if c, _ := res.RowsAffected(); c == 0 {
		return fmt.Errorf("update notification %s: %w", n.ID, ErrNotFound)
	}
	t.record(models.KindNotification, n.ID, *n)
	return nil
}

// ReminderExists reports whether a reminder for (taskID, offsetHours) was created.
func (t *Tx) ReminderExists(ctx context.Context, taskID string, offsetHours int) (bool, error) {
	q, err := t.q()
	if err != nil {
		return false, err
	}
	var count int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE type = ? AND task_id = ? AND reminder_offset = ?`,
		models.NotificationReminder, taskID, offsetHours,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query reminder: %w", err)
	}
	return count > 0, nil
}

// --- Shared scanners ---

const taskColumns = `id, title, description, priority, status, due_date, confidence_score, priority_score,
	is_escalated, escalated_to, assigned_to, created_by, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var due, completed sql.NullTime
	err := r.Scan(&task.ID, &task.Title, &task.Description, &task.Priority, &task.Status, &due,
		&task.ConfidenceScore, &task.PriorityScore, &task.IsEscalated, &task.EscalatedTo,
		&task.AssignedTo, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	if due.Valid {
		d := due.Time
		task.DueDate = &d
	}
	if completed.Valid {
		c := completed.Time
		task.CompletedAt = &c
	}
	return task, nil
}

func getTask(ctx context.Context, q querier, id string) (*models.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}

	task.Dependencies, err = queryIDs(ctx, q,
		`SELECT dependency_id FROM task_dependencies WHERE task_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	task.Dependents, err = queryIDs(ctx, q,
		`SELECT task_id FROM task_dependencies WHERE dependency_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func listTasks(ctx context.Context, q querier, statuses []models.TaskStatus) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY rowid`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(tasks) == 0 {
		return tasks, nil
	}

	// Edges are loaded after the task cursor is closed; the store runs on a
	// single connection.
	forward, reverse, err := loadEdges(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Dependencies = forward[tasks[i].ID]
		tasks[i].Dependents = reverse[tasks[i].ID]
	}
	return tasks, nil
}

func loadEdges(ctx context.Context, q querier) (map[string][]string, map[string][]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id, dependency_id FROM task_dependencies ORDER BY rowid`)
	if err != nil {
		return nil, nil, fmt.Errorf("query dependencies: %w", err)
	}
	defer rows.Close()

	forward := make(map[string][]string)
	reverse := make(map[string][]string)
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return nil, nil, fmt.Errorf("scan dependency: %w", err)
		}
		forward[taskID] = append(forward[taskID], depID)
		reverse[depID] = append(reverse[depID], taskID)
	}
	return forward, reverse, rows.Err()
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanUser(r rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := r.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func listUsers(ctx context.Context, q querier, activeOnly bool) ([]models.User, error) {
	query := `SELECT id, email, name, role, is_active, created_at FROM users`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func collectNotifications(rows *sql.Rows) ([]models.Notification, error) {
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var scheduled, sent sql.NullTime
		err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.Channel, &n.Status, &n.RetryCount, &n.MaxRetries,
			&n.IsRead, &scheduled, &sent, &n.UserID, &n.TaskID, &n.ReminderOffset, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		if scheduled.Valid {
			s := scheduled.Time
			n.ScheduledAt = &s
		}
		if sent.Valid {
			s := sent.Time
			n.SentAt = &s
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func snapshotTask(task *models.Task) models.Task {
	cp := *task
	cp.Dependencies = append([]string(nil), task.Dependencies...)
	cp.Dependents = append([]string(nil), task.Dependents...)
	return cp
}
