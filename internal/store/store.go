// Package store provides SQLite-backed persistence for taskpilot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate indicates a uniqueness constraint rejected the write.
var ErrDuplicate = errors.New("duplicate record")

// Store provides access to the taskpilot SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time; every unit of work holds
	// the single connection until it commits or rolls back.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT 'medium',
		status TEXT NOT NULL DEFAULT 'pending',
		due_date DATETIME,
		confidence_score REAL NOT NULL DEFAULT 100,
		priority_score REAL NOT NULL DEFAULT 50,
		is_escalated INTEGER NOT NULL DEFAULT 0,
		escalated_to TEXT NOT NULL DEFAULT '',
		assigned_to TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		dependency_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (task_id, dependency_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id),
		FOREIGN KEY (dependency_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT 'desktop',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		is_read INTEGER NOT NULL DEFAULT 0,
		scheduled_at DATETIME,
		sent_at DATETIME,
		user_id TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		reminder_offset INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		agent TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_health (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'running',
		last_run DATETIME,
		tasks_processed INTEGER NOT NULL DEFAULT 0,
		errors_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_task_dependencies_dep ON task_dependencies(dependency_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications(status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_reminder
		ON notifications(task_id, reminder_offset) WHERE type = 'reminder';
	CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// BeginTx opens a unit of work backed by a database transaction.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Begin opens a unit of work. It satisfies the Store interfaces of the
// agent runner and control plane.
func (s *Store) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// --- Read-only task queries ---

// GetTask retrieves a task by ID with its dependency edges.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return getTask(ctx, s.db, id)
}

// ListTasks returns all tasks in store order, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, statuses ...models.TaskStatus) ([]models.Task, error) {
	return listTasks(ctx, s.db, statuses)
}

// --- Users ---

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, role, is_active, created_at FROM users WHERE email = ?`,
		strings.ToLower(strings.TrimSpace(email)),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// ListUsers returns every user in creation order.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	return listUsers(ctx, s.db, false)
}

// --- Notifications ---

// ListNotificationsForUser returns a user's notifications, newest first.
func (s *Store) ListNotificationsForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectNotifications(rows)
}

// --- Audit ---

// ListAuditEntries returns audit entries newest first. A zero since returns
// entries regardless of age. A zero limit means 1000; a negative limit means
// no limit.
func (s *Store) ListAuditEntries(ctx context.Context, since time.Time, limit int) ([]models.AuditEntry, error) {
	if limit == 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, entity_type, entity_id, details, agent, user_id, timestamp
		 FROM audit_log ORDER BY rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Details, &e.Agent, &e.UserID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Agent Health ---

// LoadAgentHealth returns the health record for an agent. A missing record
// is returned zero-valued with status running.
func (s *Store) LoadAgentHealth(ctx context.Context, name string) (*models.AgentHealth, error) {
	h := &models.AgentHealth{}
	var lastRun sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT name, status, last_run, tasks_processed, errors_count, last_error, updated_at FROM agent_health WHERE name = ?`,
		name,
	).Scan(&h.Name, &h.Status, &lastRun, &h.TasksProcessed, &h.ErrorsCount, &h.LastError, &h.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &models.AgentHealth{Name: name, Status: models.AgentRunning}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query agent health: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time
		h.LastRun = &t
	}
	return h, nil
}

// SaveAgentHealth upserts an agent health record.
func (s *Store) SaveAgentHealth(ctx context.Context, h *models.AgentHealth) error {
	h.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_health (name, status, last_run, tasks_processed, errors_count, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			last_run = excluded.last_run,
			tasks_processed = excluded.tasks_processed,
			errors_count = excluded.errors_count,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		h.Name, h.Status, nullTime(h.LastRun), h.TasksProcessed, h.ErrorsCount, h.LastError, h.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent health: %w", err)
	}
	return nil
}

// SeedAgentHealth creates health records for agents that have none yet.
func (s *Store) SeedAgentHealth(ctx context.Context, names ...string) error {
	now := time.Now().UTC()
	for _, name := range names {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO agent_health (name, status, updated_at) VALUES (?, ?, ?)`,
			name, models.AgentRunning, now,
		)
		if err != nil {
			return fmt.Errorf("seed agent health %s: %w", name, err)
		}
	}
	return nil
}

// ListAgentHealth returns all agent health records ordered by name.
func (s *Store) ListAgentHealth(ctx context.Context) ([]models.AgentHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, status, last_run, tasks_processed, errors_count, last_error, updated_at FROM agent_health ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("query agent health: %w", err)
	}
	defer rows.Close()

	var out []models.AgentHealth
	for rows.Next() {
		var h models.AgentHealth
		var lastRun sql.NullTime
		if err := rows.Scan(&h.Name, &h.Status, &lastRun, &h.TasksProcessed, &h.ErrorsCount, &h.LastError, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent health: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
			h.LastRun = &t
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func newID() string {
	return uuid.New().String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
