// Package notify schedules, sends and retries notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/audit"
	"github.com/fentz26/taskpilot/internal/delivery"
	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/store"
)

// Config holds reminder scheduling settings.
type Config struct {
	// ReminderOffsets are the hours before the due date a reminder fires.
	ReminderOffsets []int `yaml:"reminder_offsets" toml:"reminder_offsets"`
	// LookaheadHours bounds how far ahead due dates are scanned.
	// Zero means the largest offset plus one.
	LookaheadHours int `yaml:"lookahead_hours" toml:"lookahead_hours"`
}

// DefaultConfig returns the default reminder settings.
func DefaultConfig() Config {
	return Config{ReminderOffsets: []int{24, 8, 2}}
}

func (c Config) lookahead() time.Duration {
	if c.LookaheadHours > 0 {
		return time.Duration(c.LookaheadHours) * time.Hour
	}
	largest := 0
	for _, o := range c.ReminderOffsets {
		if o > largest {
			largest = o
		}
	}
	return time.Duration(largest+1) * time.Hour
}

// Store is the part of a unit of work the dispatcher needs.
type Store interface {
	FetchEligibleTasks(ctx context.Context, statuses ...models.TaskStatus) ([]models.Task, error)
	ReminderExists(ctx context.Context, taskID string, offsetHours int) (bool, error)
	EnqueueNotification(ctx context.Context, n *models.Notification) error
	FetchNotifications(ctx context.Context, status models.NotificationStatus, scheduledBefore time.Time) ([]models.Notification, error)
	SaveNotification(ctx context.Context, n *models.Notification) error
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Stats counts what one dispatcher cycle did.
type Stats struct {
	Scheduled int `json:"scheduled"`
	Sent      int `json:"sent"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Dispatcher moves notifications through pending, sent and failed.
type Dispatcher struct {
	cfg       Config
	transport delivery.Transport
	audit     *audit.Recorder
	logger    *slog.Logger
}

// New creates a Dispatcher. agentName attributes audit entries.
func New(cfg Config, transport delivery.Transport, agentName string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if transport == nil {
		transport = delivery.NewLogTransport(logger)
	}
	if len(cfg.ReminderOffsets) == 0 {
		cfg.ReminderOffsets = DefaultConfig().ReminderOffsets
	}
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		audit:     audit.ForAgent(agentName),
		logger:    logger,
	}
}

// Run performs Claim, Send and Record against one store. Delivery happens
// while s is held; callers sharing a connection with other work use the three
// steps separately.
func (d *Dispatcher) Run(ctx context.Context, s Store, now time.Time) (Stats, error) {
	b, err := d.Claim(ctx, s, now)
	if err != nil {
		return Stats{Scheduled: b.Scheduled}, err
	}
	d.Send(ctx, b)
	return d.Record(ctx, s, b, now)
}

// ScheduleReminders creates one reminder per (task, offset) for open tasks due
// within the lookahead window. A reminder whose fire time is more than an
// hour past is not created.
func (d *Dispatcher) ScheduleReminders(ctx context.Context, s Store, now time.Time) (int, error) {
	tasks, err := s.FetchEligibleTasks(ctx, models.TaskStatusPending, models.TaskStatusInProgress)
	if err != nil {
		return 0, err
	}

	window := now.Add(d.cfg.lookahead())
	created := 0
	for i := range tasks {
		task := &tasks[i]
		if task.DueDate == nil || task.AssignedTo == "" {
			continue
		}
		due := *task.DueDate
		if !due.After(now) || due.After(window) {
			continue
		}
		hoursUntilDue := due.Sub(now).Hours()

		for _, offset := range d.cfg.ReminderOffsets {
			if hoursUntilDue <= float64(offset-1) {
				continue
			}
			exists, err := s.ReminderExists(ctx, task.ID, offset)
			if err != nil {
				return created, err
			}
			if exists {
				continue
			}

			n := models.NewNotification(models.NotificationReminder, models.ChannelDesktop, task.AssignedTo, task.ID,
				fmt.Sprintf("%s: Task '%s' is due in %d hours!", urgency(offset), task.Title, offset))
			at := due.Add(-time.Duration(offset) * time.Hour)
			n.ScheduledAt = &at
			n.ReminderOffset = offset

			if err := s.EnqueueNotification(ctx, n); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					continue
				}
				return created, err
			}
			created++
		}
	}
	return created, nil
}

func urgency(offsetHours int) string {
	switch {
	case offsetHours <= 1:
		return "URGENT"
	case offsetHours <= 8:
		return "WARNING"
	}
	return "REMINDER"
}

// Batch is the work one cycle claimed: due pending notifications and failed
// ones still under their retry cap.
type Batch struct {
	Scheduled int

	pending []models.Notification
	retry   []models.Notification
	results []attempt
}

// Empty reports whether the batch has nothing to deliver.
func (b *Batch) Empty() bool {
	return len(b.pending) == 0 && len(b.retry) == 0
}

// attempt is the outcome of delivering one notification, applied by Record.
type attempt struct {
	n     models.Notification
	retry bool
	err   error
}

// Claim schedules reminders and selects what is due for delivery. Retry
// candidates are marked retrying. Notifications left retrying by an
// interrupted cycle are claimed again. Claims are not exclusive, so cycles
// must not overlap.
func (d *Dispatcher) Claim(ctx context.Context, s Store, now time.Time) (*Batch, error) {
	b := &Batch{}
	var err error
	if b.Scheduled, err = d.ScheduleReminders(ctx, s, now); err != nil {
		return b, err
	}

	if b.pending, err = s.FetchNotifications(ctx, models.NotificationPending, now); err != nil {
		return b, err
	}

	// Leftover retrying rows are read before failed rows are marked retrying.
	for _, status := range []models.NotificationStatus{models.NotificationRetrying, models.NotificationFailed} {
		candidates, err := s.FetchNotifications(ctx, status, time.Time{})
		if err != nil {
			return b, err
		}
		for i := range candidates {
			n := &candidates[i]
			if n.RetryCount >= n.MaxRetries {
				continue
			}
			if n.Status != models.NotificationRetrying {
				n.Status = models.NotificationRetrying
				if err := s.SaveNotification(ctx, n); err != nil {
					return b, err
				}
			}
			b.retry = append(b.retry, *n)
		}
	}
	return b, nil
}

// Send delivers every claimed notification without touching the store.
// A pending notification that fails and is still under its cap is retried
// once more in the same pass.
func (d *Dispatcher) Send(ctx context.Context, b *Batch) {
	retry := b.retry
	for _, n := range b.pending {
		err := d.transport.Deliver(ctx, &n)
		if err != nil {
			d.logger.Warn("notification delivery failed", "notification_id", n.ID, "err", err)
			if n.RetryCount < n.MaxRetries {
				n.RetryCount++
			}
			if n.RetryCount < n.MaxRetries {
				// The failure is recorded before the retry's outcome.
				b.results = append(b.results, attempt{n: n, err: err})
				retry = append(retry, n)
				continue
			}
		}
		b.results = append(b.results, attempt{n: n, err: err})
	}

	for _, n := range retry {
		err := d.transport.Deliver(ctx, &n)
		if err != nil {
			d.logger.Warn("notification retry failed", "notification_id", n.ID, "retry_count", n.RetryCount+1, "err", err)
			n.RetryCount++
		}
		b.results = append(b.results, attempt{n: n, retry: true, err: err})
	}
}

// Record applies the outcome of Send: statuses, retry counts and audit
// entries for retry successes and exhausted notifications.
func (d *Dispatcher) Record(ctx context.Context, s Store, b *Batch, now time.Time) (Stats, error) {
	stats := Stats{Scheduled: b.Scheduled}
	for i := range b.results {
		a := &b.results[i]
		n := &a.n

		if a.err != nil {
			n.Status = models.NotificationFailed
			if err := s.SaveNotification(ctx, n); err != nil {
				return stats, err
			}
			if n.RetryCount >= n.MaxRetries {
				if err := d.recordPermanentFailure(ctx, s, n); err != nil {
					return stats, err
				}
			}
			stats.Failed++
			continue
		}

		n.Status = models.NotificationSent
		n.SentAt = &now
		if err := s.SaveNotification(ctx, n); err != nil {
			return stats, err
		}
		if !a.retry {
			stats.Sent++
			continue
		}
		_, err := d.audit.Record(ctx, s, audit.ActionRetrySuccess, models.EntityNotification, n.ID,
			fmt.Sprintf("Notification sent after %d retries", n.RetryCount))
		if err != nil {
			return stats, err
		}
		stats.Retried++
	}
	b.results = nil
	return stats, nil
}

func (d *Dispatcher) recordPermanentFailure(ctx context.Context, s Store, n *models.Notification) error {
	d.logger.Error("notification permanently failed", "notification_id", n.ID, "retry_count", n.RetryCount)
	_, err := d.audit.Record(ctx, s, audit.ActionPermanentlyFailed, models.EntityNotification, n.ID,
		fmt.Sprintf("Notification failed after %d retries", n.MaxRetries))
	return err
}
