package notify

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/store"
)

var now = time.Now().UTC().Truncate(time.Second)

type fakeTransport struct {
	fail      bool
	delivered []string
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Deliver(_ context.Context, n *models.Notification) error {
	if f.fail {
		return errors.New("transport unavailable")
	}
	f.delivered = append(f.delivered, n.ID)
	return nil
}

func TestScheduleReminders_Dedup(t *testing.T) {
	s := newTestStore(t)
	due := now.Add(20 * time.Hour)
	task := createTask(t, s, &models.Task{Title: "report", Status: models.TaskStatusPending, DueDate: &due, AssignedTo: "u1"})

	d := New(DefaultConfig(), &fakeTransport{}, "NotificationAgent", nil)

	// Due in 20h: the 24h reminder is stale, 8h and 2h are scheduled.
	if n := inTx(t, s, func(tx *store.Tx) (int, error) { return d.ScheduleReminders(context.Background(), tx, now) }); n != 2 {
		t.Fatalf("Expected 2 reminders, got %d", n)
	}
	if n := inTx(t, s, func(tx *store.Tx) (int, error) { return d.ScheduleReminders(context.Background(), tx, now) }); n != 0 {
		t.Fatalf("Expected no new reminders on second pass, got %d", n)
	}

	got, _ := s.ListNotificationsForUser(context.Background(), "u1", 0)
	if len(got) != 2 {
		t.Fatalf("Expected 2 stored reminders, got %d", len(got))
	}
	offsets := map[int]bool{}
	for _, n := range got {
		offsets[n.ReminderOffset] = true
		if n.TaskID != task.ID || n.Type != models.NotificationReminder {
			t.Errorf("Unexpected reminder: %+v", n)
		}
		want := due.Add(-time.Duration(n.ReminderOffset) * time.Hour)
		if n.ScheduledAt == nil || !n.ScheduledAt.Equal(want) {
			t.Errorf("offset %d: expected scheduled at %v, got %v", n.ReminderOffset, want, n.ScheduledAt)
		}
	}
	if !offsets[8] || !offsets[2] {
		t.Errorf("Expected offsets 8 and 2, got %v", offsets)
	}
}

func TestScheduleReminders_Window(t *testing.T) {
	s := newTestStore(t)
	far := now.Add(48 * time.Hour)
	past := now.Add(-time.Hour)
	soon := now.Add(90 * time.Minute)
	createTask(t, s, &models.Task{Title: "far", Status: models.TaskStatusPending, DueDate: &far, AssignedTo: "u1"})
	createTask(t, s, &models.Task{Title: "past", Status: models.TaskStatusPending, DueDate: &past, AssignedTo: "u1"})
	createTask(t, s, &models.Task{Title: "done", Status: models.TaskStatusCompleted, DueDate: &soon, AssignedTo: "u1"})
	createTask(t, s, &models.Task{Title: "nobody", Status: models.TaskStatusPending, DueDate: &soon})

	d := New(DefaultConfig(), &fakeTransport{}, "NotificationAgent", nil)
	if n := inTx(t, s, func(tx *store.Tx) (int, error) { return d.ScheduleReminders(context.Background(), tx, now) }); n != 0 {
		t.Errorf("Expected no reminders, got %d", n)
	}
}

func TestSendPending(t *testing.T) {
	s := newTestStore(t)
	future := now.Add(time.Hour)
	past := now.Add(-time.Minute)

	immediate := enqueue(t, s, nil)
	due := enqueue(t, s, &past)
	later := enqueue(t, s, &future)

	tr := &fakeTransport{}
	d := New(DefaultConfig(), tr, "NotificationAgent", nil)

	stats := cycle(t, s, d)
	if stats.Sent != 2 {
		t.Fatalf("Expected 2 sent, got %+v", stats)
	}
	if len(tr.delivered) != 2 || tr.delivered[0] != immediate.ID || tr.delivered[1] != due.ID {
		t.Errorf("Expected delivery in creation order, got %v", tr.delivered)
	}

	byID := notificationsByID(t, s)
	if byID[immediate.ID].Status != models.NotificationSent || byID[immediate.ID].SentAt == nil {
		t.Errorf("Expected immediate notification sent, got %+v", byID[immediate.ID])
	}
	if byID[later.ID].Status != models.NotificationPending {
		t.Errorf("Future notification should stay pending, got %s", byID[later.ID].Status)
	}
}

func TestSendFailureIsRetriedInSameCycle(t *testing.T) {
	s := newTestStore(t)
	n := enqueue(t, s, nil)

	d := New(DefaultConfig(), &fakeTransport{fail: true}, "NotificationAgent", nil)
	stats := cycle(t, s, d)
	if stats.Failed != 2 || stats.Sent != 0 || stats.Retried != 0 {
		t.Fatalf("Expected a failed send and a failed retry, got %+v", stats)
	}

	got := notificationsByID(t, s)[n.ID]
	if got.Status != models.NotificationFailed || got.RetryCount != 2 {
		t.Errorf("Expected failed with retry_count 2, got %+v", got)
	}
	if actions := auditActions(t, s); len(actions) != 0 {
		t.Errorf("Expected no audit entries under the cap, got %v", actions)
	}
}

func TestRetryFailed_Success(t *testing.T) {
	s := newTestStore(t)
	n := enqueueFailed(t, s, 1)

	d := New(DefaultConfig(), &fakeTransport{}, "NotificationAgent", nil)
	if stats := cycle(t, s, d); stats.Retried != 1 {
		t.Fatalf("Expected 1 retried, got %+v", stats)
	}

	got := notificationsByID(t, s)[n.ID]
	if got.Status != models.NotificationSent || got.RetryCount != 1 {
		t.Errorf("Expected sent with retry_count 1, got %+v", got)
	}
	if actions := auditActions(t, s); len(actions) != 1 || actions[0] != "notification_retry_success" {
		t.Errorf("Expected retry success audit, got %v", actions)
	}
}

func TestRetryExhaustion(t *testing.T) {
	s := newTestStore(t)
	n := enqueueFailed(t, s, 0)

	d := New(DefaultConfig(), &fakeTransport{fail: true}, "NotificationAgent", nil)
	for i := 0; i < 3; i++ {
		cycle(t, s, d)
	}

	got := notificationsByID(t, s)[n.ID]
	if got.Status != models.NotificationFailed || got.RetryCount != 3 {
		t.Fatalf("Expected failed with retry_count 3, got %+v", got)
	}
	actions := auditActions(t, s)
	if len(actions) != 1 || actions[0] != "notification_permanently_failed" {
		t.Fatalf("Expected one permanent failure audit, got %v", actions)
	}

	// A fourth cycle leaves the notification alone.
	stats := cycle(t, s, d)
	if stats.Retried != 0 || stats.Failed != 0 {
		t.Errorf("Expected no transitions, got %+v", stats)
	}
	got = notificationsByID(t, s)[n.ID]
	if got.RetryCount != 3 || got.Status != models.NotificationFailed {
		t.Errorf("Terminal notification changed: %+v", got)
	}
	if len(auditActions(t, s)) != 1 {
		t.Error("Expected no further audit entries")
	}
}

func TestClaimCommitsBeforeDelivery(t *testing.T) {
	s := newTestStore(t)
	pending := enqueue(t, s, nil)
	failed := enqueueFailed(t, s, 1)

	tr := &fakeTransport{}
	d := New(DefaultConfig(), tr, "NotificationAgent", nil)

	var b *Batch
	inTx(t, s, func(tx *store.Tx) (int, error) {
		var err error
		b, err = d.Claim(context.Background(), tx, now)
		return 0, err
	})
	if b.Empty() {
		t.Fatal("Expected a non-empty batch")
	}
	if len(tr.delivered) != 0 {
		t.Fatalf("Claim must not deliver, got %v", tr.delivered)
	}

	byID := notificationsByID(t, s)
	if byID[failed.ID].Status != models.NotificationRetrying {
		t.Errorf("Expected retry candidate marked retrying, got %s", byID[failed.ID].Status)
	}
	if byID[pending.ID].Status != models.NotificationPending {
		t.Errorf("Expected pending notification untouched, got %s", byID[pending.ID].Status)
	}

	d.Send(context.Background(), b)
	if len(tr.delivered) != 2 {
		t.Fatalf("Expected 2 deliveries, got %v", tr.delivered)
	}
	if got := notificationsByID(t, s)[pending.ID]; got.Status != models.NotificationPending {
		t.Errorf("Send must not write to the store, got %s", got.Status)
	}

	var stats Stats
	inTx(t, s, func(tx *store.Tx) (int, error) {
		var err error
		stats, err = d.Record(context.Background(), tx, b, now)
		return 0, err
	})
	if stats.Sent != 1 || stats.Retried != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestClaimPicksUpInterruptedRetry(t *testing.T) {
	s := newTestStore(t)
	n := models.NewNotification(models.NotificationAlert, models.ChannelDesktop, "u2", "", "stuck")
	n.Status = models.NotificationRetrying
	n.RetryCount = 1
	inTx(t, s, func(tx *store.Tx) (int, error) { return 0, tx.EnqueueNotification(context.Background(), n) })

	d := New(DefaultConfig(), &fakeTransport{}, "NotificationAgent", nil)
	if stats := cycle(t, s, d); stats.Retried != 1 {
		t.Fatalf("Expected the interrupted retry to be delivered, got %+v", stats)
	}
	if got := notificationsByID(t, s)[n.ID]; got.Status != models.NotificationSent {
		t.Errorf("Expected sent, got %s", got.Status)
	}
}

func TestRun_Ordering(t *testing.T) {
	s := newTestStore(t)
	due := now.Add(90 * time.Minute)
	createTask(t, s, &models.Task{Title: "t", Status: models.TaskStatusInProgress, DueDate: &due, AssignedTo: "u1"})
	enqueueFailed(t, s, 0)

	d := New(DefaultConfig(), &fakeTransport{}, "NotificationAgent", nil)
	var stats Stats
	inTx(t, s, func(tx *store.Tx) (int, error) {
		var err error
		stats, err = d.Run(context.Background(), tx, now)
		return 0, err
	})

	// Due in 1.5h: the 2h reminder is scheduled 30 minutes ago and is sent
	// in the same cycle it was created.
	if stats.Scheduled != 1 || stats.Sent != 1 || stats.Retried != 1 || stats.Failed != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// cycle claims, delivers and records in two units of work, the way the
// notification agent runs.
func cycle(t *testing.T, s *store.Store, d *Dispatcher) Stats {
	t.Helper()
	var b *Batch
	inTx(t, s, func(tx *store.Tx) (int, error) {
		var err error
		b, err = d.Claim(context.Background(), tx, now)
		return 0, err
	})
	d.Send(context.Background(), b)
	var stats Stats
	inTx(t, s, func(tx *store.Tx) (int, error) {
		var err error
		stats, err = d.Record(context.Background(), tx, b, now)
		return 0, err
	})
	return stats
}

func inTx(t *testing.T, s *store.Store, fn func(tx *store.Tx) (int, error)) int {
	t.Helper()
	tx, err := s.BeginTx(context.Background())
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	n, err := fn(tx)
	if err != nil {
		tx.Rollback()
		t.Fatalf("unit of work failed: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return n
}

func createTask(t *testing.T, s *store.Store, task *models.Task) *models.Task {
	t.Helper()
	inTx(t, s, func(tx *store.Tx) (int, error) { return 0, tx.CreateTask(context.Background(), task) })
	return task
}

func enqueue(t *testing.T, s *store.Store, at *time.Time) *models.Notification {
	t.Helper()
	n := models.NewNotification(models.NotificationAlert, models.ChannelDesktop, "u1", "", "hello")
	n.ScheduledAt = at
	inTx(t, s, func(tx *store.Tx) (int, error) { return 0, tx.EnqueueNotification(context.Background(), n) })
	return n
}

func enqueueFailed(t *testing.T, s *store.Store, retries int) *models.Notification {
	t.Helper()
	n := models.NewNotification(models.NotificationAlert, models.ChannelDesktop, "u2", "", "retry me")
	n.Status = models.NotificationFailed
	n.RetryCount = retries
	inTx(t, s, func(tx *store.Tx) (int, error) { return 0, tx.EnqueueNotification(context.Background(), n) })
	return n
}

func notificationsByID(t *testing.T, s *store.Store) map[string]models.Notification {
	t.Helper()
	out := map[string]models.Notification{}
	for _, user := range []string{"u1", "u2"} {
		list, err := s.ListNotificationsForUser(context.Background(), user, 0)
		if err != nil {
			t.Fatalf("ListNotificationsForUser failed: %v", err)
		}
		for _, n := range list {
			out[n.ID] = n
		}
	}
	return out
}

func auditActions(t *testing.T, s *store.Store) []string {
	t.Helper()
	entries, err := s.ListAuditEntries(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}
