package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/fentz26/taskpilot/internal/models"
)

type memAppender struct {
	entries []models.AuditEntry
	err     error
}

func (m *memAppender) AppendAuditEntry(_ context.Context, e *models.AuditEntry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

func TestRecorderAttribution(t *testing.T) {
	w := &memAppender{}
	ctx := context.Background()

	if _, err := ForAgent("RiskAgent").Record(ctx, w, ActionHighRiskDetected, models.EntityTask, "t1", "dropped"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if _, err := ForUser("u1").Record(ctx, w, ActionTaskCreated, models.EntityTask, "t2", ""); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if w.entries[0].Agent != "RiskAgent" || w.entries[0].UserID != "" {
		t.Errorf("Expected agent attribution, got %+v", w.entries[0])
	}
	if w.entries[1].Agent != "" || w.entries[1].UserID != "u1" {
		t.Errorf("Expected user attribution, got %+v", w.entries[1])
	}
}

func TestRecorderWrapsError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ForAgent("x").Record(context.Background(), &memAppender{err: boom}, ActionTaskEscalated, models.EntityTask, "t", "")
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped error, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	entries := []models.AuditEntry{
		{Action: ActionTaskEscalated, EntityType: models.EntityTask, Agent: "EscalationAgent"},
		{Action: ActionTaskEscalated, EntityType: models.EntityTask, Agent: "EscalationAgent"},
		{Action: ActionRetrySuccess, EntityType: models.EntityNotification, Agent: "NotificationAgent"},
		{Action: ActionTaskCreated, EntityType: models.EntityTask, UserID: "u1"},
	}

	s := Summarize(entries, 7)
	if s.TotalActions != 4 {
		t.Errorf("Expected 4 total, got %d", s.TotalActions)
	}
	if s.ByAction[ActionTaskEscalated] != 2 {
		t.Errorf("Expected 2 escalations, got %d", s.ByAction[ActionTaskEscalated])
	}
	if s.ByEntity[models.EntityTask] != 3 || s.ByEntity[models.EntityNotification] != 1 {
		t.Errorf("Unexpected by_entity: %v", s.ByEntity)
	}
	if s.AgentActions != 3 {
		t.Errorf("Expected 3 agent actions, got %d", s.AgentActions)
	}
	if s.PeriodDays != 7 {
		t.Errorf("Expected period 7, got %d", s.PeriodDays)
	}
}
