// Package audit records and summarizes the append-only audit trail.
package audit

import (
	"context"
	"fmt"

	"github.com/fentz26/taskpilot/internal/models"
)

// Audit actions written by taskpilot.
const (
	ActionPriorityIncreased     = "priority_increased"
	ActionHighRiskDetected      = "high_risk_detected"
	ActionTaskEscalated         = "task_escalated"
	ActionRetrySuccess          = "notification_retry_success"
	ActionPermanentlyFailed     = "notification_permanently_failed"
	ActionTaskCreated           = "task_created"
	ActionTaskStatusChanged     = "task_status_changed"
	ActionDependencyAdded       = "dependency_added"
	ActionUserCreated           = "user_created"
	ActionNotificationBroadcast = "notification_broadcast"
)

// Appender is the part of a unit of work the recorder writes through.
type Appender interface {
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// Recorder writes audit entries attributed to one agent or user.
type Recorder struct {
	agent  string
	userID string
}

// ForAgent returns a recorder that attributes entries to the named agent.
func ForAgent(name string) *Recorder {
	return &Recorder{agent: name}
}

// ForUser returns a recorder that attributes entries to a user.
func ForUser(userID string) *Recorder {
	return &Recorder{userID: userID}
}

// Record appends one entry through w.
func (r *Recorder) Record(ctx context.Context, w Appender, action, entityType, entityID, details string) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Agent:      r.agent,
		UserID:     r.userID,
	}
	if err := w.AppendAuditEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit %s: %w", action, err)
	}
	return entry, nil
}
