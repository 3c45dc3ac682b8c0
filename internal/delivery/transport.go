// Package delivery defines how notifications leave taskpilot.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

// Transport delivers a single notification. Any error is treated as a
// transient delivery failure by the caller.
type Transport interface {
	// Name returns the transport identifier.
	Name() string

	// Deliver pushes the notification to its recipient.
	Deliver(ctx context.Context, n *models.Notification) error
}

// LogTransport writes notifications to a structured log. It never fails.
type LogTransport struct {
	logger *slog.Logger
}

// NewLogTransport creates a LogTransport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

// Name returns the transport identifier.
func (l *LogTransport) Name() string {
	return "log"
}

// Deliver logs the notification.
func (l *LogTransport) Deliver(_ context.Context, n *models.Notification) error {
	l.logger.Info("notification delivered",
		"notification_id", n.ID,
		"type", n.Type,
		"channel", n.Channel,
		"user_id", n.UserID,
		"task_id", n.TaskID,
		"message", n.Message,
	)
	return nil
}

// Multi delivers through every transport in order. Delivery fails if any
// transport fails; the remaining transports are still attempted.
type Multi []Transport

// Name returns the transport identifier.
func (m Multi) Name() string {
	return "multi"
}

// Deliver sends n through each transport.
func (m Multi) Deliver(ctx context.Context, n *models.Notification) error {
	if len(m) == 0 {
		return errors.New("no transports configured")
	}
	var errs []error
	for _, t := range m {
		if err := t.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 30 * time.Second

// Timeout bounds every delivery through Transport. A Transport that ignores
// its context still runs to completion; the attempt is only reported as
// failed once it returns.
type Timeout struct {
	Transport Transport
	After     time.Duration
}

// WithTimeout wraps t so each attempt is cancelled after d. A non-positive d
// returns t unchanged.
func WithTimeout(t Transport, d time.Duration) Transport {
	if d <= 0 {
		return t
	}
	return Timeout{Transport: t, After: d}
}

// Name returns the wrapped transport's identifier.
func (t Timeout) Name() string {
	return t.Transport.Name()
}

// Deliver sends n with a deadline of t.After.
func (t Timeout) Deliver(ctx context.Context, n *models.Notification) error {
	ctx, cancel := context.WithTimeout(ctx, t.After)
	defer cancel()
	if err := t.Transport.Deliver(ctx, n); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("delivery timed out after %s: %w", t.After, err)
		}
		return err
	}
	return nil
}
