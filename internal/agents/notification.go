package agents

import (
	"context"
	"log/slog"
	"time"

	"github.com/fentz26/taskpilot/internal/delivery"
	"github.com/fentz26/taskpilot/internal/notify"
	"github.com/fentz26/taskpilot/internal/store"
)

// NotificationAgent runs one dispatcher cycle.
type NotificationAgent struct {
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

var _ Staged = (*NotificationAgent)(nil)

// NewNotificationAgent creates a NotificationAgent delivering through transport.
func NewNotificationAgent(cfg notify.Config, transport delivery.Transport, logger *slog.Logger) *NotificationAgent {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", NotificationAgentName)
	return &NotificationAgent{
		dispatcher: notify.New(cfg, transport, NotificationAgentName, logger),
		logger:     logger,
	}
}

// Name returns the agent name.
func (n *NotificationAgent) Name() string {
	return NotificationAgentName
}

// Run schedules, sends and retries inside uow. Processed counts sent plus
// retried. The runner uses Claim so delivery happens outside the transaction.
func (n *NotificationAgent) Run(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
	stats, err := n.dispatcher.Run(ctx, uow, now)
	if err != nil {
		return 0, err
	}
	n.logStats(stats)
	return stats.Sent + stats.Retried, nil
}

// Claim schedules reminders and claims due notifications. Delivery is left
// to the returned Outbound.
func (n *NotificationAgent) Claim(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, Outbound, error) {
	b, err := n.dispatcher.Claim(ctx, uow, now)
	if err != nil {
		return 0, nil, err
	}
	if b.Empty() {
		n.logStats(notify.Stats{Scheduled: b.Scheduled})
		return 0, nil, nil
	}
	return 0, &notificationBatch{agent: n, batch: b}, nil
}

func (n *NotificationAgent) logStats(stats notify.Stats) {
	n.logger.Debug("notifications processed",
		"scheduled", stats.Scheduled, "sent", stats.Sent, "retried", stats.Retried, "failed", stats.Failed)
}

type notificationBatch struct {
	agent *NotificationAgent
	batch *notify.Batch
}

func (b *notificationBatch) Send(ctx context.Context) {
	b.agent.dispatcher.Send(ctx, b.batch)
}

func (b *notificationBatch) Record(ctx context.Context, uow store.UnitOfWork, now time.Time) (int, error) {
	stats, err := b.agent.dispatcher.Record(ctx, uow, b.batch, now)
	if err != nil {
		return 0, err
	}
	b.agent.logStats(stats)
	return stats.Sent + stats.Retried, nil
}
