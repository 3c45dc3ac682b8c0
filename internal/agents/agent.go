// Package agents contains the periodic agents and the runner that executes
// one agent cycle as a single unit of work.
package agents

import (
	"context"
	"time"

	"github.com/fentz26/taskpilot/internal/store"
)

// Agent names. They key agent health records.
const (
	PlanningAgentName     = "PlanningAgent"
	RiskAgentName         = "RiskAgent"
	EscalationAgentName   = "EscalationAgent"
	NotificationAgentName = "NotificationAgent"
)

// Names returns every built-in agent name.
func Names() []string {
	return []string{PlanningAgentName, RiskAgentName, EscalationAgentName, NotificationAgentName}
}

// Agent is one periodic job. Run performs all reads and writes through uow
// and reports how many items it processed.
type Agent interface {
	Name() string
	Run(ctx context.Context, uow store.UnitOfWork, now time.Time) (processed int, err error)
}

// Outbound is work an agent performs with no transaction open, such as
// delivering messages. Send runs after the claiming unit of work commits.
// Record stores the outcome in a second unit of work.
type Outbound interface {
	Send(ctx context.Context)
	Record(ctx context.Context, uow store.UnitOfWork, now time.Time) (processed int, err error)
}

// Staged is implemented by agents whose cycle includes external I/O. The
// runner calls Claim instead of Run. A nil Outbound means nothing to send.
type Staged interface {
	Agent
	Claim(ctx context.Context, uow store.UnitOfWork, now time.Time) (processed int, out Outbound, err error)
}
