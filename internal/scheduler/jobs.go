package scheduler

import "github.com/fentz26/taskpilot/internal/agents"

// DefaultJobs returns the four standard agent jobs. Escalation is the only
// job that waits for its first interval instead of running at startup.
func DefaultJobs(cfg *Config, planning, risk, escalation, notification agents.Agent) []JobSpec {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return []JobSpec{
		{Key: KeyPlanning, ID: "planning_agent", Name: "Task Planning Agent", Interval: cfg.IntervalFor(KeyPlanning), RunAtStartup: true, Agent: planning},
		{Key: KeyRisk, ID: "risk_agent", Name: "Risk Assessment Agent", Interval: cfg.IntervalFor(KeyRisk), RunAtStartup: true, Agent: risk},
		{Key: KeyEscalation, ID: "escalation_agent", Name: "Escalation Agent", Interval: cfg.IntervalFor(KeyEscalation), Agent: escalation},
		{Key: KeyNotification, ID: "notification_agent", Name: "Notification Agent", Interval: cfg.IntervalFor(KeyNotification), RunAtStartup: true, Agent: notification},
	}
}

// RegisterAll registers every spec, stopping at the first error.
func (s *Scheduler) RegisterAll(specs []JobSpec) error {
	for _, spec := range specs {
		if err := s.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
