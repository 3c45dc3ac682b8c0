package audit

import "github.com/fentz26/taskpilot/internal/models"

// Summary aggregates audit entries over a period.
type Summary struct {
	TotalActions int            `json:"total_actions"`
	ByAction     map[string]int `json:"by_action"`
	ByEntity     map[string]int `json:"by_entity"`
	AgentActions int            `json:"agent_actions"`
	PeriodDays   int            `json:"period_days"`
}

// Summarize counts entries by action and entity type. Entries must already
// be restricted to the period.
func Summarize(entries []models.AuditEntry, periodDays int) Summary {
	s := Summary{
		TotalActions: len(entries),
		ByAction:     make(map[string]int),
		ByEntity:     make(map[string]int),
		PeriodDays:   periodDays,
	}
	for _, e := range entries {
		s.ByAction[e.Action]++
		s.ByEntity[e.EntityType]++
		if e.Agent != "" {
			s.AgentActions++
		}
	}
	return s
}
