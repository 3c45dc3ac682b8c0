package deps

import "github.com/fentz26/taskpilot/internal/models"

// TaskRef identifies a related task in an analysis.
type TaskRef struct {
	ID     string            `json:"id"`
	Title  string            `json:"title,omitempty"`
	Status models.TaskStatus `json:"status,omitempty"`
}

// Analysis describes the immediate blocking relationships of one task.
type Analysis struct {
	HasBlockers  bool      `json:"has_blockers"`
	BlockedBy    []TaskRef `json:"blocked_by"`
	Blocking     []TaskRef `json:"blocking"`
	ReadyToStart bool      `json:"ready_to_start"`
}

// Analyze inspects one level of edges around id. It is not transitive.
func (g *Graph) Analyze(id string) Analysis {
	a := Analysis{
		BlockedBy: []TaskRef{},
		Blocking:  []TaskRef{},
	}

	for _, depID := range g.forward[id] {
		dep, ok := g.tasks[depID]
		if !ok {
			a.BlockedBy = append(a.BlockedBy, TaskRef{ID: depID, Status: StatusUnknown})
			continue
		}
		if !dep.IsCompleted() {
			a.BlockedBy = append(a.BlockedBy, TaskRef{ID: dep.ID, Title: dep.Title, Status: dep.Status})
		}
	}

	for _, blockedID := range g.reverse[id] {
		ref := TaskRef{ID: blockedID}
		if blocked, ok := g.tasks[blockedID]; ok {
			ref.Title = blocked.Title
			ref.Status = blocked.Status
		}
		a.Blocking = append(a.Blocking, ref)
	}

	a.HasBlockers = len(a.BlockedBy) > 0
	a.ReadyToStart = !a.HasBlockers
	return a
}
