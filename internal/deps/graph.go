// Package deps analyzes the dependency edges between tasks.
//
// Edges are informational: nothing here blocks execution. The graph is
// treated as directed and possibly cyclic.
package deps

import (
	"sort"
	"strings"

	"github.com/fentz26/taskpilot/internal/models"
	"github.com/fentz26/taskpilot/internal/scoring"
)

// StatusUnknown is reported for a dependency that is not in the graph.
const StatusUnknown models.TaskStatus = "unknown"

// Graph is a snapshot of tasks with forward (depends on) and reverse
// (blocks) adjacency, both in store order.
type Graph struct {
	order   []string
	tasks   map[string]*models.Task
	forward map[string][]string
	reverse map[string][]string
}

// NewGraph builds a graph from a task snapshot.
func NewGraph(tasks []models.Task) *Graph {
	g := &Graph{
		tasks:   make(map[string]*models.Task, len(tasks)),
		forward: make(map[string][]string, len(tasks)),
		reverse: make(map[string][]string, len(tasks)),
	}
	for i := range tasks {
		t := &tasks[i]
		if _, dup := g.tasks[t.ID]; dup {
			continue
		}
		g.order = append(g.order, t.ID)
		g.tasks[t.ID] = t
	}
	for _, id := range g.order {
		for _, dep := range g.tasks[id].Dependencies {
			g.addEdge(id, dep)
		}
	}
	for _, id := range g.order {
		for _, dependent := range g.tasks[id].Dependents {
			g.addEdge(dependent, id)
		}
	}
	return g
}

func (g *Graph) addEdge(from, to string) {
	if contains(g.forward[from], to) {
		return
	}
	g.forward[from] = append(g.forward[from], to)
	g.reverse[to] = append(g.reverse[to], from)
}

// Task returns the task with id, if present.
func (g *Graph) Task(id string) (*models.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// DependsOn returns the ids id depends on.
func (g *Graph) DependsOn(id string) []string {
	return g.forward[id]
}

// Blocks returns the ids that depend on id.
func (g *Graph) Blocks(id string) []string {
	return g.reverse[id]
}

// DependentCount is the number of tasks that depend on id.
func (g *Graph) DependentCount(id string) int {
	return len(g.reverse[id])
}

// Snapshots resolves the dependencies of id for confidence scoring. A
// dependency missing from the graph counts as incomplete with status unknown.
func (g *Graph) Snapshots(id string) []scoring.DependencySnapshot {
	deps := g.forward[id]
	if len(deps) == 0 {
		return nil
	}
	out := make([]scoring.DependencySnapshot, 0, len(deps))
	for _, depID := range deps {
		d, ok := g.tasks[depID]
		if !ok {
			out = append(out, scoring.DependencySnapshot{
				ID:              depID,
				Status:          StatusUnknown,
				ConfidenceScore: models.DefaultConfidenceScore,
			})
			continue
		}
		out = append(out, scoring.DependencySnapshot{
			ID:              d.ID,
			Status:          d.Status,
			ConfidenceScore: d.ConfidenceScore,
		})
	}
	return out
}

// IncompleteCount returns how many dependencies of id are not completed.
func (g *Graph) IncompleteCount(id string) int {
	n := 0
	for _, s := range g.Snapshots(id) {
		if s.Incomplete() {
			n++
		}
	}
	return n
}

// Reachable reports whether to can be reached from from by following
// depends-on edges.
func (g *Graph) Reachable(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.forward[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// WouldCycle reports whether adding "taskID depends on dependencyID" closes a cycle.
func (g *Graph) WouldCycle(taskID, dependencyID string) bool {
	return g.Reachable(dependencyID, taskID)
}

// Cycles returns every dependency cycle, each once, rotated so its smallest
// id comes first.
func (g *Graph) Cycles() [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.order))
	seen := make(map[string]bool)
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		color[id] = grey
		stack = append(stack, id)
		for _, next := range g.forward[id] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				start := indexOf(stack, next)
				cycle := normalize(stack[start:])
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range g.order {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// Bottleneck is a non-completed task that blocks two or more others.
type Bottleneck struct {
	TaskID          string            `json:"task_id"`
	Title           string            `json:"title"`
	BlockingCount   int               `json:"blocking_count"`
	ConfidenceScore float64           `json:"confidence_score"`
	Status          models.TaskStatus `json:"status"`
}

// Bottlenecks lists non-completed tasks blocking at least two others, by
// descending blocking count. Ties keep store order.
func (g *Graph) Bottlenecks() []Bottleneck {
	var out []Bottleneck
	for _, id := range g.order {
		t := g.tasks[id]
		if t.IsCompleted() {
			continue
		}
		if n := len(g.reverse[id]); n >= 2 {
			out = append(out, Bottleneck{
				TaskID:          id,
				Title:           t.Title,
				BlockingCount:   n,
				ConfidenceScore: t.ConfidenceScore,
				Status:          t.Status,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BlockingCount > out[j].BlockingCount
	})
	return out
}

func contains(ids []string, id string) bool {
	return indexOf(ids, id) >= 0
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func normalize(cycle []string) []string {
	lo := 0
	for i, id := range cycle {
		if id < cycle[lo] {
			lo = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[lo:]...)
	out = append(out, cycle[:lo]...)
	return out
}
