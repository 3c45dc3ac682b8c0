package deps

import (
	"reflect"
	"testing"

	"github.com/fentz26/taskpilot/internal/models"
)

func task(id string, status models.TaskStatus, deps ...string) models.Task {
	return models.Task{ID: id, Title: "task " + id, Status: status, ConfidenceScore: 80, Dependencies: deps}
}

func TestAnalyze(t *testing.T) {
	g := NewGraph([]models.Task{
		task("a", models.TaskStatusPending, "b", "c", "ghost"),
		task("b", models.TaskStatusCompleted),
		task("c", models.TaskStatusInProgress),
		task("d", models.TaskStatusPending, "a"),
	})

	a := g.Analyze("a")
	if !a.HasBlockers || a.ReadyToStart {
		t.Errorf("Expected a to be blocked, got %+v", a)
	}
	if len(a.BlockedBy) != 2 {
		t.Fatalf("Expected 2 blockers, got %+v", a.BlockedBy)
	}
	if a.BlockedBy[0].ID != "c" || a.BlockedBy[1].ID != "ghost" || a.BlockedBy[1].Status != StatusUnknown {
		t.Errorf("Unexpected blockers: %+v", a.BlockedBy)
	}
	if len(a.Blocking) != 1 || a.Blocking[0].ID != "d" {
		t.Errorf("Expected a to block d, got %+v", a.Blocking)
	}

	b := g.Analyze("b")
	if b.HasBlockers || !b.ReadyToStart {
		t.Errorf("Expected b to be ready, got %+v", b)
	}
}

func TestAnalyzeIsOneLevel(t *testing.T) {
	g := NewGraph([]models.Task{
		task("a", models.TaskStatusPending, "b"),
		task("b", models.TaskStatusCompleted, "c"),
		task("c", models.TaskStatusPending),
	})

	if a := g.Analyze("a"); a.HasBlockers {
		t.Errorf("Transitive blocker should not count, got %+v", a.BlockedBy)
	}
}

func TestSnapshotsAndCounts(t *testing.T) {
	g := NewGraph([]models.Task{
		task("a", models.TaskStatusPending, "b", "missing"),
		task("b", models.TaskStatusCompleted),
	})

	snaps := g.Snapshots("a")
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[1].Status != StatusUnknown || !snaps[1].Incomplete() {
		t.Errorf("Missing dependency should be unknown and incomplete, got %+v", snaps[1])
	}
	if n := g.IncompleteCount("a"); n != 1 {
		t.Errorf("Expected 1 incomplete dependency, got %d", n)
	}
	if n := g.DependentCount("b"); n != 1 {
		t.Errorf("Expected b to have 1 dependent, got %d", n)
	}
}

func TestReverseEdgesFromDependents(t *testing.T) {
	b := task("b", models.TaskStatusPending)
	b.Dependents = []string{"a"}
	g := NewGraph([]models.Task{task("a", models.TaskStatusPending, "b"), b})

	if got := g.Blocks("b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Expected edge once, got %v", got)
	}
}

func TestBottlenecks(t *testing.T) {
	g := NewGraph([]models.Task{
		task("x", models.TaskStatusPending),
		task("y", models.TaskStatusPending),
		task("done", models.TaskStatusCompleted),
		task("1", models.TaskStatusPending, "x", "y", "done"),
		task("2", models.TaskStatusPending, "x", "y", "done"),
		task("3", models.TaskStatusPending, "y", "done"),
	})

	got := g.Bottlenecks()
	if len(got) != 2 {
		t.Fatalf("Expected 2 bottlenecks, got %+v", got)
	}
	if got[0].TaskID != "y" || got[0].BlockingCount != 3 {
		t.Errorf("Expected y first with 3, got %+v", got[0])
	}
	if got[1].TaskID != "x" || got[1].BlockingCount != 2 {
		t.Errorf("Expected x second with 2, got %+v", got[1])
	}
}

func TestBottlenecksTiesKeepStoreOrder(t *testing.T) {
	g := NewGraph([]models.Task{
		task("p", models.TaskStatusPending),
		task("q", models.TaskStatusPending),
		task("1", models.TaskStatusPending, "q", "p"),
		task("2", models.TaskStatusPending, "q", "p"),
	})

	got := g.Bottlenecks()
	if len(got) != 2 || got[0].TaskID != "p" || got[1].TaskID != "q" {
		t.Errorf("Expected p then q, got %+v", got)
	}
}

func TestCycles(t *testing.T) {
	g := NewGraph([]models.Task{
		task("a", models.TaskStatusPending, "b"),
		task("b", models.TaskStatusPending, "c"),
		task("c", models.TaskStatusPending, "a"),
		task("d", models.TaskStatusPending, "d"),
		task("e", models.TaskStatusPending, "a"),
	})

	got := g.Cycles()
	want := [][]string{{"a", "b", "c"}, {"d"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Cycles() = %v, want %v", got, want)
	}

	// Analysis must still terminate on a cyclic graph.
	if a := g.Analyze("a"); len(a.BlockedBy) != 1 {
		t.Errorf("Unexpected analysis on cycle: %+v", a)
	}
}

func TestWouldCycle(t *testing.T) {
	g := NewGraph([]models.Task{
		task("a", models.TaskStatusPending, "b"),
		task("b", models.TaskStatusPending, "c"),
		task("c", models.TaskStatusPending),
	})

	if !g.WouldCycle("c", "a") {
		t.Error("c depends on a should close a cycle")
	}
	if g.WouldCycle("a", "c") {
		t.Error("a depends on c should not close a cycle")
	}
	if !g.WouldCycle("a", "a") {
		t.Error("self dependency should close a cycle")
	}
}
