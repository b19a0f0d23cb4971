package taskgraph

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"missionline/internal/domain"
)

func newGraph(t *testing.T) *Graph {
	t.Helper()
	g, err := FromSubtasks("m1", []domain.Subtask{
		{ID: "a", Title: "design"},
		{ID: "b", Title: "build", Dependencies: []string{"a"}},
		{ID: "c", Title: "test", Dependencies: []string{"b"}},
		{ID: "d", Title: "docs", Dependencies: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g
}

func TestCycleRejectedBeforeCommit(t *testing.T) {
	g := newGraph(t)
	err := g.AddDependency("a", "c")
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("graph should still be valid: %v", err)
	}
	if deps := g.Dependents("c"); len(deps) != 0 {
		t.Fatalf("rejected edge leaked into reverse index: %v", deps)
	}
	if err := g.AddDependency("a", "a"); err == nil {
		t.Fatalf("expected self dependency rejection")
	}
}

func TestRemoveDependencyAllowsReversedEdge(t *testing.T) {
	g := newGraph(t)
	g.RemoveDependency("b", "a")
	if deps := g.Dependents("a"); !cmp.Equal(deps, []string{"d"}) {
		t.Fatalf("unexpected dependents of a: %v", deps)
	}
	if err := g.AddDependency("a", "c"); err != nil {
		t.Fatalf("edge should be allowed once b no longer needs a: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("graph invalid: %v", err)
	}
}

func TestFromSubtasksRejectsCycle(t *testing.T) {
	_, err := FromSubtasks("m1", []domain.Subtask{
		{ID: "x", Dependencies: []string{"y"}},
		{ID: "y", Dependencies: []string{"x"}},
	})
	if err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := newGraph(t)
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "d", "c"}, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestDependencyGatedClaim(t *testing.T) {
	g := newGraph(t)
	_, err := g.Claim("b", "agent-2", domain.SubtaskAvailable)
	var ce domain.StateConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected dependency conflict, got %v", err)
	}
	if _, err := g.Claim("a", "agent-1", domain.SubtaskAvailable); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, _, err := g.Complete("a", "agent-2", nil); err == nil {
		t.Fatalf("only the assigned agent may complete")
	}
	_, unblocked, err := g.Complete("a", "agent-1", []domain.Artifact{{Name: "spec.md"}})
	if err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "d"}, unblocked); diff != "" {
		t.Fatalf("unblocked mismatch (-want +got):\n%s", diff)
	}
	if _, err := g.Claim("b", "agent-2", domain.SubtaskAvailable); err != nil {
		t.Fatalf("claim b after a completed: %v", err)
	}
	avail := g.Available()
	if len(avail) != 1 || avail[0].ID != "d" {
		t.Fatalf("expected only d available, got %+v", avail)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	for round := 0; round < 20; round++ {
		g := newGraph(t)
		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := g.Claim("a", "agent", domain.SubtaskAvailable)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)
		wins, conflicts := 0, 0
		for err := range results {
			var ce domain.StateConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &ce):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 || conflicts != 7 {
			t.Fatalf("round %d: wins=%d conflicts=%d", round, wins, conflicts)
		}
	}
}

func TestBlockAndResolve(t *testing.T) {
	g := newGraph(t)
	if _, err := g.Claim("a", "agent-1", domain.SubtaskAvailable); err != nil {
		t.Fatal(err)
	}
	if s, err := g.Block("a"); err != nil || s.Status != domain.SubtaskBlocked {
		t.Fatalf("block: %v %+v", err, s)
	}
	if _, _, err := g.Complete("a", "agent-1", nil); err == nil {
		t.Fatalf("blocked subtask must not complete")
	}
	s, err := g.Resolve("a")
	if err != nil || s.Status != domain.SubtaskClaimed {
		t.Fatalf("resolve assigned: %v %+v", err, s)
	}
	if _, err := g.Block("d"); err != nil {
		t.Fatal(err)
	}
	s, err = g.Resolve("d")
	if err != nil || s.Status != domain.SubtaskAvailable {
		t.Fatalf("resolve unassigned: %v %+v", err, s)
	}
}

func TestReleaseReturnsWork(t *testing.T) {
	g := newGraph(t)
	if _, err := g.Claim("a", "agent-1", domain.SubtaskAvailable); err != nil {
		t.Fatal(err)
	}
	released := g.Release("agent-1")
	if len(released) != 1 || released[0].Status != domain.SubtaskAvailable || released[0].AssignedAgent != "" {
		t.Fatalf("unexpected release: %+v", released)
	}
}

func TestAddTaskWithBadDependencyLeavesGraphUnchanged(t *testing.T) {
	g := newGraph(t)
	before := g.Subtasks()

	var nf domain.NotFoundError
	if err := g.AddTask(domain.Subtask{ID: "e", Title: "release", Dependencies: []string{"c", "missing"}}); !errors.As(err, &nf) {
		t.Fatalf("expected unknown dependency to be rejected, got %v", err)
	}
	var ve domain.ValidationError
	if err := g.AddTask(domain.Subtask{ID: "f", Title: "loop", Dependencies: []string{"f"}}); !errors.As(err, &ve) {
		t.Fatalf("expected self dependency to be rejected, got %v", err)
	}
	if diff := cmp.Diff(before, g.Subtasks()); diff != "" {
		t.Fatalf("rejected tasks leaked into graph (-want +got):\n%s", diff)
	}
	if deps := g.Dependents("c"); len(deps) != 0 {
		t.Fatalf("rejected task left a reverse edge on c: %v", deps)
	}
	if _, ok := g.Get("e"); ok {
		t.Fatalf("rejected task e must not exist")
	}
	if err := g.AddTask(domain.Subtask{ID: "e", Title: "release", Dependencies: []string{"c"}}); err != nil {
		t.Fatalf("retry with valid deps: %v", err)
	}
	if deps := g.Dependents("c"); !cmp.Equal(deps, []string{"e"}) {
		t.Fatalf("unexpected dependents of c: %v", deps)
	}
}
