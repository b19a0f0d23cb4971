// Package taskgraph models a crew mission's subtasks as a dependency DAG.
//
// Edges are kept in both directions so that completing a subtask can name the
// dependents it may unblock without scanning the graph. Claims are optimistic:
// callers pass the status they last observed and the claim fails if it moved.
package taskgraph

import (
	"fmt"
	"sort"
	"sync"

	"missionline/internal/domain"
)

type Graph struct {
	mu         sync.Mutex
	missionID  string
	nodes      map[string]*domain.Subtask
	order      []string
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

func New(missionID string) *Graph {
	return &Graph{
		missionID:  missionID,
		nodes:      map[string]*domain.Subtask{},
		deps:       map[string]map[string]struct{}{},
		dependents: map[string]map[string]struct{}{},
	}
}

// FromSubtasks builds a graph from stored subtasks and their declared
// dependencies, rejecting unknown references and cycles.
func FromSubtasks(missionID string, subtasks []domain.Subtask) (*Graph, error) {
	g := New(missionID)
	for _, s := range subtasks {
		deps := s.Dependencies
		s.Dependencies = nil
		if err := g.AddTask(s); err != nil {
			return nil, err
		}
		s.Dependencies = deps
	}
	for _, s := range subtasks {
		for _, dep := range s.Dependencies {
			if err := g.AddDependency(s.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func (g *Graph) AddTask(s domain.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.ID == "" {
		return domain.ValidationError{Field: "subtask.id", Msg: "id is required"}
	}
	if _, ok := g.nodes[s.ID]; ok {
		return domain.Conflictf("", "", "subtask %s already exists", s.ID)
	}
	// Dependencies are checked before the node is stored so a rejected task
	// leaves the graph unchanged.
	for _, dep := range s.Dependencies {
		if dep == s.ID {
			return domain.ValidationError{Field: "dependency", Msg: fmt.Sprintf("subtask %s cannot depend on itself", s.ID)}
		}
		if _, ok := g.nodes[dep]; !ok {
			return domain.NotFoundError{Kind: "subtask", ID: dep}
		}
	}
	if s.Status == "" {
		s.Status = domain.SubtaskAvailable
	}
	s.MissionID = g.missionID
	node := s
	node.Dependencies = nil
	g.nodes[s.ID] = &node
	g.order = append(g.order, s.ID)
	g.deps[s.ID] = map[string]struct{}{}
	g.dependents[s.ID] = map[string]struct{}{}
	for _, dep := range s.Dependencies {
		if err := g.addDependencyLocked(s.ID, dep); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency declares that taskID cannot start until dependsOn completes.
func (g *Graph) AddDependency(taskID, dependsOn string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addDependencyLocked(taskID, dependsOn)
}

func (g *Graph) addDependencyLocked(taskID, dependsOn string) error {
	if _, ok := g.nodes[taskID]; !ok {
		return domain.NotFoundError{Kind: "subtask", ID: taskID}
	}
	if _, ok := g.nodes[dependsOn]; !ok {
		return domain.NotFoundError{Kind: "subtask", ID: dependsOn}
	}
	if taskID == dependsOn {
		return domain.ValidationError{Field: "dependency", Msg: fmt.Sprintf("subtask %s cannot depend on itself", taskID)}
	}
	if g.reachableLocked(dependsOn, taskID) {
		return domain.ValidationError{Field: "dependency", Msg: fmt.Sprintf("dependency %s -> %s would create a cycle", taskID, dependsOn)}
	}
	g.deps[taskID][dependsOn] = struct{}{}
	g.dependents[dependsOn][taskID] = struct{}{}
	return nil
}

// reachableLocked reports whether to can be reached from from by following
// declared dependencies.
func (g *Graph) reachableLocked(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for next := range g.deps[cur] {
			stack = append(stack, next)
		}
	}
	return false
}

// RemoveDependency drops the edge if present.
func (g *Graph) RemoveDependency(taskID, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.deps[taskID], dependsOn)
	delete(g.dependents[dependsOn], taskID)
}

// Validate runs a full topological sort and fails if any node is left over.
func (g *Graph) Validate() error {
	_, err := g.TopologicalOrder()
	return err
}

// TopologicalOrder returns subtask ids with every dependency before its
// dependents. Ties keep declaration order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.deps[id])
	}
	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dep := range g.sortedKeys(g.dependents[id]) {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(sorted) < len(g.nodes) {
		return nil, domain.ValidationError{Field: "task_graph", Msg: fmt.Sprintf("dependency cycle detected (%d of %d subtasks sortable)", len(sorted), len(g.nodes))}
	}
	return sorted, nil
}

func (g *Graph) sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) Get(id string) (domain.Subtask, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return domain.Subtask{}, false
	}
	return g.snapshotLocked(n), true
}

func (g *Graph) snapshotLocked(n *domain.Subtask) domain.Subtask {
	s := *n
	s.Dependencies = g.sortedKeys(g.deps[n.ID])
	s.Artifacts = append([]domain.Artifact(nil), n.Artifacts...)
	return s
}

// Subtasks returns every node in declaration order.
func (g *Graph) Subtasks() []domain.Subtask {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]domain.Subtask, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.snapshotLocked(g.nodes[id]))
	}
	return out
}

// Dependents returns the subtasks that declared id as a dependency.
func (g *Graph) Dependents(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sortedKeys(g.dependents[id])
}

// Available returns subtasks that can be claimed right now.
func (g *Graph) Available() []domain.Subtask {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Subtask
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == domain.SubtaskAvailable && g.unmetLocked(id) == "" {
			out = append(out, g.snapshotLocked(n))
		}
	}
	return out
}

// Done reports whether every subtask is completed.
func (g *Graph) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.nodes) == 0 {
		return false
	}
	for _, n := range g.nodes {
		if n.Status != domain.SubtaskCompleted {
			return false
		}
	}
	return true
}

func (g *Graph) unmetLocked(id string) string {
	for _, dep := range g.sortedKeys(g.deps[id]) {
		if g.nodes[dep].Status != domain.SubtaskCompleted {
			return dep
		}
	}
	return ""
}
