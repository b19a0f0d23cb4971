package taskgraph

import (
	"fmt"

	"missionline/internal/domain"
)

func (g *Graph) nodeLocked(id string) (*domain.Subtask, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, domain.NotFoundError{Kind: "subtask", ID: id}
	}
	return n, nil
}

// Claim assigns id to agentID if its status still equals expected, it is
// available, and all of its dependencies are completed.
func (g *Graph) Claim(id, agentID string, expected domain.SubtaskStatus) (domain.Subtask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return domain.Subtask{}, err
	}
	if n.Status != expected {
		return domain.Subtask{}, domain.Conflictf(string(expected), string(n.Status), "subtask %s status changed: expected %s, found %s", id, expected, n.Status)
	}
	if n.Status != domain.SubtaskAvailable {
		return domain.Subtask{}, domain.Conflictf(string(domain.SubtaskAvailable), string(n.Status), "subtask %s is %s, cannot claim", id, n.Status)
	}
	if dep := g.unmetLocked(id); dep != "" {
		return domain.Subtask{}, domain.Conflictf(string(domain.SubtaskCompleted), string(g.nodes[dep].Status), "subtask %s dependency %s not satisfied (status %s)", id, dep, g.nodes[dep].Status)
	}
	n.Status = domain.SubtaskClaimed
	n.AssignedAgent = agentID
	return g.snapshotLocked(n), nil
}

// Start moves a claimed subtask to in_progress.
func (g *Graph) Start(id, agentID string) (domain.Subtask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return domain.Subtask{}, err
	}
	if n.AssignedAgent != agentID {
		return domain.Subtask{}, domain.AuthorizationError{ActorID: agentID, Role: "assigned agent", Subject: "subtask " + id}
	}
	if n.Status != domain.SubtaskClaimed {
		return domain.Subtask{}, domain.Conflictf(string(domain.SubtaskClaimed), string(n.Status), "subtask %s is %s, cannot start", id, n.Status)
	}
	n.Status = domain.SubtaskInProgress
	return g.snapshotLocked(n), nil
}

// Complete marks id completed by its assigned agent and returns the dependents
// that became claimable as a result.
func (g *Graph) Complete(id, agentID string, artifacts []domain.Artifact) (domain.Subtask, []string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return domain.Subtask{}, nil, err
	}
	if n.AssignedAgent == "" || n.AssignedAgent != agentID {
		return domain.Subtask{}, nil, domain.AuthorizationError{ActorID: agentID, Role: "assigned agent", Subject: "subtask " + id}
	}
	if n.Status != domain.SubtaskClaimed && n.Status != domain.SubtaskInProgress {
		return domain.Subtask{}, nil, domain.Conflictf(string(domain.SubtaskInProgress), string(n.Status), "subtask %s is %s, cannot complete", id, n.Status)
	}
	n.Status = domain.SubtaskCompleted
	n.Artifacts = append(n.Artifacts, artifacts...)
	var unblocked []string
	for _, dep := range g.sortedKeys(g.dependents[id]) {
		if g.nodes[dep].Status == domain.SubtaskAvailable && g.unmetLocked(dep) == "" {
			unblocked = append(unblocked, dep)
		}
	}
	return g.snapshotLocked(n), unblocked, nil
}

// Block forces id into blocked until Resolve is called.
func (g *Graph) Block(id string) (domain.Subtask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return domain.Subtask{}, err
	}
	switch n.Status {
	case domain.SubtaskCompleted, domain.SubtaskFailed:
		return domain.Subtask{}, domain.Conflictf("", string(n.Status), "subtask %s is %s, cannot block", id, n.Status)
	}
	n.Status = domain.SubtaskBlocked
	return g.snapshotLocked(n), nil
}

// Resolve clears a block: back to claimed if someone holds it, else available.
func (g *Graph) Resolve(id string) (domain.Subtask, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, err := g.nodeLocked(id)
	if err != nil {
		return domain.Subtask{}, err
	}
	if n.Status != domain.SubtaskBlocked {
		return domain.Subtask{}, domain.Conflictf(string(domain.SubtaskBlocked), string(n.Status), "subtask %s is %s, not blocked", id, n.Status)
	}
	if n.AssignedAgent != "" {
		n.Status = domain.SubtaskClaimed
	} else {
		n.Status = domain.SubtaskAvailable
	}
	return g.snapshotLocked(n), nil
}

// Release returns every unfinished subtask held by agentID to available.
func (g *Graph) Release(agentID string) []domain.Subtask {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.Subtask
	for _, id := range g.order {
		n := g.nodes[id]
		if n.AssignedAgent != agentID || n.Status == domain.SubtaskCompleted {
			continue
		}
		n.AssignedAgent = ""
		if n.Status != domain.SubtaskBlocked {
			n.Status = domain.SubtaskAvailable
		}
		out = append(out, g.snapshotLocked(n))
	}
	return out
}

// CompletedBy counts completed subtasks per agent.
func (g *Graph) CompletedBy() map[string][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string][]string{}
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == domain.SubtaskCompleted && n.AssignedAgent != "" {
			out[n.AssignedAgent] = append(out[n.AssignedAgent], id)
		}
	}
	return out
}

// String renders a short summary used in logs.
func (g *Graph) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	done := 0
	for _, n := range g.nodes {
		if n.Status == domain.SubtaskCompleted {
			done++
		}
	}
	return fmt.Sprintf("taskgraph(%s %d/%d completed)", g.missionID, done, len(g.nodes))
}
