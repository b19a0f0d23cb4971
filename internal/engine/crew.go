package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/taskgraph"
)

func (e Engine) loadGraph(ctx context.Context, r repo.Repo, missionID string) (*taskgraph.Graph, error) {
	subs, err := r.ListSubtasks(ctx, missionID)
	if err != nil {
		return nil, err
	}
	return taskgraph.FromSubtasks(missionID, subs)
}

type CrewInitOptions struct {
	MissionID  string
	ActorID    string
	Subtasks   []domain.Subtask
	Members    []string
	MaxMembers int
	Lead       string
}

// InitializeCrew stores the subtask graph of a posted crew mission, adds the
// initial members and moves the mission to assigned. Cyclic or dangling
// dependencies are rejected before anything is written.
func (e Engine) InitializeCrew(ctx context.Context, opts CrewInitOptions) (domain.Mission, error) {
	if len(opts.Subtasks) == 0 {
		return domain.Mission{}, domain.ValidationError{Field: "subtasks", Msg: "at least one subtask is required"}
	}
	if opts.MaxMembers > 0 && len(opts.Members) > opts.MaxMembers {
		return domain.Mission{}, domain.ValidationError{Field: "members", Msg: fmt.Sprintf("%d members exceed max_members %d", len(opts.Members), opts.MaxMembers)}
	}
	for i := range opts.Subtasks {
		opts.Subtasks[i].MissionID = opts.MissionID
		opts.Subtasks[i].Status = domain.SubtaskAvailable
		opts.Subtasks[i].AssignedAgent = ""
	}
	g, err := taskgraph.FromSubtasks(opts.MissionID, opts.Subtasks)
	if err != nil {
		return domain.Mission{}, err
	}
	if err := g.Validate(); err != nil {
		return domain.Mission{}, err
	}
	var m domain.Mission
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, opts.MissionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, opts.ActorID); err != nil {
			return err
		}
		if err := requireStatus(m, "initialize crew", domain.StatusPosted); err != nil {
			return err
		}
		if m.Mode != domain.ModeCrew {
			return domain.Conflictf(string(domain.ModeCrew), string(m.Mode), "mission %s is not a crew mission", m.ID)
		}
		if err := r.InsertSubtasks(ctx, m.ID, g.Subtasks()); err != nil {
			return err
		}
		m.CrewConfig = &domain.CrewConfig{MaxMembers: opts.MaxMembers, Lead: opts.Lead}
		now := e.stamp()
		for _, id := range opts.Members {
			if err := e.checkCrewCandidate(ctx, r, m, id); err != nil {
				return err
			}
			role := "member"
			if id == opts.Lead {
				role = "lead"
			}
			m.CrewAssignments = append(m.CrewAssignments, domain.CrewAssignment{AgentID: id, Role: role, AddedAt: now})
		}
		m, err = e.transition(ctx, tx, r, m, domain.StatusAssigned, opts.ActorID, nil)
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.CrewInitialized, m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
			"subtasks": len(opts.Subtasks), "members": opts.Members,
		}); err != nil {
			return err
		}
		for _, id := range opts.Members {
			if err := e.tracker(r).RecordWin(ctx, id, m.ID); err != nil {
				return err
			}
			if err := e.lockWorkerStake(ctx, r, m.ID, id); err != nil {
				return err
			}
			if err := e.notify(ctx, r, id, "crew.joined", m, 10, nil); err != nil {
				return err
			}
		}
		return nil
	})
	return m, err
}

func (e Engine) checkCrewCandidate(ctx context.Context, r repo.Repo, m domain.Mission, agentID string) error {
	if agentID == m.RequesterID {
		return domain.ValidationError{Field: "agent_id", Msg: "requester cannot join their own crew"}
	}
	if isCrewMember(m, agentID) {
		return domain.Conflictf("", "", "agent %s is already in the crew of mission %s", agentID, m.ID)
	}
	a, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !a.Active {
		return domain.Conflictf("active", "inactive", "agent %s is not active", agentID)
	}
	if m.CrewConfig != nil && m.CrewConfig.MaxMembers > 0 && len(m.CrewAssignments) >= m.CrewConfig.MaxMembers {
		return domain.Conflictf("", "", "crew of mission %s is full (%d members)", m.ID, m.CrewConfig.MaxMembers)
	}
	return nil
}

func (e Engine) crewMission(ctx context.Context, r repo.Repo, missionID string) (domain.Mission, error) {
	m, err := r.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	if m.Mode != domain.ModeCrew {
		return m, domain.Conflictf(string(domain.ModeCrew), string(m.Mode), "mission %s is not a crew mission", m.ID)
	}
	return m, requireStatus(m, "change crew work", domain.StatusAssigned, domain.StatusExecuting)
}

func (e Engine) AddCrewMember(ctx context.Context, missionID, agentID, role, actorID string) (domain.Mission, error) {
	if role == "" {
		role = "member"
	}
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		if err := e.checkCrewCandidate(ctx, r, m, agentID); err != nil {
			return err
		}
		m.CrewAssignments = append(m.CrewAssignments, domain.CrewAssignment{AgentID: agentID, Role: role, AddedAt: e.stamp()})
		m, err = e.save(ctx, r, m)
		if err != nil {
			return err
		}
		if err := e.tracker(r).RecordWin(ctx, agentID, m.ID); err != nil {
			return err
		}
		if err := e.lockWorkerStake(ctx, r, m.ID, agentID); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.CrewMemberAdded, m.ID, "agent", agentID, actorID, events.EventPayload{"role": role}); err != nil {
			return err
		}
		return e.notify(ctx, r, agentID, "crew.joined", m, 10, map[string]any{"role": role})
	})
	return m, err
}

// RemoveCrewMember drops an agent from the crew and returns its stake.
// Subtasks it holds but has not completed go back to available; completed
// work stays credited. Removing the last member is allowed: a crew mission
// left without workers can still be failed and refunded.
func (e Engine) RemoveCrewMember(ctx context.Context, missionID, agentID, actorID string) (domain.Mission, error) {
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		idx := -1
		for i, c := range m.CrewAssignments {
			if c.AgentID == agentID {
				idx = i
			}
		}
		if idx < 0 {
			return domain.NotFoundError{Kind: "crew member", ID: agentID}
		}
		g, err := e.loadGraph(ctx, r, m.ID)
		if err != nil {
			return err
		}
		before := map[string]domain.SubtaskStatus{}
		for _, s := range g.Subtasks() {
			before[s.ID] = s.Status
		}
		released := g.Release(agentID)
		for _, s := range released {
			if err := r.UpdateSubtask(ctx, s, before[s.ID]); err != nil {
				return err
			}
		}
		m.CrewAssignments = append(m.CrewAssignments[:idx:idx], m.CrewAssignments[idx+1:]...)
		m, err = e.save(ctx, r, m)
		if err != nil {
			return err
		}
		refunded, err := e.bondManager(r).Release(ctx, agentID, m.ID)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.CrewMemberRemoved, m.ID, "agent", agentID, actorID, events.EventPayload{
			"released_subtasks": len(released), "bond_released": refunded,
		})
	})
	return m, err
}

// ClaimSubtask claims a subtask for a crew member. expected is the status the
// caller last observed (available when empty); a mismatch is a conflict. The
// first claim moves the mission to executing.
func (e Engine) ClaimSubtask(ctx context.Context, missionID, subtaskID, agentID string, expected domain.SubtaskStatus) (domain.Subtask, error) {
	if expected == "" {
		expected = domain.SubtaskAvailable
	}
	var s domain.Subtask
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		if !isCrewMember(m, agentID) {
			return domain.AuthorizationError{ActorID: agentID, Role: "crew member", Subject: "mission " + m.ID}
		}
		g, err := e.loadGraph(ctx, r, m.ID)
		if err != nil {
			return err
		}
		if cur, ok := g.Get(subtaskID); ok && cur.RequiredSpecialty != "" {
			a, err := r.GetAgent(ctx, agentID)
			if err != nil {
				return err
			}
			if !a.HasSpecialty(cur.RequiredSpecialty) {
				return domain.ValidationError{Field: "agent_id", Msg: fmt.Sprintf("agent %s lacks specialty %s", agentID, cur.RequiredSpecialty)}
			}
		}
		s, err = g.Claim(subtaskID, agentID, expected)
		if err != nil {
			return err
		}
		if err := r.UpdateSubtask(ctx, s, expected); err != nil {
			return err
		}
		if m.Status == domain.StatusAssigned {
			if _, err := e.transition(ctx, tx, r, m, domain.StatusExecuting, agentID, events.EventPayload{"via": "first subtask claim"}); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.SubtaskClaimed, m.ID, "subtask", s.ID, agentID, nil)
	})
	return s, err
}

func (e Engine) StartSubtask(ctx context.Context, missionID, subtaskID, agentID string) (domain.Subtask, error) {
	var s domain.Subtask
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		g, err := e.loadGraph(ctx, r, m.ID)
		if err != nil {
			return err
		}
		s, err = g.Start(subtaskID, agentID)
		if err != nil {
			return err
		}
		if err := r.UpdateSubtask(ctx, s, domain.SubtaskClaimed); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.SubtaskStarted, m.ID, "subtask", s.ID, agentID, nil)
	})
	return s, err
}

// CompleteResult reports a completed subtask and its consequences.
type CompleteResult struct {
	Subtask   domain.Subtask `json:"subtask"`
	Unblocked []string       `json:"unblocked,omitempty"`
	Mission   domain.Mission `json:"mission"`
}

// CompleteSubtask marks a subtask done by its assigned agent and records its
// artifacts on the mission. Completing the last subtask submits the mission
// for verification.
func (e Engine) CompleteSubtask(ctx context.Context, missionID, subtaskID, agentID string, artifacts []domain.Artifact) (CompleteResult, error) {
	var res CompleteResult
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		g, err := e.loadGraph(ctx, r, m.ID)
		if err != nil {
			return err
		}
		prev, ok := g.Get(subtaskID)
		if !ok {
			return domain.NotFoundError{Kind: "subtask", ID: subtaskID}
		}
		now := e.stamp()
		for i := range artifacts {
			artifacts[i].SubtaskID = subtaskID
			artifacts[i].AgentID = agentID
			if artifacts[i].CreatedAt == "" {
				artifacts[i].CreatedAt = now
			}
		}
		s, unblocked, err := g.Complete(subtaskID, agentID, artifacts)
		if err != nil {
			return err
		}
		if err := r.UpdateSubtask(ctx, s, prev.Status); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.SubtaskCompleted, m.ID, "subtask", s.ID, agentID, events.EventPayload{
			"artifacts": len(artifacts), "unblocked": unblocked,
		}); err != nil {
			return err
		}
		m.Artifacts = append(m.Artifacts, artifacts...)
		if g.Done() {
			m.Submission = &domain.Submission{Summary: "all subtasks completed", SubmittedAt: now}
			m, err = e.transition(ctx, tx, r, m, domain.StatusVerifying, agentID, events.EventPayload{"via": "crew complete"})
			if err != nil {
				return err
			}
			if err := e.notify(ctx, r, m.RequesterID, "mission.review", m, 5, nil); err != nil {
				return err
			}
		} else if m, err = e.save(ctx, r, m); err != nil {
			return err
		}
		res = CompleteResult{Subtask: s, Unblocked: unblocked, Mission: m}
		return nil
	})
	return res, err
}

// AddBlocker reports a problem on a subtask, forcing it to blocked.
func (e Engine) AddBlocker(ctx context.Context, missionID, subtaskID, reason, actorID string) (domain.Blocker, error) {
	if reason == "" {
		return domain.Blocker{}, domain.ValidationError{Field: "reason", Msg: "required"}
	}
	var b domain.Blocker
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		if !isCrewMember(m, actorID) && actorID != m.RequesterID {
			return domain.AuthorizationError{ActorID: actorID, Role: "crew member", Subject: "mission " + m.ID}
		}
		g, err := e.loadGraph(ctx, r, m.ID)
		if err != nil {
			return err
		}
		prev, ok := g.Get(subtaskID)
		if !ok {
			return domain.NotFoundError{Kind: "subtask", ID: subtaskID}
		}
		s, err := g.Block(subtaskID)
		if err != nil {
			return err
		}
		if prev.Status != domain.SubtaskBlocked {
			if err := r.UpdateSubtask(ctx, s, prev.Status); err != nil {
				return err
			}
		}
		b = domain.Blocker{ID: uuid.NewString(), SubtaskID: subtaskID, Reason: reason, ReportedBy: actorID, CreatedAt: e.stamp()}
		m.Blockers = append(m.Blockers, b)
		if _, err := e.save(ctx, r, m); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.BlockerAdded, m.ID, "blocker", b.ID, actorID, events.EventPayload{"subtask_id": subtaskID, "reason": reason})
	})
	return b, err
}

// ResolveBlocker clears a blocker. The subtask leaves blocked once no other
// open blocker remains on it.
func (e Engine) ResolveBlocker(ctx context.Context, missionID, blockerID, actorID string) (domain.Blocker, error) {
	var b domain.Blocker
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.crewMission(ctx, r, missionID)
		if err != nil {
			return err
		}
		if !isCrewMember(m, actorID) && actorID != m.RequesterID {
			return domain.AuthorizationError{ActorID: actorID, Role: "crew member", Subject: "mission " + m.ID}
		}
		idx := -1
		for i := range m.Blockers {
			if m.Blockers[i].ID == blockerID {
				idx = i
			}
		}
		if idx < 0 {
			return domain.NotFoundError{Kind: "blocker", ID: blockerID}
		}
		if m.Blockers[idx].ResolvedAt != nil {
			return domain.Conflictf("open", "resolved", "blocker %s already resolved", blockerID)
		}
		now := e.stamp()
		m.Blockers[idx].ResolvedAt = &now
		m.Blockers[idx].ResolvedBy = actorID
		b = m.Blockers[idx]

		stillOpen := false
		for _, other := range m.Blockers {
			if other.SubtaskID == b.SubtaskID && other.ResolvedAt == nil {
				stillOpen = true
			}
		}
		if !stillOpen {
			g, err := e.loadGraph(ctx, r, m.ID)
			if err != nil {
				return err
			}
			s, err := g.Resolve(b.SubtaskID)
			if err != nil {
				return err
			}
			if err := r.UpdateSubtask(ctx, s, domain.SubtaskBlocked); err != nil {
				return err
			}
		}
		if _, err := e.save(ctx, r, m); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.BlockerResolved, m.ID, "blocker", b.ID, actorID, events.EventPayload{"subtask_id": b.SubtaskID})
	})
	return b, err
}

// ListAvailableSubtasks returns subtasks that can be claimed right now.
func (e Engine) ListAvailableSubtasks(ctx context.Context, missionID string) ([]domain.Subtask, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	g, err := e.loadGraph(ctx, e.Repo, missionID)
	if err != nil {
		return nil, err
	}
	return g.Available(), nil
}

func (e Engine) ListSubtasks(ctx context.Context, missionID string) ([]domain.Subtask, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubtasks(ctx, missionID)
}
