package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// MissionCreateOptions are parameters for posting a mission.
type MissionCreateOptions struct {
	ID                string
	Title             string
	Description       string
	Reward            float64
	Mode              domain.AssignmentMode
	RequesterID       string
	RequiredSpecialty string
	// WorkerID names the agent for direct hire.
	WorkerID string
	// BiddingWindow overrides the configured window for bidding missions.
	BiddingWindow time.Duration
}

func (e Engine) validateCreate(opts MissionCreateOptions) error {
	econ := e.cfg().Economics
	if strings.TrimSpace(opts.RequesterID) == "" {
		return domain.ValidationError{Field: "requester_id", Msg: "required"}
	}
	title := strings.TrimSpace(opts.Title)
	if len(title) < econ.MinTitleLength {
		return domain.ValidationError{Field: "title", Msg: fmt.Sprintf("must be at least %d characters", econ.MinTitleLength)}
	}
	if opts.Reward < 0 {
		return domain.ValidationError{Field: "reward", Msg: fmt.Sprintf("must be >= 0, got %v", opts.Reward)}
	}
	if opts.Reward < econ.MinReward {
		return domain.ValidationError{Field: "reward", Msg: fmt.Sprintf("must be at least %v", econ.MinReward)}
	}
	if opts.Mode == domain.ModeDirectHire && opts.WorkerID == opts.RequesterID && opts.WorkerID != "" {
		return domain.ValidationError{Field: "worker_id", Msg: "requester cannot hire themselves"}
	}
	return nil
}

// CreateMission posts a mission, locks its reward in escrow and starts the
// assignment flow for its mode: autopilot assigns immediately when an
// eligible agent exists, bidding opens the window, direct hire assigns the
// named agent. Crew missions stay posted until InitializeCrew.
func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (domain.Mission, error) {
	mode, err := domain.ParseAssignmentMode(string(opts.Mode))
	if err != nil {
		return domain.Mission{}, err
	}
	opts.Mode = mode
	if err := e.validateCreate(opts); err != nil {
		return domain.Mission{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	m := domain.Mission{
		ID:                id,
		Title:             strings.TrimSpace(opts.Title),
		Description:       opts.Description,
		Reward:            opts.Reward,
		Status:            domain.StatusPosted,
		Mode:              mode,
		Escrow:            domain.Escrow{Locked: true, Amount: opts.Reward},
		RequesterID:       opts.RequesterID,
		RequiredSpecialty: opts.RequiredSpecialty,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.Timeline.PostedAt = &now

	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.InsertMission(ctx, m); err != nil {
			return err
		}
		if err := r.Transfer(ctx, m.RequesterID, domain.EscrowAccount(m.ID), m.Reward, "escrow lock", m.ID); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.MissionCreated, m.ID, "mission", m.ID, m.RequesterID, events.EventPayload{
			"title": m.Title, "reward": m.Reward, "mode": string(m.Mode),
		}); err != nil {
			return err
		}
		var err error
		switch mode {
		case domain.ModeAutopilot:
			var assigned bool
			m, assigned, err = e.autoAssign(ctx, tx, r, m, m.RequesterID)
			if err == nil && !assigned {
				e.logf("mission %s: no eligible agent, left posted", m.ID)
			}
		case domain.ModeBidding:
			m, err = e.openBidding(ctx, tx, r, m, m.RequesterID, opts.BiddingWindow)
		case domain.ModeDirectHire:
			if opts.WorkerID != "" {
				m, err = e.hire(ctx, tx, r, m, opts.WorkerID, m.RequesterID)
			}
		}
		return err
	})
	if err != nil {
		return domain.Mission{}, err
	}
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return e.Repo.GetMission(ctx, id)
}

// ListMissions lists missions. Status filters may use legacy aliases.
func (e Engine) ListMissions(ctx context.Context, statuses []string, f repo.MissionFilters) ([]domain.Mission, error) {
	for _, s := range statuses {
		if strings.TrimSpace(s) == "" {
			continue
		}
		st, err := domain.ParseMissionStatus(s)
		if err != nil {
			return nil, err
		}
		f.Statuses = append(f.Statuses, st)
	}
	return e.Repo.ListMissions(ctx, f)
}

// MissionCounts returns the number of missions per status.
func (e Engine) MissionCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountMissionsByStatus(ctx)
}

// ClaimMission lets an agent take a posted solo mission. expected is the
// status the caller last observed; it defaults to posted and accepts legacy
// aliases. The claim is a compare-and-swap on status and version.
func (e Engine) ClaimMission(ctx context.Context, missionID, agentID, expected string) (domain.Mission, error) {
	want := domain.StatusPosted
	if strings.TrimSpace(expected) != "" {
		st, err := domain.ParseMissionStatus(expected)
		if err != nil {
			return domain.Mission{}, err
		}
		want = st
	}
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if m.Status != want || want != domain.StatusPosted {
			return domain.Conflictf(string(domain.StatusPosted), string(m.Status),
				"mission is %s, cannot claim (expected %s)", m.Status, domain.StatusPosted)
		}
		if m.Mode == domain.ModeCrew {
			return domain.Conflictf(string(domain.ModeAutopilot), string(m.Mode), "mission %s is a crew mission, claim its subtasks instead", m.ID)
		}
		if agentID == m.RequesterID {
			return domain.ValidationError{Field: "agent_id", Msg: "requester cannot claim their own mission"}
		}
		agent, err := r.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if !agent.Active {
			return domain.Conflictf("active", "inactive", "agent %s is not active", agentID)
		}
		if !agent.HasSpecialty(m.RequiredSpecialty) {
			return domain.ValidationError{Field: "agent_id", Msg: fmt.Sprintf("agent %s lacks specialty %s", agentID, m.RequiredSpecialty)}
		}
		m.WorkerID = agentID
		m, err = e.transition(ctx, tx, r, m, domain.StatusExecuting, agentID, events.EventPayload{"via": "claim"})
		if err != nil {
			return err
		}
		if err := e.tracker(r).RecordWin(ctx, agentID, m.ID); err != nil {
			return err
		}
		if err := e.lockWorkerStake(ctx, r, m.ID, agentID); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.MissionAssigned, m.ID, "mission", m.ID, agentID, events.EventPayload{"worker_id": agentID, "via": "claim"})
	})
	return m, err
}

// StartMission moves an assigned mission to executing. Only the assigned
// worker may start it.
func (e Engine) StartMission(ctx context.Context, missionID, actorID string) (domain.Mission, error) {
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "start", domain.StatusAssigned); err != nil {
			return err
		}
		if err := requireWorker(m, actorID); err != nil {
			return err
		}
		m, err = e.transition(ctx, tx, r, m, domain.StatusExecuting, actorID, nil)
		return err
	})
	return m, err
}

type SubmitOptions struct {
	MissionID string
	ActorID   string
	Summary   string
	Artifacts []domain.Artifact
}

// SubmitWork hands executed work to verification. Solo missions are
// submitted by their worker; crew missions by any member once every subtask
// is completed.
func (e Engine) SubmitWork(ctx context.Context, opts SubmitOptions) (domain.Mission, error) {
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, opts.MissionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "submit", domain.StatusExecuting); err != nil {
			return err
		}
		if m.Mode == domain.ModeCrew {
			if !isCrewMember(m, opts.ActorID) {
				return domain.AuthorizationError{ActorID: opts.ActorID, Role: "crew member", Subject: "mission " + m.ID}
			}
			g, err := e.loadGraph(ctx, r, m.ID)
			if err != nil {
				return err
			}
			if !g.Done() {
				return domain.Conflictf("completed", "pending", "mission %s has unfinished subtasks", m.ID)
			}
		} else if err := requireWorker(m, opts.ActorID); err != nil {
			return err
		}
		now := e.stamp()
		for i := range opts.Artifacts {
			if opts.Artifacts[i].AgentID == "" {
				opts.Artifacts[i].AgentID = opts.ActorID
			}
			if opts.Artifacts[i].CreatedAt == "" {
				opts.Artifacts[i].CreatedAt = now
			}
		}
		m.Submission = &domain.Submission{Summary: opts.Summary, Artifacts: opts.Artifacts, SubmittedAt: now}
		m.Artifacts = append(m.Artifacts, opts.Artifacts...)
		m, err = e.transition(ctx, tx, r, m, domain.StatusVerifying, opts.ActorID, nil)
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.MissionSubmitted, m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
			"summary": opts.Summary, "artifacts": len(opts.Artifacts),
		}); err != nil {
			return err
		}
		return e.notify(ctx, r, m.RequesterID, "mission.review", m, 5, nil)
	})
	return m, err
}

// RequestRevision sends submitted work back to executing. Votes already cast
// are discarded and verifier bonds released. Once the number of revisions
// exceeds the configured maximum the mission fails instead.
func (e Engine) RequestRevision(ctx context.Context, missionID, actorID, feedback string) (domain.Mission, error) {
	var (
		m       domain.Mission
		settled []string
	)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "request revision", domain.StatusVerifying); err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		m.RevisionHistory = append(m.RevisionHistory, domain.Revision{RequestedBy: actorID, Feedback: feedback, RequestedAt: e.stamp()})
		if limit := e.cfg().Economics.MaxRevisions; len(m.RevisionHistory) > limit {
			e.logf("mission %s exceeded %d revisions, failing", m.ID, limit)
			m, settled, err = e.settleFromVerdict(ctx, tx, r, m, settleInput{outcome: domain.VerdictFail, reason: "revision limit exceeded"}, actorID)
			return err
		}
		votes, err := r.ListVotes(ctx, m.ID)
		if err != nil {
			return err
		}
		bm := e.bondManager(r)
		for _, v := range votes {
			if _, err := bm.Release(ctx, v.VerifierID, m.ID); err != nil {
				return err
			}
		}
		if err := r.DeleteVotes(ctx, m.ID); err != nil {
			return err
		}
		m.Submission = nil
		m.Verification = nil
		m, err = e.transition(ctx, tx, r, m, domain.StatusExecuting, actorID, events.EventPayload{"revision": len(m.RevisionHistory)})
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, events.MissionRevision, m.ID, "mission", m.ID, actorID, events.EventPayload{"feedback": feedback}); err != nil {
			return err
		}
		for _, w := range missionWorkers(m) {
			if err := e.notify(ctx, r, w, "mission.revision", m, 8, map[string]any{"feedback": feedback}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Mission{}, err
	}
	e.Reputation.Invalidate(settled...)
	return m, nil
}

type ApproveOptions struct {
	MissionID string
	ActorID   string
	Approved  bool
	Feedback  string
	Rating    *int
}

// ApproveWork records the requester's own review of submitted work. Payout
// settles from it when no verifier has voted.
func (e Engine) ApproveWork(ctx context.Context, opts ApproveOptions) (domain.Mission, error) {
	if opts.Rating != nil && (*opts.Rating < 1 || *opts.Rating > 5) {
		return domain.Mission{}, domain.ValidationError{Field: "rating", Msg: fmt.Sprintf("must be between 1 and 5, got %d", *opts.Rating)}
	}
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, opts.MissionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "review", domain.StatusVerifying); err != nil {
			return err
		}
		if err := requireRequester(m, opts.ActorID); err != nil {
			return err
		}
		m.Verification = &domain.Verification{
			VerifierID: opts.ActorID,
			Approved:   opts.Approved,
			Feedback:   opts.Feedback,
			Rating:     opts.Rating,
			CreatedAt:  e.stamp(),
		}
		m, err = e.save(ctx, r, m)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.MissionReviewed, m.ID, "mission", m.ID, opts.ActorID, events.EventPayload{
			"approved": opts.Approved, "feedback": opts.Feedback,
		})
	})
	return m, err
}

// Payout settles a mission in verification. Verifier votes, when present,
// decide the outcome through consensus; otherwise the requester's review does.
func (e Engine) Payout(ctx context.Context, missionID, actorID string) (domain.Settlement, error) {
	var (
		rec     domain.Settlement
		settled []string
	)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.unsettled(ctx, r, missionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		if err := requireStatus(m, "pay out", domain.StatusVerifying); err != nil {
			return err
		}
		votes, err := r.ListVotes(ctx, m.ID)
		if err != nil {
			return err
		}
		var in settleInput
		switch {
		case len(votes) > 0:
			in, err = consensusInput(votes)
			if err != nil {
				return err
			}
		case m.Verification != nil:
			in.outcome = domain.VerdictFail
			if m.Verification.Approved {
				in.outcome = domain.VerdictPass
			}
			in.reason = "requester review"
		default:
			return domain.Conflictf("reviewed", "unreviewed", "mission %s has neither verifier votes nor a requester review", m.ID)
		}
		if m.Verification != nil {
			in.rating = m.Verification.Rating
		}
		m, settled, err = e.settleFromVerdict(ctx, tx, r, m, in, actorID)
		if err != nil {
			return err
		}
		rec, err = r.GetSettlement(ctx, m.ID)
		return err
	})
	if err != nil {
		return domain.Settlement{}, err
	}
	e.Reputation.Invalidate(settled...)
	return rec, nil
}

// FailMission fails an executing or verifying mission: escrow goes back to
// the requester and the worker's bond compensates them.
func (e Engine) FailMission(ctx context.Context, missionID, actorID, reason string) (domain.Mission, error) {
	var (
		m       domain.Mission
		settled []string
	)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = e.unsettled(ctx, r, missionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		if err := requireStatus(m, "fail", domain.StatusExecuting, domain.StatusVerifying); err != nil {
			return err
		}
		m, settled, err = e.settleFromVerdict(ctx, tx, r, m, settleInput{outcome: domain.VerdictFail, reason: reason}, actorID)
		return err
	})
	if err != nil {
		return domain.Mission{}, err
	}
	e.Reputation.Invalidate(settled...)
	return m, nil
}

// DirectHire assigns a posted mission to the agent the requester names.
func (e Engine) DirectHire(ctx context.Context, missionID, agentID, actorID string) (domain.Mission, error) {
	var m domain.Mission
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		var err error
		m, err = r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if err := requireRequester(m, actorID); err != nil {
			return err
		}
		if err := requireStatus(m, "hire", domain.StatusPosted); err != nil {
			return err
		}
		if m.Mode == domain.ModeCrew {
			return domain.Conflictf(string(domain.ModeDirectHire), string(m.Mode), "mission %s is a crew mission, add crew members instead", m.ID)
		}
		if agentID == m.RequesterID {
			return domain.ValidationError{Field: "agent_id", Msg: "requester cannot hire themselves"}
		}
		m, err = e.hire(ctx, tx, r, m, agentID, actorID)
		return err
	})
	return m, err
}

func (e Engine) hire(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, agentID, actorID string) (domain.Mission, error) {
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return m, err
	}
	if !agent.Active {
		return m, domain.Conflictf("active", "inactive", "agent %s is not active", agentID)
	}
	return e.assign(ctx, tx, r, m, agentID, actorID, events.EventPayload{"via": "direct_hire"})
}

// unsettled loads a mission and rejects it if a settlement record exists.
func (e Engine) unsettled(ctx context.Context, r repo.Repo, missionID string) (domain.Mission, error) {
	m, err := r.GetMission(ctx, missionID)
	if err != nil {
		return m, err
	}
	done, err := r.HasSettlement(ctx, missionID)
	if err != nil {
		return m, err
	}
	if done {
		return m, domain.AlreadySettledError{MissionID: missionID}
	}
	return m, nil
}

func missionWorkers(m domain.Mission) []string {
	if m.Mode == domain.ModeCrew {
		ids := make([]string, 0, len(m.CrewAssignments))
		for _, c := range m.CrewAssignments {
			ids = append(ids, c.AgentID)
		}
		return ids
	}
	if m.WorkerID == "" {
		return nil
	}
	return []string{m.WorkerID}
}
