package engine

import (
	"context"
	"database/sql"
	"sort"

	"missionline/internal/consensus"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/reputation"
	"missionline/internal/settlement"
)

type VoteOptions struct {
	MissionID  string
	VerifierID string
	Verdict    string
	Feedback   string
}

// CastVote records one verifier's verdict on submitted work. The worker, the
// requester and crew members may not vote; at most consensus.MaxVerifiers
// votes are accepted. When a verifier stake is configured it is locked with
// the vote.
func (e Engine) CastVote(ctx context.Context, opts VoteOptions) (domain.Vote, error) {
	verdict, err := domain.ParseVerdict(opts.Verdict)
	if err != nil {
		return domain.Vote{}, err
	}
	v := domain.Vote{MissionID: opts.MissionID, VerifierID: opts.VerifierID, Verdict: verdict, Feedback: opts.Feedback}
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := r.GetMission(ctx, opts.MissionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "vote", domain.StatusVerifying); err != nil {
			return err
		}
		if opts.VerifierID == m.WorkerID || opts.VerifierID == m.RequesterID || isCrewMember(m, opts.VerifierID) {
			return domain.AuthorizationError{ActorID: opts.VerifierID, Role: "independent verifier", Subject: "mission " + m.ID}
		}
		if _, err := r.GetAgent(ctx, opts.VerifierID); err != nil {
			return err
		}
		votes, err := r.ListVotes(ctx, m.ID)
		if err != nil {
			return err
		}
		for _, prev := range votes {
			if prev.VerifierID == opts.VerifierID {
				return domain.Conflictf("", "", "verifier %s already voted on mission %s", opts.VerifierID, m.ID)
			}
		}
		if len(votes) >= consensus.MaxVerifiers {
			return domain.Conflictf("", "", "mission %s already has %d votes", m.ID, consensus.MaxVerifiers)
		}
		v.CastAt = e.stamp()
		if err := r.InsertVote(ctx, v); err != nil {
			return err
		}
		if stake := e.cfg().Bonds.VerifierStake; stake > 0 {
			if _, err := e.bondManager(r).Lock(ctx, v.VerifierID, m.ID, stake, domain.BondVerifier); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.VoteCast, m.ID, "vote", v.VerifierID, v.VerifierID, events.EventPayload{
			"verdict": string(v.Verdict),
		})
	})
	if err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

// Verify runs consensus over the recorded votes and settles the mission.
// A mission that already has a settlement record is rejected with
// AlreadySettledError and nothing moves.
func (e Engine) Verify(ctx context.Context, missionID, actorID string) (domain.Settlement, error) {
	var (
		rec     domain.Settlement
		settled []string
	)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := e.unsettled(ctx, r, missionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "verify", domain.StatusVerifying); err != nil {
			return err
		}
		votes, err := r.ListVotes(ctx, m.ID)
		if err != nil {
			return err
		}
		if len(votes) == 0 {
			return domain.Conflictf("voted", "unvoted", "mission %s has no verifier votes", m.ID)
		}
		in, err := consensusInput(votes)
		if err != nil {
			return err
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

type settleInput struct {
	outcome   domain.Verdict
	verifiers []string
	dishonest []string
	consensus *domain.ConsensusResult
	rating    *int
	reason    string
}

func consensusInput(votes []domain.Vote) (settleInput, error) {
	res, err := consensus.Evaluate(votes)
	if err != nil {
		return settleInput{}, err
	}
	in := settleInput{outcome: res.FinalVerdict, dishonest: res.Dishonest, consensus: &res, reason: string(res.Status)}
	for _, v := range votes {
		in.verifiers = append(in.verifiers, v.VerifierID)
	}
	return in, nil
}

// settleFromVerdict settles m inside tx and moves it to settled or failed.
// It returns the agents whose history changed so the caller can invalidate
// cached reputation after commit.
func (e Engine) settleFromVerdict(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, in settleInput, actorID string) (domain.Mission, []string, error) {
	workers, err := e.settlementWorkers(ctx, r, m, in.outcome)
	if err != nil {
		return m, nil, err
	}
	rec, err := e.settler(r).Settle(ctx, settlement.Request{
		Mission:   m,
		Outcome:   in.outcome,
		Workers:   workers,
		Verifiers: in.verifiers,
		Dishonest: in.dishonest,
		Consensus: in.consensus,
		Rating:    in.rating,
	})
	if err != nil {
		return m, nil, err
	}
	if m.Mode == domain.ModeCrew && in.outcome == domain.VerdictPass {
		// Members with no completed subtask are not paid but get their stake back.
		credited := map[string]bool{}
		for _, w := range workers {
			credited[w.AgentID] = true
		}
		for _, c := range m.CrewAssignments {
			if credited[c.AgentID] {
				continue
			}
			if _, err := e.bondManager(r).Release(ctx, c.AgentID, m.ID); err != nil {
				return m, nil, err
			}
		}
	}
	to := domain.StatusSettled
	if in.outcome == domain.VerdictFail {
		to = domain.StatusFailed
	}
	m.Escrow.Locked = false
	m, err = e.transition(ctx, tx, r, m, to, actorID, events.EventPayload{"outcome": string(in.outcome), "reason": in.reason})
	if err != nil {
		return m, nil, err
	}
	if err := e.events().Append(ctx, tx, events.MissionSettled, m.ID, "settlement", m.ID, actorID, events.EventPayload{
		"outcome": string(rec.Outcome), "total": rec.Total, "payouts": len(rec.Payouts),
	}); err != nil {
		return m, nil, err
	}

	var agents []string
	for _, w := range workers {
		agents = append(agents, w.AgentID)
	}
	// The directory keeps a projection of the score for listing; it is
	// computed from the history just written, bypassing the cache.
	for _, id := range agents {
		history, err := r.ListHistory(ctx, id)
		if err != nil {
			return m, nil, err
		}
		if err := r.UpdateReputation(ctx, id, reputation.Score(history)); err != nil {
			return m, nil, err
		}
	}
	notified := map[string]bool{}
	for _, p := range rec.Payouts {
		if p.Recipient == e.cfg().Economics.ProtocolAccount || notified[p.Recipient] {
			continue
		}
		notified[p.Recipient] = true
		if err := e.notify(ctx, r, p.Recipient, "mission.settled", m, 1, map[string]any{"amount": p.Amount, "reason": p.Reason}); err != nil {
			return m, nil, err
		}
	}
	return m, agents, nil
}

// settlementWorkers lists who receives the worker share. A crew mission pays
// members pro rata by completed subtasks; a failed crew mission records a
// FAIL against every member who completed nothing as well. A failed crew
// mission with no members left settles with no workers and refunds.
func (e Engine) settlementWorkers(ctx context.Context, r repo.Repo, m domain.Mission, outcome domain.Verdict) ([]settlement.Worker, error) {
	if m.Mode != domain.ModeCrew {
		if m.WorkerID == "" {
			return nil, domain.Conflictf("assigned", string(m.Status), "mission %s has no worker", m.ID)
		}
		return []settlement.Worker{{AgentID: m.WorkerID}}, nil
	}
	g, err := e.loadGraph(ctx, r, m.ID)
	if err != nil {
		return nil, err
	}
	done := g.CompletedBy()
	var out []settlement.Worker
	seen := map[string]bool{}
	for agent, subs := range done {
		out = append(out, settlement.Worker{AgentID: agent, Subtasks: subs})
		seen[agent] = true
	}
	if outcome == domain.VerdictFail {
		for _, c := range m.CrewAssignments {
			if !seen[c.AgentID] {
				out = append(out, settlement.Worker{AgentID: c.AgentID})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	if len(out) == 0 && outcome == domain.VerdictPass {
		return nil, domain.Conflictf("", "", "crew mission %s has no members to pay", m.ID)
	}
	return out, nil
}
