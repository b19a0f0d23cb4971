package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missionline/internal/assignment"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// candidates returns every agent eligible for m with its current reputation
// and recent-win count.
func (e Engine) candidates(ctx context.Context, r repo.Repo, m domain.Mission) ([]assignment.Candidate, error) {
	agents, err := r.ListAgents(ctx, repo.AgentFilters{Specialty: m.RequiredSpecialty, AvailableOnly: true})
	if err != nil {
		return nil, err
	}
	tr := e.tracker(r)
	var out []assignment.Candidate
	for _, a := range agents {
		if !assignment.Eligible(a, m.RequiredSpecialty, m.RequesterID) {
			continue
		}
		rep, err := e.Reputation.Score(ctx, r, a.ID)
		if err != nil {
			return nil, err
		}
		wins, err := tr.RecentWins(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment.Candidate{Agent: a, Reputation: rep, RecentWins: wins})
	}
	return out, nil
}

// autoAssign scores eligible agents and assigns the best. It reports false,
// leaving m untouched, when nobody is eligible.
func (e Engine) autoAssign(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, actorID string) (domain.Mission, bool, error) {
	cands, err := e.candidates(ctx, r, m)
	if err != nil {
		return m, false, err
	}
	cands, err = e.affordable(ctx, r, cands)
	if err != nil {
		return m, false, err
	}
	if len(cands) == 0 {
		return m, false, nil
	}
	best, err := e.policy().Pick(cands)
	if err != nil {
		return m, false, err
	}
	m, err = e.assign(ctx, tx, r, m, best.AgentID, actorID, events.EventPayload{
		"via":              "autopilot",
		"score":            best.Final,
		"reputation_mult":  best.ReputationMult,
		"anti_monopoly":    best.AntiMonopolyMult,
		"candidates_total": len(cands),
	})
	return m, err == nil, err
}

// affordable drops candidates who cannot cover the worker stake.
func (e Engine) affordable(ctx context.Context, r repo.Repo, cands []assignment.Candidate) ([]assignment.Candidate, error) {
	stake := e.cfg().Bonds.WorkerStake
	if stake <= 0 {
		return cands, nil
	}
	out := cands[:0:0]
	for _, c := range cands {
		bal, err := r.Balance(ctx, c.Agent.ID)
		if err != nil {
			return nil, err
		}
		if bal >= stake {
			out = append(out, c)
		}
	}
	return out, nil
}

// lockWorkerStake stakes the configured worker collateral for agentID on
// missionID. An agent already holding a worker bond there, such as one
// offered with a winning bid, is left as is.
func (e Engine) lockWorkerStake(ctx context.Context, r repo.Repo, missionID, agentID string) error {
	stake := e.cfg().Bonds.WorkerStake
	if stake <= 0 {
		return nil
	}
	bm := e.bondManager(r)
	held, err := bm.ForMission(ctx, missionID)
	if err != nil {
		return err
	}
	for _, b := range held {
		if b.AgentID == agentID && b.Type == domain.BondWorker {
			return nil
		}
	}
	_, err = bm.Lock(ctx, agentID, missionID, stake, domain.BondWorker)
	return err
}

// assign sets the worker, moves m to assigned, records the win, stakes the
// worker bond and notifies the agent.
func (e Engine) assign(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, agentID, actorID string, detail events.EventPayload) (domain.Mission, error) {
	m.WorkerID = agentID
	m, err := e.transition(ctx, tx, r, m, domain.StatusAssigned, actorID, nil)
	if err != nil {
		return m, err
	}
	if err := e.tracker(r).RecordWin(ctx, agentID, m.ID); err != nil {
		return m, err
	}
	if err := e.lockWorkerStake(ctx, r, m.ID, agentID); err != nil {
		return m, err
	}
	payload := events.EventPayload{"worker_id": agentID}
	for k, v := range detail {
		payload[k] = v
	}
	if err := e.events().Append(ctx, tx, events.MissionAssigned, m.ID, "mission", m.ID, actorID, payload); err != nil {
		return m, err
	}
	return m, e.notify(ctx, r, agentID, "mission.assigned", m, 10, nil)
}

// OpenBidding starts a bidding window on a posted mission.
func (e Engine) OpenBidding(ctx context.Context, missionID, actorID string, window time.Duration) (domain.Mission, error) {
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
		if err := requireStatus(m, "open bidding", domain.StatusPosted); err != nil {
			return err
		}
		if m.Mode == domain.ModeCrew {
			return domain.Conflictf(string(domain.ModeBidding), string(m.Mode), "crew missions do not take bids")
		}
		m, err = e.openBidding(ctx, tx, r, m, actorID, window)
		return err
	})
	return m, err
}

func (e Engine) openBidding(ctx context.Context, tx *sql.Tx, r repo.Repo, m domain.Mission, actorID string, window time.Duration) (domain.Mission, error) {
	if window <= 0 {
		window = e.cfg().BiddingWindow()
	}
	closes := e.now().Add(window).UTC().Format(time.RFC3339Nano)
	m.Mode = domain.ModeBidding
	m.BiddingClosesAt = &closes
	m, err := e.transition(ctx, tx, r, m, domain.StatusBiddingOpen, actorID, events.EventPayload{"closes_at": closes})
	if err != nil {
		return m, err
	}
	return m, e.events().Append(ctx, tx, events.BiddingOpened, m.ID, "mission", m.ID, actorID, events.EventPayload{"closes_at": closes})
}

// SubmitBid records a bid while the window is open. A bond offered with the
// bid is locked immediately and released if the bid loses.
func (e Engine) SubmitBid(ctx context.Context, bid domain.Bid) (domain.Bid, error) {
	if err := assignment.ValidateBid(bid); err != nil {
		return domain.Bid{}, err
	}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := r.GetMission(ctx, bid.MissionID)
		if err != nil {
			return err
		}
		if err := requireStatus(m, "bid", domain.StatusBiddingOpen); err != nil {
			return err
		}
		if e.biddingDue(m) {
			return domain.Conflictf("open", "closed", "bidding window for mission %s closed at %s", m.ID, *m.BiddingClosesAt)
		}
		agent, err := r.GetAgent(ctx, bid.AgentID)
		if err != nil {
			return err
		}
		if !assignment.Eligible(agent, m.RequiredSpecialty, m.RequesterID) {
			return domain.ValidationError{Field: "agent_id", Msg: fmt.Sprintf("agent %s is not eligible for mission %s", agent.ID, m.ID)}
		}
		bid.SubmittedAt = e.stamp()
		if err := r.InsertBid(ctx, bid); err != nil {
			return err
		}
		if bid.BondOffered > 0 {
			if _, err := e.bondManager(r).Lock(ctx, bid.AgentID, m.ID, bid.BondOffered, domain.BondWorker); err != nil {
				return err
			}
		}
		return e.events().Append(ctx, tx, events.BidSubmitted, m.ID, "bid", bid.AgentID, bid.AgentID, events.EventPayload{
			"price": bid.Price, "eta_seconds": bid.ETASeconds, "bond_offered": bid.BondOffered,
		})
	})
	if err != nil {
		return domain.Bid{}, err
	}
	return bid, nil
}

func (e Engine) biddingDue(m domain.Mission) bool {
	if m.BiddingClosesAt == nil {
		return false
	}
	closes, err := time.Parse(time.RFC3339Nano, *m.BiddingClosesAt)
	if err != nil {
		return false
	}
	return !e.now().Before(closes)
}

// CloseResult reports what closing a bidding window did.
type CloseResult struct {
	Mission domain.Mission        `json:"mission"`
	Ranked  []assignment.BidScore `json:"ranked,omitempty"`
	Winner  *assignment.BidScore  `json:"winner,omitempty"`
	Closed  bool                  `json:"closed"`
}

// CloseBidding scores the bids and assigns the winner. It re-reads the
// mission inside its transaction and does nothing when the window has
// already been closed, so duplicate timer firings are harmless. With no
// usable bids the mission returns to posted.
func (e Engine) CloseBidding(ctx context.Context, missionID, actorID string) (CloseResult, error) {
	var res CloseResult
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		res.Mission = m
		if m.Status != domain.StatusBiddingOpen {
			return nil
		}
		cands, err := e.candidates(ctx, r, m)
		if err != nil {
			return err
		}
		byID := make(map[string]assignment.Candidate, len(cands))
		for _, c := range cands {
			byID[c.Agent.ID] = c
		}
		res.Ranked = e.policy().RankBids(m.Reward, m.Bids, byID)
		res.Closed = true

		if len(res.Ranked) == 0 {
			m.BiddingClosesAt = nil
			m, err = e.transition(ctx, tx, r, m, domain.StatusPosted, actorID, events.EventPayload{"reason": "no bids"})
			if err != nil {
				return err
			}
		} else {
			win := res.Ranked[0]
			res.Winner = &win
			m, err = e.assign(ctx, tx, r, m, win.AgentID, actorID, events.EventPayload{
				"via": "bidding", "composite": win.Composite, "price": win.Bid.Price,
			})
			if err != nil {
				return err
			}
		}
		bm := e.bondManager(r)
		for _, b := range m.Bids {
			if res.Winner != nil && b.AgentID == res.Winner.AgentID {
				continue
			}
			if _, err := bm.Release(ctx, b.AgentID, m.ID); err != nil {
				return err
			}
		}
		res.Mission = m
		winner := ""
		if res.Winner != nil {
			winner = res.Winner.AgentID
		}
		return e.events().Append(ctx, tx, events.BiddingClosed, m.ID, "mission", m.ID, actorID, events.EventPayload{
			"bids": len(m.Bids), "winner": winner,
		})
	})
	return res, err
}

// CloseDueBidding closes every bidding window whose deadline has passed. A
// mission that fails to close is logged and skipped; the joined errors are
// returned alongside the windows that did close.
func (e Engine) CloseDueBidding(ctx context.Context, actorID string) ([]CloseResult, error) {
	open, err := e.Repo.ListMissions(ctx, repo.MissionFilters{Statuses: []domain.MissionStatus{domain.StatusBiddingOpen}})
	if err != nil {
		return nil, err
	}
	var (
		out  []CloseResult
		errs []error
	)
	for _, m := range open {
		if !e.biddingDue(m) {
			continue
		}
		res, err := e.CloseBidding(ctx, m.ID, actorID)
		if err != nil {
			e.logf("close bidding for %s: %v", m.ID, err)
			errs = append(errs, fmt.Errorf("close bidding for %s: %w", m.ID, err))
			continue
		}
		if res.Closed {
			out = append(out, res)
		}
	}
	return out, errors.Join(errs...)
}
