// Package settlement converts a verified mission outcome into fund movements,
// bond releases and job-history entries, exactly once per mission.
package settlement

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"missionline/internal/domain"
)

type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount float64, reason, missionID string) error
	// ReleaseEscrow moves whatever remains in the mission's escrow to to.
	ReleaseEscrow(ctx context.Context, missionID, to string) (float64, error)
}

type Store interface {
	// InsertSettlement must fail with domain.AlreadySettledError when a record
	// for the mission exists.
	InsertSettlement(ctx context.Context, s domain.Settlement) error
	// AppendHistory reports false when the (agent, entry id) pair was already recorded.
	AppendHistory(ctx context.Context, e domain.JobHistoryEntry) (bool, error)
}

type Directory interface {
	AddEarnings(ctx context.Context, agentID string, amount float64) error
	IncrementJobCount(ctx context.Context, agentID string) error
}

type Bonds interface {
	Release(ctx context.Context, agentID, missionID string) (float64, error)
	Slash(ctx context.Context, agentID, missionID, to string) (float64, error)
}

type Rates struct {
	ProtocolFee  float64
	VerifierPool float64
}

func DefaultRates() Rates {
	return Rates{ProtocolFee: 0.05, VerifierPool: 0.10}
}

// Shares is how a PASS reward divides.
type Shares struct {
	Worker      float64 `json:"worker"`
	PerVerifier float64 `json:"per_verifier"`
	Verifiers   int     `json:"verifiers"`
	Protocol    float64 `json:"protocol"`
}

// Total sums every share.
func (s Shares) Total() float64 {
	return s.Worker + s.PerVerifier*float64(s.Verifiers) + s.Protocol
}

// Split divides reward. Fee and verifier shares are rounded down to cents and
// the worker takes the remainder, so the shares always add up to reward.
func Split(reward float64, verifiers int, r Rates) Shares {
	s := Shares{Verifiers: verifiers}
	s.Protocol = cents(reward * r.ProtocolFee)
	if verifiers > 0 {
		s.PerVerifier = cents(reward * r.VerifierPool / float64(verifiers))
	}
	s.Worker = reward - s.Protocol - s.PerVerifier*float64(verifiers)
	return s
}

func cents(v float64) float64 {
	return math.Floor(v*100+1e-9) / 100
}

// Worker is one recipient of the worker share. Solo missions have a single
// worker with no subtasks.
type Worker struct {
	AgentID  string
	Subtasks []string
}

type Request struct {
	Mission   domain.Mission
	Outcome   domain.Verdict
	Workers   []Worker
	Verifiers []string
	Dishonest []string
	Consensus *domain.ConsensusResult
	Rating    *int
}

type Settler struct {
	Store           Store
	Ledger          Ledger
	Directory       Directory
	Bonds           Bonds
	Rates           Rates
	ProtocolAccount string
	Now             func() time.Time
}

func (s Settler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Settler) protocol() string {
	if s.ProtocolAccount == "" {
		return "protocol"
	}
	return s.ProtocolAccount
}

// EntryID is the deterministic history key for a mission (and subtask).
func EntryID(missionID, subtaskID string) string {
	if subtaskID == "" {
		subtaskID = "solo"
	}
	return missionID + ":" + subtaskID
}

type workerEntry struct {
	agentID   string
	subtaskID string
	amount    float64
}

func (s Settler) plan(req Request) (domain.Settlement, []workerEntry, error) {
	m := req.Mission
	rec := domain.Settlement{
		MissionID: m.ID,
		Outcome:   req.Outcome,
		Consensus: req.Consensus,
		SettledAt: s.now().UTC().Format(time.RFC3339Nano),
	}
	var entries []workerEntry
	switch req.Outcome {
	case domain.VerdictPass:
		if len(req.Workers) == 0 {
			return rec, nil, domain.Conflictf("", "", "mission %s has no worker to pay", m.ID)
		}
		honest := honestVerifiers(req.Verifiers, req.Dishonest)
		shares := Split(m.Reward, len(honest), s.Rates)
		for _, v := range honest {
			rec.Payouts = append(rec.Payouts, domain.Payout{Recipient: v, Amount: shares.PerVerifier, Reason: "verifier.share"})
		}
		rec.Payouts = append(rec.Payouts, domain.Payout{Recipient: s.protocol(), Amount: shares.Protocol, Reason: "protocol.fee"})
		units := 0
		for _, w := range req.Workers {
			units += max(1, len(w.Subtasks))
		}
		per := shares.Worker / float64(units)
		for _, w := range req.Workers {
			if len(w.Subtasks) == 0 {
				entries = append(entries, workerEntry{agentID: w.AgentID, amount: per})
			}
			for _, sub := range w.Subtasks {
				entries = append(entries, workerEntry{agentID: w.AgentID, subtaskID: sub, amount: per})
			}
			rec.Payouts = append(rec.Payouts, domain.Payout{Recipient: w.AgentID, Amount: per * float64(max(1, len(w.Subtasks))), Reason: "worker.share"})
		}
	case domain.VerdictFail:
		// A FAIL with no workers still refunds; nobody gets a history entry.
		rec.Payouts = append(rec.Payouts, domain.Payout{Recipient: m.RequesterID, Amount: m.Reward, Reason: "escrow.refund"})
		for _, w := range req.Workers {
			if len(w.Subtasks) == 0 {
				entries = append(entries, workerEntry{agentID: w.AgentID})
			}
			for _, sub := range w.Subtasks {
				entries = append(entries, workerEntry{agentID: w.AgentID, subtaskID: sub})
			}
		}
	default:
		return rec, nil, domain.ValidationError{Field: "outcome", Msg: fmt.Sprintf("cannot settle with outcome %q", req.Outcome)}
	}
	for _, p := range rec.Payouts {
		rec.Total += p.Amount
	}
	return rec, entries, nil
}

func honestVerifiers(all, dishonest []string) []string {
	bad := map[string]bool{}
	for _, d := range dishonest {
		bad[d] = true
	}
	var out []string
	for _, v := range all {
		if !bad[v] {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Settle records the settlement and performs every side effect. It must run
// inside the same transaction as the stores it was given: the record insert
// is the idempotency guard, so a second call fails before anything moves.
func (s Settler) Settle(ctx context.Context, req Request) (domain.Settlement, error) {
	m := req.Mission
	if !m.Escrow.Locked {
		return domain.Settlement{}, domain.Conflictf("locked", "released", "escrow for mission %s is not locked", m.ID)
	}
	rec, entries, err := s.plan(req)
	if err != nil {
		return domain.Settlement{}, err
	}
	if err := s.Store.InsertSettlement(ctx, rec); err != nil {
		return domain.Settlement{}, err
	}

	if req.Outcome == domain.VerdictPass {
		// The final payout drains the escrow so rounding dust lands with a worker.
		last := len(rec.Payouts) - 1
		for i, p := range rec.Payouts {
			if i == last {
				if _, err := s.Ledger.ReleaseEscrow(ctx, m.ID, p.Recipient); err != nil {
					return domain.Settlement{}, err
				}
				continue
			}
			if p.Amount <= 0 {
				continue
			}
			if err := s.Ledger.Transfer(ctx, domain.EscrowAccount(m.ID), p.Recipient, p.Amount, p.Reason, m.ID); err != nil {
				return domain.Settlement{}, err
			}
		}
	} else {
		if _, err := s.Ledger.ReleaseEscrow(ctx, m.ID, m.RequesterID); err != nil {
			return domain.Settlement{}, err
		}
	}

	if err := s.settleBonds(ctx, req); err != nil {
		return domain.Settlement{}, err
	}

	for _, e := range entries {
		reward := 0.0
		if req.Outcome == domain.VerdictPass {
			reward = e.amount
		}
		inserted, err := s.Store.AppendHistory(ctx, domain.JobHistoryEntry{
			EntryID:     EntryID(m.ID, e.subtaskID),
			AgentID:     e.agentID,
			MissionID:   m.ID,
			Reward:      reward,
			Outcome:     req.Outcome,
			Rating:      req.Rating,
			RequesterID: m.RequesterID,
			RecordedAt:  rec.SettledAt,
		})
		if err != nil {
			return domain.Settlement{}, err
		}
		if !inserted || req.Outcome != domain.VerdictPass || s.Directory == nil {
			continue
		}
		if err := s.Directory.IncrementJobCount(ctx, e.agentID); err != nil {
			return domain.Settlement{}, err
		}
		if err := s.Directory.AddEarnings(ctx, e.agentID, reward); err != nil {
			return domain.Settlement{}, err
		}
	}
	return rec, nil
}

// settleBonds releases collateral for honest participants. A failed worker's
// bond compensates the requester; dishonest verifiers forfeit to the protocol.
func (s Settler) settleBonds(ctx context.Context, req Request) error {
	if s.Bonds == nil {
		return nil
	}
	m := req.Mission
	for _, w := range req.Workers {
		var err error
		if req.Outcome == domain.VerdictPass {
			_, err = s.Bonds.Release(ctx, w.AgentID, m.ID)
		} else {
			_, err = s.Bonds.Slash(ctx, w.AgentID, m.ID, m.RequesterID)
		}
		if err != nil {
			return err
		}
	}
	dishonest := map[string]bool{}
	for _, d := range req.Dishonest {
		dishonest[d] = true
	}
	for _, v := range req.Verifiers {
		var err error
		if dishonest[v] {
			_, err = s.Bonds.Slash(ctx, v, m.ID, s.protocol())
		} else {
			_, err = s.Bonds.Release(ctx, v, m.ID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
