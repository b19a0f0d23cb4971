// Package assignment scores candidate agents for a mission.
//
//	final = base × (0.8 + reputation/200) × anti_monopoly
//
// Ties on the final score go to the lexicographically lowest agent id so the
// same inputs always pick the same winner.
package assignment

import (
	"fmt"
	"math"
	"sort"

	"missionline/internal/domain"
)

type Policy struct {
	MonopolyThreshold int
	MonopolyStep      float64
	MonopolyFloor     float64
}

func DefaultPolicy() Policy {
	return Policy{MonopolyThreshold: 3, MonopolyStep: 0.1, MonopolyFloor: 0.5}
}

// Candidate is an eligible agent with its derived inputs.
type Candidate struct {
	Agent      domain.Agent
	Reputation float64
	RecentWins int
}

type Score struct {
	AgentID          string  `json:"agent_id"`
	Base             float64 `json:"base"`
	Reputation       float64 `json:"reputation"`
	RecentWins       int     `json:"recent_wins"`
	ReputationMult   float64 `json:"reputation_multiplier"`
	AntiMonopolyMult float64 `json:"anti_monopoly_multiplier"`
	Final            float64 `json:"final"`
}

// ReputationMultiplier maps reputation onto [0.8, 1.3]. Scores above 100
// earn no further edge.
func ReputationMultiplier(rep float64) float64 {
	rep = math.Max(0, math.Min(100, rep))
	return 0.8 + rep/200
}

// AntiMonopolyMultiplier is 1 up to the threshold, then drops by step per
// extra win, never below the floor.
func (p Policy) AntiMonopolyMultiplier(recentWins int) float64 {
	if recentWins <= p.MonopolyThreshold {
		return 1
	}
	return math.Max(p.MonopolyFloor, 1-p.MonopolyStep*float64(recentWins-p.MonopolyThreshold))
}

func (p Policy) Score(c Candidate) Score {
	s := Score{
		AgentID:          c.Agent.ID,
		Base:             c.Agent.BaseScore,
		Reputation:       c.Reputation,
		RecentWins:       c.RecentWins,
		ReputationMult:   ReputationMultiplier(c.Reputation),
		AntiMonopolyMult: p.AntiMonopolyMultiplier(c.RecentWins),
	}
	s.Final = s.Base * s.ReputationMult * s.AntiMonopolyMult
	return s
}

// Eligible reports whether agent may be assigned a mission needing specialty
// and posted by requesterID.
func Eligible(agent domain.Agent, specialty, requesterID string) bool {
	return agent.Active && agent.Available && agent.ID != requesterID && agent.HasSpecialty(specialty)
}

// Rank scores and orders candidates best first.
func (p Policy) Rank(cands []Candidate) []Score {
	out := make([]Score, 0, len(cands))
	for _, c := range cands {
		out = append(out, p.Score(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Final != out[j].Final {
			return out[i].Final > out[j].Final
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Pick returns the winning candidate.
func (p Policy) Pick(cands []Candidate) (Score, error) {
	ranked := p.Rank(cands)
	if len(ranked) == 0 {
		return Score{}, domain.Conflictf("", "", "no eligible agents")
	}
	return ranked[0], nil
}

// BidScore is a Score extended with the bid's terms.
type BidScore struct {
	Score
	Bid         domain.Bid `json:"bid"`
	PriceFactor float64    `json:"price_factor"`
	ETAFactor   float64    `json:"eta_factor"`
	BondFactor  float64    `json:"bond_factor"`
	Composite   float64    `json:"composite"`
}

// RankBids scores each bid against the mission reward. Bids from agents
// without a candidate entry are skipped.
func (p Policy) RankBids(reward float64, bids []domain.Bid, cands map[string]Candidate) []BidScore {
	out := make([]BidScore, 0, len(bids))
	for _, b := range bids {
		c, ok := cands[b.AgentID]
		if !ok {
			continue
		}
		bs := BidScore{Score: p.Score(c), Bid: b}
		bs.PriceFactor = priceFactor(reward, b.Price)
		bs.ETAFactor = 1 / (1 + float64(b.ETASeconds)/86400)
		bs.BondFactor = 1
		if reward > 0 && b.BondOffered > 0 {
			bs.BondFactor = 1 + math.Min(b.BondOffered/reward, 0.5)
		}
		bs.Composite = bs.Final * bs.PriceFactor * bs.ETAFactor * bs.BondFactor
		out = append(out, bs)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Composite != out[j].Composite {
			return out[i].Composite > out[j].Composite
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

func priceFactor(reward, price float64) float64 {
	if reward <= 0 {
		return 1
	}
	return math.Min(reward/math.Max(price, 0.01), 2)
}

// ValidateBid checks a bid's terms before it is accepted.
func ValidateBid(b domain.Bid) error {
	switch {
	case b.AgentID == "":
		return domain.ValidationError{Field: "bid.agent_id", Msg: "required"}
	case b.Price < 0:
		return domain.ValidationError{Field: "bid.price", Msg: fmt.Sprintf("must be >= 0, got %v", b.Price)}
	case b.ETASeconds < 0:
		return domain.ValidationError{Field: "bid.eta", Msg: "must be >= 0"}
	case b.BondOffered < 0:
		return domain.ValidationError{Field: "bid.bond_offered", Msg: "must be >= 0"}
	}
	return nil
}
