// Package reputation derives an agent's score from its job history.
//
// The score is never stored as a source of truth: it is recomputed from the
// full ordered history each time, so every value can be explained entry by
// entry.
package reputation

import (
	"math"

	"missionline/internal/domain"
)

// Rules holds the scoring constants.
type Rules struct {
	Baseline float64
	Min      float64
	Max      float64

	GainScale   float64
	FailPenalty float64

	SoftCapJobs   int
	SoftCapFactor float64

	LowValueReward float64
	LowValueFactor float64

	RequesterRepeatLimit int
	RequesterFactor      float64

	RatingNeutral float64
	RatingSwing   float64
}

func DefaultRules() Rules {
	return Rules{
		Baseline:             50,
		Min:                  0,
		Max:                  200,
		GainScale:            5,
		FailPenalty:          10,
		SoftCapJobs:          50,
		SoftCapFactor:        0.5,
		LowValueReward:       20,
		LowValueFactor:       0.2,
		RequesterRepeatLimit: 3,
		RequesterFactor:      0.5,
		RatingNeutral:        3,
		RatingSwing:          2,
	}
}

// Contribution explains how one history entry moved the score.
type Contribution struct {
	EntryID    string         `json:"entry_id"`
	MissionID  string         `json:"mission_id"`
	Outcome    domain.Verdict `json:"outcome"`
	Reward     float64        `json:"reward"`
	Multiplier float64        `json:"multiplier"`
	Gain       float64        `json:"gain"`
	RatingAdj  float64        `json:"rating_adjustment"`
	Reasons    []string       `json:"reasons,omitempty"`
}

// Breakdown is a full explanation of a score.
type Breakdown struct {
	Baseline      float64        `json:"baseline"`
	Raw           float64        `json:"raw"`
	Score         float64        `json:"score"`
	Jobs          int            `json:"jobs"`
	Passes        int            `json:"passes"`
	Fails         int            `json:"fails"`
	Contributions []Contribution `json:"contributions"`
}

// Score returns the reputation for history using DefaultRules.
func Score(history []domain.JobHistoryEntry) float64 {
	return DefaultRules().Score(history)
}

func (r Rules) Score(history []domain.JobHistoryEntry) float64 {
	return r.Explain(history).Score
}

// Explain walks history in recorded order. Each entry's multiplier only sees
// the entries recorded before it.
func (r Rules) Explain(history []domain.JobHistoryEntry) Breakdown {
	b := Breakdown{Baseline: r.Baseline, Contributions: make([]Contribution, 0, len(history))}
	perRequester := map[string]int{}
	total := r.Baseline
	for i, h := range history {
		c := Contribution{EntryID: h.EntryID, MissionID: h.MissionID, Outcome: h.Outcome, Reward: h.Reward}
		switch h.Outcome {
		case domain.VerdictPass:
			b.Passes++
			m := 1.0
			if i >= r.SoftCapJobs {
				m *= r.SoftCapFactor
				c.Reasons = append(c.Reasons, "soft_cap")
			}
			if h.Reward < r.LowValueReward {
				m *= r.LowValueFactor
				c.Reasons = append(c.Reasons, "low_value")
			}
			if h.RequesterID != "" && perRequester[h.RequesterID] > r.RequesterRepeatLimit {
				m *= r.RequesterFactor
				c.Reasons = append(c.Reasons, "repeat_requester")
			}
			c.Multiplier = m
			c.Gain = r.GainScale * m * math.Log10(1+math.Max(h.Reward, 0)/100)
			if h.Rating != nil {
				c.RatingAdj = clamp(float64(*h.Rating)-r.RatingNeutral, -r.RatingSwing, r.RatingSwing)
			}
		case domain.VerdictFail:
			b.Fails++
			c.Gain = -r.FailPenalty
		}
		if h.RequesterID != "" {
			perRequester[h.RequesterID]++
		}
		total += c.Gain + c.RatingAdj
		b.Contributions = append(b.Contributions, c)
	}
	b.Jobs = len(history)
	b.Raw = total
	b.Score = clamp(total, r.Min, r.Max)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Round2 rounds a score for display and directory projection.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
