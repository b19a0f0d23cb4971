// Package consensus turns verifier votes into a single verdict.
package consensus

import (
	"fmt"
	"sort"

	"missionline/internal/domain"
)

// MaxVerifiers is the largest panel a mission may seat.
const MaxVerifiers = 3

// Evaluate tallies votes. A tie is not an error: it resolves to FAIL with no
// one flagged dishonest.
func Evaluate(votes []domain.Vote) (domain.ConsensusResult, error) {
	if len(votes) == 0 {
		return domain.ConsensusResult{}, domain.ValidationError{Field: "votes", Msg: "at least one verdict is required"}
	}
	if len(votes) > MaxVerifiers {
		return domain.ConsensusResult{}, domain.ValidationError{Field: "votes", Msg: fmt.Sprintf("at most %d verdicts allowed, got %d", MaxVerifiers, len(votes))}
	}
	res := domain.ConsensusResult{Dishonest: []string{}}
	for _, v := range votes {
		switch v.Verdict {
		case domain.VerdictPass:
			res.Pass++
		case domain.VerdictFail:
			res.Fail++
		default:
			return domain.ConsensusResult{}, domain.ValidationError{Field: "verdict", Msg: fmt.Sprintf("verifier %s cast %q", v.VerifierID, v.Verdict)}
		}
	}
	switch {
	case res.Pass == 0 || res.Fail == 0:
		res.Status = domain.ConsensusReached
		res.FinalVerdict = domain.VerdictPass
		if res.Pass == 0 {
			res.FinalVerdict = domain.VerdictFail
		}
	case res.Pass == res.Fail:
		res.Status = domain.DisputeUnresolved
		res.FinalVerdict = domain.VerdictFail
	default:
		res.Status = domain.DisputeResolved
		res.FinalVerdict = domain.VerdictPass
		if res.Fail > res.Pass {
			res.FinalVerdict = domain.VerdictFail
		}
		for _, v := range votes {
			if v.Verdict != res.FinalVerdict {
				res.Dishonest = append(res.Dishonest, v.VerifierID)
			}
		}
		sort.Strings(res.Dishonest)
	}
	return res, nil
}

// Verdicts is a convenience for evaluating anonymous verdicts.
func Verdicts(vs ...domain.Verdict) (domain.ConsensusResult, error) {
	votes := make([]domain.Vote, len(vs))
	for i, v := range vs {
		votes[i] = domain.Vote{VerifierID: fmt.Sprintf("v%d", i+1), Verdict: v}
	}
	return Evaluate(votes)
}
