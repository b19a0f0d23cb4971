package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
)

// Expiry reports one mission closed by a deadline.
type Expiry struct {
	MissionID string         `json:"mission_id"`
	From      string         `json:"from"`
	Outcome   domain.Verdict `json:"outcome"`
	Reason    string         `json:"reason"`
}

// deadline returns when m's current phase times out, and false when the
// phase has no deadline.
func (e Engine) deadline(m domain.Mission) (time.Time, bool) {
	var (
		since   string
		timeout time.Duration
	)
	switch m.Status {
	case domain.StatusExecuting:
		timeout = e.cfg().ExecutionTimeout()
		if m.Timeline.ExecutingAt != nil {
			since = *m.Timeline.ExecutingAt
		}
		if n := len(m.RevisionHistory); n > 0 {
			since = m.RevisionHistory[n-1].RequestedAt
		}
	case domain.StatusVerifying:
		timeout = e.cfg().VerificationTimeout()
		if m.Timeline.VerifyingAt != nil {
			since = *m.Timeline.VerifyingAt
		}
		if m.Submission != nil && m.Submission.SubmittedAt != "" {
			since = m.Submission.SubmittedAt
		}
	default:
		return time.Time{}, false
	}
	if timeout <= 0 || since == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, since)
	if err != nil {
		return time.Time{}, false
	}
	return t.Add(timeout), true
}

func (e Engine) overdue(m domain.Mission) bool {
	d, ok := e.deadline(m)
	return ok && !e.now().Before(d)
}

// ExpireOverdue fails executing missions past the execution timeout and
// closes verifying missions past the verification timeout: with votes they
// settle by consensus, with a requester review by that review, otherwise
// they fail. Each mission is handled in its own transaction and re-checked
// there, so overlapping sweeps do not double-settle. A mission that cannot be
// expired is logged and skipped; the sweep returns the joined errors.
func (e Engine) ExpireOverdue(ctx context.Context, actorID string) ([]Expiry, error) {
	list, err := e.Repo.ListMissions(ctx, repo.MissionFilters{Statuses: []domain.MissionStatus{domain.StatusExecuting, domain.StatusVerifying}})
	if err != nil {
		return nil, err
	}
	var (
		out  []Expiry
		errs []error
	)
	for _, m := range list {
		if !e.overdue(m) {
			continue
		}
		exp, ok, err := e.expire(ctx, m.ID, actorID)
		if err != nil {
			e.logf("expire mission %s: %v", m.ID, err)
			errs = append(errs, fmt.Errorf("expire mission %s: %w", m.ID, err))
			continue
		}
		if ok {
			out = append(out, exp)
		}
	}
	return out, errors.Join(errs...)
}

func (e Engine) expire(ctx context.Context, missionID, actorID string) (Expiry, bool, error) {
	var (
		exp     Expiry
		done    bool
		settled []string
	)
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		m, err := r.GetMission(ctx, missionID)
		if err != nil {
			return err
		}
		if !e.overdue(m) {
			return nil
		}
		if has, err := r.HasSettlement(ctx, m.ID); err != nil || has {
			return err
		}
		in := settleInput{outcome: domain.VerdictFail, reason: "execution timeout"}
		if m.Status == domain.StatusVerifying {
			in.reason = "verification timeout"
			votes, err := r.ListVotes(ctx, m.ID)
			if err != nil {
				return err
			}
			switch {
			case len(votes) > 0:
				if in, err = consensusInput(votes); err != nil {
					return err
				}
				in.reason = "verification timeout: " + in.reason
			case m.Verification != nil && m.Verification.Approved:
				in.outcome = domain.VerdictPass
				in.reason = "verification timeout: requester review"
			}
			if m.Verification != nil {
				in.rating = m.Verification.Rating
			}
		}
		exp = Expiry{MissionID: m.ID, From: string(m.Status), Outcome: in.outcome, Reason: in.reason}
		if _, settled, err = e.settleFromVerdict(ctx, tx, r, m, in, actorID); err != nil {
			return err
		}
		done = true
		e.logf("mission %s expired from %s: %s", m.ID, exp.From, in.reason)
		return e.events().Append(ctx, tx, events.MissionExpired, m.ID, "mission", m.ID, actorID, events.EventPayload{
			"from": exp.From, "outcome": string(in.outcome), "reason": in.reason,
		})
	})
	if err != nil {
		return Expiry{}, false, err
	}
	e.Reputation.Invalidate(settled...)
	return exp, done, nil
}
