package engine

import (
	"context"
	"database/sql"
	"strings"

	"missionline/internal/bonds"
	"missionline/internal/domain"
	"missionline/internal/events"
	"missionline/internal/repo"
	"missionline/internal/reputation"
)

type AgentRegisterOptions struct {
	ID          string
	Name        string
	Specialties []string
	BaseScore   float64
	ActorID     string
}

// RegisterAgent adds an agent to the directory. Base score defaults to 100
// and reputation starts at the baseline.
func (e Engine) RegisterAgent(ctx context.Context, opts AgentRegisterOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Agent{}, domain.ValidationError{Field: "id", Msg: "required"}
	}
	if opts.BaseScore < 0 {
		return domain.Agent{}, domain.ValidationError{Field: "base_score", Msg: "must be >= 0"}
	}
	if opts.BaseScore == 0 {
		opts.BaseScore = 100
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.ActorID == "" {
		opts.ActorID = opts.ID
	}
	a := domain.Agent{
		ID:          opts.ID,
		Name:        opts.Name,
		Specialties: opts.Specialties,
		Available:   true,
		Active:      true,
		BaseScore:   opts.BaseScore,
		Reputation:  reputation.DefaultRules().Baseline,
		CreatedAt:   e.stamp(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.InsertAgent(ctx, a); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.AgentRegistered, "", "agent", a.ID, opts.ActorID, events.EventPayload{
			"specialties": a.Specialties, "base_score": a.BaseScore,
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, id)
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, f)
}

func (e Engine) SetAvailability(ctx context.Context, agentID string, available bool) (domain.Agent, error) {
	if err := e.Repo.SetAvailability(ctx, agentID, available); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, agentID)
}

// AgentReputation explains an agent's score from its recorded history.
func (e Engine) AgentReputation(ctx context.Context, agentID string) (reputation.Breakdown, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return reputation.Breakdown{}, err
	}
	return e.Reputation.Breakdown(ctx, e.Repo, agentID)
}

func (e Engine) AgentHistory(ctx context.Context, agentID string) ([]domain.JobHistoryEntry, error) {
	if _, err := e.Repo.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return e.Repo.ListHistory(ctx, agentID)
}

// AgentBonds lists an agent's locked collateral and its total.
func (e Engine) AgentBonds(ctx context.Context, agentID string) ([]domain.Bond, float64, error) {
	list, err := e.Repo.ListBondsByAgent(ctx, agentID)
	if err != nil {
		return nil, 0, err
	}
	return list, bonds.Sum(list), nil
}

// Mint credits an account out of nothing. It is the only source of funds.
func (e Engine) Mint(ctx context.Context, account string, amount float64, actorID string) (float64, error) {
	if strings.TrimSpace(account) == "" {
		return 0, domain.ValidationError{Field: "account", Msg: "required"}
	}
	var bal float64
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if err := r.Mint(ctx, account, amount, "mint"); err != nil {
			return err
		}
		var err error
		if bal, err = r.Balance(ctx, account); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.LedgerMinted, "", "account", account, actorID, events.EventPayload{"amount": amount})
	})
	return bal, err
}

func (e Engine) Balance(ctx context.Context, account string) (float64, error) {
	return e.Repo.Balance(ctx, account)
}

func (e Engine) LedgerEntries(ctx context.Context, f repo.LedgerFilters) ([]domain.LedgerEntry, error) {
	return e.Repo.LedgerEntries(ctx, f)
}

func (e Engine) Settlement(ctx context.Context, missionID string) (domain.Settlement, error) {
	return e.Repo.GetSettlement(ctx, missionID)
}

func (e Engine) Votes(ctx context.Context, missionID string) ([]domain.Vote, error) {
	if _, err := e.Repo.GetMission(ctx, missionID); err != nil {
		return nil, err
	}
	return e.Repo.ListVotes(ctx, missionID)
}

// Inbox is the agent's pollable work queue.
func (e Engine) Inbox(ctx context.Context, agentID string, includeAcked bool, limit int) ([]domain.InboxItem, error) {
	return e.Repo.Inbox(ctx, agentID, includeAcked, limit)
}

func (e Engine) AckInbox(ctx context.Context, agentID, itemID string) error {
	return e.Repo.Ack(ctx, agentID, itemID)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, f)
}
