// Package bonds tracks collateral staked by workers and verifiers.
package bonds

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

// Store persists bond records. Records are inserted and deleted, never updated.
type Store interface {
	InsertBond(ctx context.Context, b domain.Bond) error
	DeleteBonds(ctx context.Context, agentID, missionID string) ([]domain.Bond, error)
	ListBondsByAgent(ctx context.Context, agentID string) ([]domain.Bond, error)
	ListBondsByMission(ctx context.Context, missionID string) ([]domain.Bond, error)
}

// Ledger moves collateral between accounts.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount float64, reason, missionID string) error
}

// Account is the ledger account holding collateral for a mission.
func Account(missionID string) string {
	return "bond:" + missionID
}

type Manager struct {
	Store  Store
	Ledger Ledger
	// MaxActive caps an agent's total locked collateral. Zero means no cap.
	MaxActive float64
	Now       func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Lock stakes amount from agentID against missionID.
func (m Manager) Lock(ctx context.Context, agentID, missionID string, amount float64, typ domain.BondType) (domain.Bond, error) {
	if amount <= 0 {
		return domain.Bond{}, domain.ValidationError{Field: "bond.amount", Msg: "must be positive"}
	}
	if typ != domain.BondWorker && typ != domain.BondVerifier {
		return domain.Bond{}, domain.ValidationError{Field: "bond.type", Msg: fmt.Sprintf("unknown bond type %q", typ)}
	}
	if m.MaxActive > 0 {
		active, err := m.Active(ctx, agentID)
		if err != nil {
			return domain.Bond{}, err
		}
		if active+amount > m.MaxActive {
			return domain.Bond{}, domain.Conflictf("", "", "agent %s active bond %.2f + %.2f exceeds limit %.2f", agentID, active, amount, m.MaxActive)
		}
	}
	b := domain.Bond{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		MissionID: missionID,
		Amount:    amount,
		Type:      typ,
		LockedAt:  m.now().UTC().Format(time.RFC3339Nano),
	}
	if m.Ledger != nil {
		if err := m.Ledger.Transfer(ctx, agentID, Account(missionID), amount, "bond.lock", missionID); err != nil {
			return domain.Bond{}, err
		}
	}
	if err := m.Store.InsertBond(ctx, b); err != nil {
		return domain.Bond{}, err
	}
	return b, nil
}

// Release removes every bond agentID holds on missionID and returns the
// collateral. It returns the total released; zero if nothing was locked.
func (m Manager) Release(ctx context.Context, agentID, missionID string) (float64, error) {
	return m.unlock(ctx, agentID, missionID, agentID, "bond.release")
}

// Slash removes agentID's bonds on missionID and pays the collateral to to.
func (m Manager) Slash(ctx context.Context, agentID, missionID, to string) (float64, error) {
	return m.unlock(ctx, agentID, missionID, to, "bond.slash")
}

func (m Manager) unlock(ctx context.Context, agentID, missionID, to, reason string) (float64, error) {
	removed, err := m.Store.DeleteBonds(ctx, agentID, missionID)
	if err != nil {
		return 0, err
	}
	total := Sum(removed)
	if total > 0 && m.Ledger != nil {
		if err := m.Ledger.Transfer(ctx, Account(missionID), to, total, reason, missionID); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Active sums every bond agentID currently has locked.
func (m Manager) Active(ctx context.Context, agentID string) (float64, error) {
	list, err := m.Store.ListBondsByAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return Sum(list), nil
}

func (m Manager) ForMission(ctx context.Context, missionID string) ([]domain.Bond, error) {
	return m.Store.ListBondsByMission(ctx, missionID)
}

func Sum(list []domain.Bond) float64 {
	var total float64
	for _, b := range list {
		total += b.Amount
	}
	return total
}
