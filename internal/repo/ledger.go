package repo

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

// MintAccount is the source recorded for credits created out of nothing.
const MintAccount = "mint"

const balanceEpsilon = 1e-9

func (r Repo) Balance(ctx context.Context, account string) (float64, error) {
	var bal float64
	err := r.q().QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, account).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return bal, persistErr("read balance", err)
}

// Mint credits an account from MintAccount. It is the only way credits enter
// the ledger.
func (r Repo) Mint(ctx context.Context, to string, amount float64, reason string) error {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return domain.ValidationError{Field: "amount", Msg: "must be positive"}
	}
	if err := r.credit(ctx, to, amount); err != nil {
		return err
	}
	return r.insertEntry(ctx, MintAccount, to, amount, reason, "")
}

// Transfer moves amount between accounts. A zero amount is a no-op; the source
// must hold at least amount.
func (r Repo) Transfer(ctx context.Context, from, to string, amount float64, reason, missionID string) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return domain.ValidationError{Field: "amount", Msg: fmt.Sprintf("invalid transfer amount %v", amount)}
	}
	if amount == 0 {
		return nil
	}
	if from == to {
		return domain.ValidationError{Field: "to", Msg: "source and destination are the same account"}
	}
	res, err := r.q().ExecContext(ctx, `UPDATE accounts SET balance=MAX(balance-?, 0), updated_at=? WHERE id=? AND balance >= ?`,
		amount, nowString(), from, amount-balanceEpsilon)
	if err != nil {
		return persistErr("debit account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		have, err := r.Balance(ctx, from)
		if err != nil {
			return err
		}
		return domain.Conflictf(fmt.Sprintf("%.2f", amount), fmt.Sprintf("%.2f", have),
			"insufficient balance in %s: have %.2f, need %.2f", from, have, amount)
	}
	if err := r.credit(ctx, to, amount); err != nil {
		return err
	}
	return r.insertEntry(ctx, from, to, amount, reason, missionID)
}

// ReleaseEscrow moves the remaining escrow balance of a mission to to and
// returns the amount moved.
func (r Repo) ReleaseEscrow(ctx context.Context, missionID, to string) (float64, error) {
	acct := domain.EscrowAccount(missionID)
	bal, err := r.Balance(ctx, acct)
	if err != nil {
		return 0, err
	}
	if bal <= balanceEpsilon {
		return 0, nil
	}
	if err := r.Transfer(ctx, acct, to, bal, "escrow release", missionID); err != nil {
		return 0, err
	}
	return bal, nil
}

func (r Repo) credit(ctx context.Context, account string, amount float64) error {
	now := nowString()
	_, err := r.q().ExecContext(ctx, `INSERT INTO accounts(id,balance,updated_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`, account, amount, now)
	return persistErr("credit account", err)
}

func (r Repo) insertEntry(ctx context.Context, from, to string, amount float64, reason, missionID string) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO ledger_entries(id,from_account,to_account,amount,reason,mission_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), from, to, amount, reason, nullable(missionID), nowString())
	return persistErr("insert ledger entry", err)
}

type LedgerFilters struct {
	Account   string
	MissionID string
	Limit     int
}

// LedgerEntries lists entries newest first.
func (r Repo) LedgerEntries(ctx context.Context, f LedgerFilters) ([]domain.LedgerEntry, error) {
	query := `SELECT id,from_account,to_account,amount,reason,COALESCE(mission_id,''),created_at FROM ledger_entries WHERE 1=1`
	var args []any
	if f.Account != "" {
		query += ` AND (from_account=? OR to_account=?)`
		args = append(args, f.Account, f.Account)
	}
	if f.MissionID != "" {
		query += ` AND mission_id=?`
		args = append(args, f.MissionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list ledger", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Reason, &e.MissionID, &e.CreatedAt); err != nil {
			return nil, persistErr("scan ledger", err)
		}
		out = append(out, e)
	}
	return out, persistErr("list ledger", rows.Err())
}

// TotalSupply is the sum of all account balances. It only changes on Mint.
func (r Repo) TotalSupply(ctx context.Context) (float64, error) {
	var total float64
	err := r.q().QueryRowContext(ctx, `SELECT COALESCE(SUM(balance),0) FROM accounts`).Scan(&total)
	return total, persistErr("total supply", err)
}
