package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionline/internal/domain"
)

const agentCols = `id,name,specialties_json,available,active,base_score,reputation,job_count,earnings,created_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var specs string
	var available, active int
	if err := row.Scan(&a.ID, &a.Name, &specs, &available, &active, &a.BaseScore, &a.Reputation, &a.JobCount, &a.Earnings, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Available = available == 1
	a.Active = active == 1
	if err := json.Unmarshal([]byte(specs), &a.Specialties); err != nil {
		return a, fmt.Errorf("decode specialties for %s: %w", a.ID, err)
	}
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) error {
	if a.CreatedAt == "" {
		a.CreatedAt = nowString()
	}
	res, err := r.q().ExecContext(ctx, `INSERT INTO agents(`+agentCols+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		a.ID, a.Name, marshalList(a.Specialties), boolInt(a.Available), boolInt(a.Active), a.BaseScore, a.Reputation, a.JobCount, a.Earnings, a.CreatedAt)
	if err != nil {
		return persistErr("insert agent", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("", "", "agent %s already registered", a.ID)
	}
	return nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := scanAgent(r.q().QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return a, domain.NotFoundError{Kind: "agent", ID: id}
	}
	return a, persistErr("get agent", err)
}

type AgentFilters struct {
	Specialty     string
	AvailableOnly bool
}

// ListAgents returns active agents ordered by id.
func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	query := `SELECT ` + agentCols + ` FROM agents WHERE active=1`
	if f.AvailableOnly {
		query += ` AND available=1`
	}
	query += ` ORDER BY id`
	rows, err := r.q().QueryContext(ctx, query)
	if err != nil {
		return nil, persistErr("list agents", err)
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, persistErr("scan agent", err)
		}
		if !a.HasSpecialty(f.Specialty) {
			continue
		}
		out = append(out, a)
	}
	return out, persistErr("list agents", rows.Err())
}

func (r Repo) updateAgent(ctx context.Context, op, id, set string, args ...any) error {
	args = append(args, id)
	res, err := r.q().ExecContext(ctx, `UPDATE agents SET `+set+` WHERE id=?`, args...)
	if err != nil {
		return persistErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "agent", ID: id}
	}
	return nil
}

// UpdateReputation stores the cached projection of an agent's history.
func (r Repo) UpdateReputation(ctx context.Context, id string, value float64) error {
	return r.updateAgent(ctx, "update reputation", id, `reputation=?`, value)
}

func (r Repo) AddEarnings(ctx context.Context, id string, amount float64) error {
	return r.updateAgent(ctx, "add earnings", id, `earnings=earnings+?`, amount)
}

func (r Repo) IncrementJobCount(ctx context.Context, id string) error {
	return r.updateAgent(ctx, "increment job count", id, `job_count=job_count+1`)
}

func (r Repo) SetAvailability(ctx context.Context, id string, available bool) error {
	return r.updateAgent(ctx, "set availability", id, `available=?`, boolInt(available))
}
