package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionline/internal/domain"
)

// AppendHistory records an outcome once per (agent, entry id). It reports
// whether a new row was written.
func (r Repo) AppendHistory(ctx context.Context, e domain.JobHistoryEntry) (bool, error) {
	if e.RecordedAt == "" {
		e.RecordedAt = nowString()
	}
	res, err := r.q().ExecContext(ctx, `INSERT INTO job_history(agent_id,entry_id,mission_id,reward,outcome,rating,requester_id,recorded_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(agent_id, entry_id) DO NOTHING`,
		e.AgentID, e.EntryID, e.MissionID, e.Reward, string(e.Outcome), nullableIntPtr(e.Rating), e.RequesterID, e.RecordedAt)
	if err != nil {
		return false, persistErr("append history", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListHistory returns an agent's entries oldest first.
func (r Repo) ListHistory(ctx context.Context, agentID string) ([]domain.JobHistoryEntry, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT agent_id,entry_id,mission_id,reward,outcome,rating,requester_id,recorded_at
FROM job_history WHERE agent_id=? ORDER BY seq`, agentID)
	if err != nil {
		return nil, persistErr("list history", err)
	}
	defer rows.Close()
	var out []domain.JobHistoryEntry
	for rows.Next() {
		var e domain.JobHistoryEntry
		var rating sql.NullInt64
		if err := rows.Scan(&e.AgentID, &e.EntryID, &e.MissionID, &e.Reward, &e.Outcome, &rating, &e.RequesterID, &e.RecordedAt); err != nil {
			return nil, persistErr("scan history", err)
		}
		if rating.Valid {
			v := int(rating.Int64)
			e.Rating = &v
		}
		out = append(out, e)
	}
	return out, persistErr("list history", rows.Err())
}

// InsertSettlement writes the single settlement record for a mission.
func (r Repo) InsertSettlement(ctx context.Context, s domain.Settlement) error {
	payouts, err := json.Marshal(s.Payouts)
	if err != nil {
		return fmt.Errorf("encode payouts: %w", err)
	}
	var consensus any
	if s.Consensus != nil {
		b, err := json.Marshal(s.Consensus)
		if err != nil {
			return fmt.Errorf("encode consensus: %w", err)
		}
		consensus = string(b)
	}
	res, err := r.q().ExecContext(ctx, `INSERT INTO settlements(mission_id,outcome,payouts_json,total,consensus_json,settled_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(mission_id) DO NOTHING`, s.MissionID, string(s.Outcome), string(payouts), s.Total, consensus, s.SettledAt)
	if err != nil {
		return persistErr("insert settlement", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.AlreadySettledError{MissionID: s.MissionID}
	}
	return nil
}

func (r Repo) GetSettlement(ctx context.Context, missionID string) (domain.Settlement, error) {
	var s domain.Settlement
	var payouts string
	var consensus sql.NullString
	err := r.q().QueryRowContext(ctx, `SELECT mission_id,outcome,payouts_json,total,consensus_json,settled_at FROM settlements WHERE mission_id=?`, missionID).
		Scan(&s.MissionID, &s.Outcome, &payouts, &s.Total, &consensus, &s.SettledAt)
	if err == sql.ErrNoRows {
		return s, domain.NotFoundError{Kind: "settlement", ID: missionID}
	}
	if err != nil {
		return s, persistErr("get settlement", err)
	}
	if err := json.Unmarshal([]byte(payouts), &s.Payouts); err != nil {
		return s, fmt.Errorf("decode payouts: %w", err)
	}
	if err := unmarshalOptional(consensus, &s.Consensus); err != nil {
		return s, fmt.Errorf("decode consensus: %w", err)
	}
	return s, nil
}

func (r Repo) HasSettlement(ctx context.Context, missionID string) (bool, error) {
	ok, err := rowExists(r.q().QueryRowContext(ctx, `SELECT 1 FROM settlements WHERE mission_id=?`, missionID))
	return ok, persistErr("check settlement", err)
}

func (r Repo) RecordWin(ctx context.Context, agentID, missionID string) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO assignment_wins(agent_id,mission_id,won_at) VALUES (?,?,?)`, agentID, missionID, nowString())
	return persistErr("record win", err)
}

func (r Repo) CountWins(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.q().QueryRowContext(ctx, `SELECT COUNT(*) FROM assignment_wins WHERE agent_id=?`, agentID).Scan(&n)
	return n, persistErr("count wins", err)
}
