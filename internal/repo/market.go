package repo

import (
	"context"
	"database/sql"

	"missionline/internal/domain"
)

// InsertBid records an agent's bid. An agent may bid once per mission.
func (r Repo) InsertBid(ctx context.Context, b domain.Bid) error {
	res, err := r.q().ExecContext(ctx, `INSERT INTO bids(mission_id,agent_id,price,eta_seconds,bond_offered,submitted_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(mission_id, agent_id) DO NOTHING`, b.MissionID, b.AgentID, b.Price, b.ETASeconds, b.BondOffered, b.SubmittedAt)
	if err != nil {
		return persistErr("insert bid", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("", "", "agent %s already bid on mission %s", b.AgentID, b.MissionID)
	}
	return nil
}

func (r Repo) ListBids(ctx context.Context, missionID string) ([]domain.Bid, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT mission_id,agent_id,price,eta_seconds,bond_offered,submitted_at FROM bids WHERE mission_id=? ORDER BY submitted_at, agent_id`, missionID)
	if err != nil {
		return nil, persistErr("list bids", err)
	}
	defer rows.Close()
	var out []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(&b.MissionID, &b.AgentID, &b.Price, &b.ETASeconds, &b.BondOffered, &b.SubmittedAt); err != nil {
			return nil, persistErr("scan bid", err)
		}
		out = append(out, b)
	}
	return out, persistErr("list bids", rows.Err())
}

// InsertVote records a verifier's verdict. A verifier votes once per mission.
func (r Repo) InsertVote(ctx context.Context, v domain.Vote) error {
	res, err := r.q().ExecContext(ctx, `INSERT INTO votes(mission_id,verifier_id,verdict,feedback,cast_at) VALUES (?,?,?,?,?)
ON CONFLICT(mission_id, verifier_id) DO NOTHING`, v.MissionID, v.VerifierID, string(v.Verdict), nullable(v.Feedback), v.CastAt)
	if err != nil {
		return persistErr("insert vote", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("", "", "verifier %s already voted on mission %s", v.VerifierID, v.MissionID)
	}
	return nil
}

func (r Repo) ListVotes(ctx context.Context, missionID string) ([]domain.Vote, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT mission_id,verifier_id,verdict,COALESCE(feedback,''),cast_at FROM votes WHERE mission_id=? ORDER BY cast_at, verifier_id`, missionID)
	if err != nil {
		return nil, persistErr("list votes", err)
	}
	defer rows.Close()
	var out []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.MissionID, &v.VerifierID, &v.Verdict, &v.Feedback, &v.CastAt); err != nil {
			return nil, persistErr("scan vote", err)
		}
		out = append(out, v)
	}
	return out, persistErr("list votes", rows.Err())
}

// DeleteVotes clears a mission's votes when work goes back for revision.
func (r Repo) DeleteVotes(ctx context.Context, missionID string) error {
	_, err := r.q().ExecContext(ctx, `DELETE FROM votes WHERE mission_id=?`, missionID)
	return persistErr("delete votes", err)
}

func (r Repo) InsertBond(ctx context.Context, b domain.Bond) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO bonds(id,agent_id,mission_id,amount,type,locked_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.AgentID, b.MissionID, b.Amount, string(b.Type), b.LockedAt)
	return persistErr("insert bond", err)
}

// DeleteBonds removes and returns every bond agentID holds on missionID.
func (r Repo) DeleteBonds(ctx context.Context, agentID, missionID string) ([]domain.Bond, error) {
	bonds, err := r.listBonds(ctx, `WHERE agent_id=? AND mission_id=?`, agentID, missionID)
	if err != nil {
		return nil, err
	}
	if len(bonds) == 0 {
		return nil, nil
	}
	if _, err := r.q().ExecContext(ctx, `DELETE FROM bonds WHERE agent_id=? AND mission_id=?`, agentID, missionID); err != nil {
		return nil, persistErr("delete bonds", err)
	}
	return bonds, nil
}

func (r Repo) ListBondsByAgent(ctx context.Context, agentID string) ([]domain.Bond, error) {
	return r.listBonds(ctx, `WHERE agent_id=?`, agentID)
}

func (r Repo) ListBondsByMission(ctx context.Context, missionID string) ([]domain.Bond, error) {
	return r.listBonds(ctx, `WHERE mission_id=?`, missionID)
}

func (r Repo) listBonds(ctx context.Context, where string, args ...any) ([]domain.Bond, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,agent_id,mission_id,amount,type,locked_at FROM bonds `+where+` ORDER BY locked_at, id`, args...)
	if err != nil {
		return nil, persistErr("list bonds", err)
	}
	defer rows.Close()
	var out []domain.Bond
	for rows.Next() {
		var b domain.Bond
		if err := rows.Scan(&b.ID, &b.AgentID, &b.MissionID, &b.Amount, &b.Type, &b.LockedAt); err != nil {
			return nil, persistErr("scan bond", err)
		}
		out = append(out, b)
	}
	return out, persistErr("list bonds", rows.Err())
}

// rowExists is shared by the history and settlement lookups.
func rowExists(row *sql.Row) (bool, error) {
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
