package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"missionline/internal/domain"
)

// InsertSubtasks stores a crew plan. Subtasks keep their declaration order.
func (r Repo) InsertSubtasks(ctx context.Context, missionID string, subs []domain.Subtask) error {
	now := nowString()
	for i, s := range subs {
		if s.Status == "" {
			s.Status = domain.SubtaskAvailable
		}
		if _, err := r.q().ExecContext(ctx, `INSERT INTO subtasks(mission_id,id,seq,title,required_specialty,status,assigned_agent,artifacts_json,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`, missionID, s.ID, i, s.Title, nullable(s.RequiredSpecialty), string(s.Status), nullable(s.AssignedAgent), marshalList(s.Artifacts), now); err != nil {
			return persistErr("insert subtask", err)
		}
	}
	for _, s := range subs {
		for _, dep := range s.Dependencies {
			if _, err := r.q().ExecContext(ctx, `INSERT INTO subtask_deps(mission_id,subtask_id,depends_on) VALUES (?,?,?)`, missionID, s.ID, dep); err != nil {
				return persistErr("insert subtask dependency", err)
			}
		}
	}
	return nil
}

func (r Repo) ListSubtasks(ctx context.Context, missionID string) ([]domain.Subtask, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,title,COALESCE(required_specialty,''),status,COALESCE(assigned_agent,''),artifacts_json,updated_at
FROM subtasks WHERE mission_id=? ORDER BY seq`, missionID)
	if err != nil {
		return nil, persistErr("list subtasks", err)
	}
	var out []domain.Subtask
	idx := map[string]int{}
	for rows.Next() {
		s := domain.Subtask{MissionID: missionID}
		var artifacts string
		if err := rows.Scan(&s.ID, &s.Title, &s.RequiredSpecialty, &s.Status, &s.AssignedAgent, &artifacts, &s.UpdatedAt); err != nil {
			rows.Close()
			return nil, persistErr("scan subtask", err)
		}
		if err := json.Unmarshal([]byte(artifacts), &s.Artifacts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode subtask %s artifacts: %w", s.ID, err)
		}
		idx[s.ID] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, persistErr("list subtasks", err)
	}
	rows.Close()

	deps, err := r.q().QueryContext(ctx, `SELECT subtask_id, depends_on FROM subtask_deps WHERE mission_id=? ORDER BY rowid`, missionID)
	if err != nil {
		return nil, persistErr("list subtask deps", err)
	}
	defer deps.Close()
	for deps.Next() {
		var id, on string
		if err := deps.Scan(&id, &on); err != nil {
			return nil, persistErr("scan subtask dep", err)
		}
		if i, ok := idx[id]; ok {
			out[i].Dependencies = append(out[i].Dependencies, on)
		}
	}
	return out, persistErr("list subtask deps", deps.Err())
}

// UpdateSubtask writes s only if its stored status is still expected.
func (r Repo) UpdateSubtask(ctx context.Context, s domain.Subtask, expected domain.SubtaskStatus) error {
	res, err := r.q().ExecContext(ctx, `UPDATE subtasks SET status=?, assigned_agent=?, artifacts_json=?, updated_at=?
WHERE mission_id=? AND id=? AND status=?`,
		string(s.Status), nullable(s.AssignedAgent), marshalList(s.Artifacts), nowString(), s.MissionID, s.ID, string(expected))
	if err != nil {
		return persistErr("update subtask", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var cur string
		err := r.q().QueryRowContext(ctx, `SELECT status FROM subtasks WHERE mission_id=? AND id=?`, s.MissionID, s.ID).Scan(&cur)
		if err == sql.ErrNoRows {
			return domain.NotFoundError{Kind: "subtask", ID: s.ID}
		}
		if err != nil {
			return persistErr("read subtask status", err)
		}
		return domain.Conflictf(string(expected), cur, "subtask %s status changed: expected %s, found %s", s.ID, expected, cur)
	}
	return nil
}
