package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"missionline/internal/domain"
)

// Enqueue puts a work item in an agent's inbox.
func (r Repo) Enqueue(ctx context.Context, agentID, taskType string, payload map[string]any, priority int) (domain.InboxItem, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	item := domain.InboxItem{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		TaskType:  taskType,
		Payload:   payload,
		Priority:  priority,
		CreatedAt: nowString(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return item, fmt.Errorf("encode inbox payload: %w", err)
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO inbox(id,agent_id,task_type,payload_json,priority,created_at) VALUES (?,?,?,?,?,?)`,
		item.ID, item.AgentID, item.TaskType, string(data), item.Priority, item.CreatedAt)
	return item, persistErr("enqueue", err)
}

// Inbox lists an agent's items, highest priority first.
func (r Repo) Inbox(ctx context.Context, agentID string, includeAcked bool, limit int) ([]domain.InboxItem, error) {
	query := `SELECT id,agent_id,task_type,payload_json,priority,created_at,acked_at FROM inbox WHERE agent_id=?`
	if !includeAcked {
		query += ` AND acked_at IS NULL`
	}
	query += ` ORDER BY priority DESC, created_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.q().QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, persistErr("list inbox", err)
	}
	defer rows.Close()
	var out []domain.InboxItem
	for rows.Next() {
		var it domain.InboxItem
		var payload string
		var acked sql.NullString
		if err := rows.Scan(&it.ID, &it.AgentID, &it.TaskType, &payload, &it.Priority, &it.CreatedAt, &acked); err != nil {
			return nil, persistErr("scan inbox", err)
		}
		if err := json.Unmarshal([]byte(payload), &it.Payload); err != nil {
			return nil, fmt.Errorf("decode inbox payload: %w", err)
		}
		it.AckedAt = nullStringPtr(acked)
		out = append(out, it)
	}
	return out, persistErr("list inbox", rows.Err())
}

// Ack marks an item handled. Acking twice is a no-op.
func (r Repo) Ack(ctx context.Context, agentID, id string) error {
	res, err := r.q().ExecContext(ctx, `UPDATE inbox SET acked_at=COALESCE(acked_at, ?) WHERE id=? AND agent_id=?`, nowString(), id, agentID)
	if err != nil {
		return persistErr("ack inbox", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundError{Kind: "inbox item", ID: id}
	}
	return nil
}
