package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"missionline/internal/domain"
)

type EventFilters struct {
	MissionID string
	Type      string
	// AfterID returns events with a larger id, oldest first. Zero lists the
	// newest events first.
	AfterID int64
	Limit   int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.MissionID != "" {
		where = append(where, "mission_id=?")
		args = append(args, f.MissionID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	order := " ORDER BY id DESC"
	if f.AfterID > 0 {
		where = append(where, "id>?")
		args = append(args, f.AfterID)
		order = " ORDER BY id ASC"
	}
	query := `SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += order
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list events", err)
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, persistErr("scan event", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d payload: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, persistErr("list events", rows.Err())
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	var e domain.Event
	var payload string
	err := r.q().QueryRowContext(ctx, `SELECT id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id=?`, id).
		Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload)
	if err == sql.ErrNoRows {
		return e, domain.NotFoundError{Kind: "event", ID: fmt.Sprint(id)}
	}
	if err != nil {
		return e, persistErr("get event", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return e, fmt.Errorf("decode event %d payload: %w", e.ID, err)
	}
	return e, nil
}
