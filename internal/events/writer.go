package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the mission event stream. Events are written inside the
// caller's transaction so they commit or roll back with the change they describe.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Common event types.
const (
	MissionCreated    = "mission.created"
	MissionTransition = "mission.transition"
	MissionAssigned   = "mission.assigned"
	MissionSubmitted  = "mission.submitted"
	MissionRevision   = "mission.revision_requested"
	MissionReviewed   = "mission.reviewed"
	MissionSettled    = "mission.settled"
	MissionExpired    = "mission.expired"
	BiddingOpened     = "bidding.opened"
	BidSubmitted      = "bid.submitted"
	BiddingClosed     = "bidding.closed"
	VoteCast          = "vote.cast"
	CrewInitialized   = "crew.initialized"
	CrewMemberAdded   = "crew.member_added"
	CrewMemberRemoved = "crew.member_removed"
	SubtaskClaimed    = "subtask.claimed"
	SubtaskStarted    = "subtask.started"
	SubtaskCompleted  = "subtask.completed"
	BlockerAdded      = "blocker.added"
	BlockerResolved   = "blocker.resolved"
	AgentRegistered   = "agent.registered"
	LedgerMinted      = "ledger.minted"
)

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, missionID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,mission_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(missionID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
