package server

import (
	"missionline/internal/domain"
	"missionline/internal/engine"
)

// Request payloads

type CreateMissionRequest struct {
	ID                string  `json:"id,omitempty"`
	Title             string  `json:"title" minLength:"1"`
	Description       string  `json:"description,omitempty"`
	Reward            float64 `json:"reward"`
	Mode              string  `json:"assignment_mode,omitempty" enum:"autopilot,bidding,crew,direct_hire"`
	RequiredSpecialty string  `json:"required_specialty,omitempty"`
	WorkerID          string  `json:"worker_id,omitempty"`
	// BiddingWindowSeconds overrides the configured window.
	BiddingWindowSeconds int64 `json:"bidding_window_seconds,omitempty"`
}

type ClaimMissionRequest struct {
	ExpectedStatus string `json:"expected_status,omitempty"`
}

type SubmitWorkRequest struct {
	Summary   string            `json:"summary"`
	Artifacts []domain.Artifact `json:"artifacts,omitempty"`
}

type RevisionRequest struct {
	Feedback string `json:"feedback"`
}

type ApproveRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
	Rating   *int   `json:"rating,omitempty" minimum:"1" maximum:"5"`
}

type FailMissionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DirectHireRequest struct {
	AgentID string `json:"agent_id"`
}

type OpenBiddingRequest struct {
	WindowSeconds int64 `json:"window_seconds,omitempty"`
}

type SubmitBidRequest struct {
	Price       float64 `json:"price"`
	ETASeconds  int64   `json:"eta_seconds,omitempty"`
	BondOffered float64 `json:"bond_offered,omitempty"`
}

type CastVoteRequest struct {
	Verdict  string `json:"verdict" enum:"PASS,FAIL,pass,fail"`
	Feedback string `json:"feedback,omitempty"`
}

type SubtaskRequest struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	RequiredSpecialty string   `json:"required_specialty,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
}

type InitCrewRequest struct {
	Subtasks   []SubtaskRequest `json:"subtasks"`
	Members    []string         `json:"members,omitempty"`
	MaxMembers int              `json:"max_members,omitempty"`
	Lead       string           `json:"lead,omitempty"`
}

type AddMemberRequest struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
}

type ClaimSubtaskRequest struct {
	ExpectedStatus string `json:"expected_status,omitempty" enum:"available,claimed,in_progress,completed,blocked,failed"`
}

type CompleteSubtaskRequest struct {
	Artifacts []domain.Artifact `json:"artifacts,omitempty"`
}

type AddBlockerRequest struct {
	Reason string `json:"reason"`
}

type RegisterAgentRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties,omitempty"`
	BaseScore   float64  `json:"base_score,omitempty"`
}

type AvailabilityRequest struct {
	Available bool `json:"available"`
}

type MintRequest struct {
	Account string  `json:"account"`
	Amount  float64 `json:"amount"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
}

// Response payloads

type BalanceResponse struct {
	Account string  `json:"account"`
	Balance float64 `json:"balance"`
}

type BondsResponse struct {
	AgentID string        `json:"agent_id"`
	Locked  float64       `json:"locked"`
	Bonds   []domain.Bond `json:"bonds"`
}

type SweepResponse struct {
	Closed  []engine.CloseResult `json:"closed"`
	Expired []engine.Expiry      `json:"expired"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is the secret, returned only at creation.
	Key string `json:"key"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func toSubtasks(in []SubtaskRequest) []domain.Subtask {
	out := make([]domain.Subtask, 0, len(in))
	for _, s := range in {
		out = append(out, domain.Subtask{
			ID:                s.ID,
			Title:             s.Title,
			RequiredSpecialty: s.RequiredSpecialty,
			Dependencies:      s.Dependencies,
		})
	}
	return out
}
