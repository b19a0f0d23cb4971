package domain

// Mission is a unit of requested work with an escrowed reward.
type Mission struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	Description       string           `json:"description,omitempty"`
	Reward            float64          `json:"reward"`
	Status            MissionStatus    `json:"status" enum:"posted,bidding_open,assigned,executing,verifying,settled,failed"`
	Mode              AssignmentMode   `json:"assignment_mode" enum:"autopilot,bidding,crew,direct_hire"`
	Escrow            Escrow           `json:"escrow"`
	RequesterID       string           `json:"requester_id"`
	WorkerID          string           `json:"worker_id,omitempty"`
	RequiredSpecialty string           `json:"required_specialty,omitempty"`
	Timeline          Timeline         `json:"timeline"`
	BiddingClosesAt   *string          `json:"bidding_closes_at,omitempty" format:"date-time"`
	Bids              []Bid            `json:"bids,omitempty"`
	CrewConfig        *CrewConfig      `json:"crew_config,omitempty"`
	CrewAssignments   []CrewAssignment `json:"crew_assignments,omitempty"`
	Artifacts         []Artifact       `json:"artifacts,omitempty"`
	Blockers          []Blocker        `json:"blockers,omitempty"`
	Submission        *Submission      `json:"submission,omitempty"`
	Verification      *Verification    `json:"verification,omitempty"`
	RevisionHistory   []Revision       `json:"revision_history,omitempty"`
	Version           int64            `json:"version"`
	CreatedAt         string           `json:"created_at" format:"date-time"`
	UpdatedAt         string           `json:"updated_at" format:"date-time"`
}

// Escrow holds the reward reserved for a mission until settlement.
type Escrow struct {
	Locked bool    `json:"locked"`
	Amount float64 `json:"amount"`
}

// EscrowAccount is the ledger account holding a mission's reward.
func EscrowAccount(missionID string) string {
	return "escrow:" + missionID
}

// Timeline records when a mission first entered each lifecycle state.
type Timeline struct {
	PostedAt      *string `json:"posted_at,omitempty" format:"date-time"`
	BiddingOpenAt *string `json:"bidding_open_at,omitempty" format:"date-time"`
	AssignedAt    *string `json:"assigned_at,omitempty" format:"date-time"`
	ExecutingAt   *string `json:"executing_at,omitempty" format:"date-time"`
	VerifyingAt   *string `json:"verifying_at,omitempty" format:"date-time"`
	SettledAt     *string `json:"settled_at,omitempty" format:"date-time"`
	FailedAt      *string `json:"failed_at,omitempty" format:"date-time"`
}

// Slot returns the timestamp field for a status.
func (t *Timeline) Slot(s MissionStatus) **string {
	switch s {
	case StatusPosted:
		return &t.PostedAt
	case StatusBiddingOpen:
		return &t.BiddingOpenAt
	case StatusAssigned:
		return &t.AssignedAt
	case StatusExecuting:
		return &t.ExecutingAt
	case StatusVerifying:
		return &t.VerifyingAt
	case StatusSettled:
		return &t.SettledAt
	case StatusFailed:
		return &t.FailedAt
	}
	return nil
}

type Bid struct {
	MissionID   string  `json:"mission_id"`
	AgentID     string  `json:"agent_id"`
	Price       float64 `json:"price"`
	ETASeconds  int64   `json:"eta_seconds"`
	BondOffered float64 `json:"bond_offered"`
	SubmittedAt string  `json:"submitted_at" format:"date-time"`
}

type CrewConfig struct {
	MaxMembers int    `json:"max_members,omitempty"`
	Lead       string `json:"lead,omitempty"`
}

type CrewAssignment struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role,omitempty"`
	AddedAt string `json:"added_at" format:"date-time"`
}

type Artifact struct {
	Name      string `json:"name"`
	URI       string `json:"uri,omitempty"`
	SubtaskID string `json:"subtask_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty" format:"date-time"`
}

type Blocker struct {
	ID         string  `json:"id"`
	SubtaskID  string  `json:"subtask_id"`
	Reason     string  `json:"reason"`
	ReportedBy string  `json:"reported_by"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolvedBy string  `json:"resolved_by,omitempty"`
}

type Submission struct {
	Summary     string     `json:"summary"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	SubmittedAt string     `json:"submitted_at" format:"date-time"`
}

// Verification is the requester's own review of submitted work.
type Verification struct {
	VerifierID string `json:"verifier_id"`
	Approved   bool   `json:"approved"`
	Feedback   string `json:"feedback,omitempty"`
	Rating     *int   `json:"rating,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Revision struct {
	RequestedBy string `json:"requested_by"`
	Feedback    string `json:"feedback"`
	RequestedAt string `json:"requested_at" format:"date-time"`
}

// Subtask is a node in a crew mission's dependency graph.
type Subtask struct {
	ID                string        `json:"id"`
	MissionID         string        `json:"mission_id"`
	Title             string        `json:"title"`
	RequiredSpecialty string        `json:"required_specialty,omitempty"`
	Status            SubtaskStatus `json:"status" enum:"available,claimed,in_progress,completed,blocked,failed"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	AssignedAgent     string        `json:"assigned_agent,omitempty"`
	Artifacts         []Artifact    `json:"artifacts,omitempty"`
	UpdatedAt         string        `json:"updated_at,omitempty" format:"date-time"`
}

type Bond struct {
	ID        string   `json:"id"`
	AgentID   string   `json:"agent_id"`
	MissionID string   `json:"mission_id"`
	Amount    float64  `json:"amount"`
	Type      BondType `json:"type" enum:"worker,verifier"`
	LockedAt  string   `json:"locked_at" format:"date-time"`
}

// JobHistoryEntry is one recorded outcome in an agent's history.
type JobHistoryEntry struct {
	EntryID     string  `json:"entry_id"`
	AgentID     string  `json:"agent_id"`
	MissionID   string  `json:"mission_id"`
	Reward      float64 `json:"reward"`
	Outcome     Verdict `json:"outcome" enum:"PASS,FAIL"`
	Rating      *int    `json:"rating,omitempty"`
	RequesterID string  `json:"requester_id"`
	RecordedAt  string  `json:"recorded_at" format:"date-time"`
}

type Payout struct {
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
}

// Settlement is the single record proving a mission has been paid out.
type Settlement struct {
	MissionID string           `json:"mission_id"`
	Outcome   Verdict          `json:"outcome"`
	Payouts   []Payout         `json:"payouts"`
	Total     float64          `json:"total"`
	Consensus *ConsensusResult `json:"consensus,omitempty"`
	SettledAt string           `json:"settled_at" format:"date-time"`
}

type ConsensusResult struct {
	Pass         int             `json:"pass"`
	Fail         int             `json:"fail"`
	FinalVerdict Verdict         `json:"final_verdict"`
	Status       ConsensusStatus `json:"status" enum:"CONSENSUS,DISPUTE_RESOLVED,DISPUTE_UNRESOLVED"`
	Dishonest    []string        `json:"dishonest_verifiers"`
}

type Vote struct {
	MissionID  string  `json:"mission_id"`
	VerifierID string  `json:"verifier_id"`
	Verdict    Verdict `json:"verdict" enum:"PASS,FAIL"`
	Feedback   string  `json:"feedback,omitempty"`
	CastAt     string  `json:"cast_at" format:"date-time"`
}

// Agent is a directory record. Reputation is a cached projection of history.
type Agent struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Specialties []string `json:"specialties,omitempty"`
	Available   bool     `json:"available"`
	Active      bool     `json:"active"`
	BaseScore   float64  `json:"base_score"`
	Reputation  float64  `json:"reputation"`
	JobCount    int      `json:"job_count"`
	Earnings    float64  `json:"earnings"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// HasSpecialty reports whether the agent covers s. An empty s matches anyone.
func (a Agent) HasSpecialty(s string) bool {
	if s == "" {
		return true
	}
	for _, sp := range a.Specialties {
		if sp == s {
			return true
		}
	}
	return false
}

type LedgerEntry struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Reason    string  `json:"reason"`
	MissionID string  `json:"mission_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// InboxItem is work or a notification waiting for an agent to poll it.
type InboxItem struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	TaskType  string         `json:"task_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	AckedAt   *string        `json:"acked_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	MissionID  string         `json:"mission_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}
